package chain

// contractABI describes the leverage vault the engine drives. Collateral
// amounts are in wei (18 decimals), stable amounts in 6 decimals and prices
// in 8 decimals, matching the fixed package scales.
const contractABI = `[
  {"type":"function","name":"healthFactor","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"},{"name":"price","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"accruedInterest","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isActive","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"liquidityAvailable","stateMutability":"view",
   "inputs":[{"name":"collateral","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"positionCount","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"positionAt","stateMutability":"view",
   "inputs":[{"name":"index","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"owner","type":"address"},
     {"name":"collateral","type":"uint256"},
     {"name":"debt","type":"uint256"},
     {"name":"initialLtv","type":"uint256"},
     {"name":"status","type":"uint8"}]},
  {"type":"function","name":"harvest","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"},{"name":"price","type":"uint256"},{"name":"maxCollateral","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"liquidate","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"},{"name":"price","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"settle","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"},{"name":"gross","type":"uint256"}],
   "outputs":[]},
  {"type":"event","name":"Harvested","anonymous":false,
   "inputs":[
     {"name":"id","type":"uint256","indexed":true},
     {"name":"collateralSwapped","type":"uint256","indexed":false},
     {"name":"stableReceived","type":"uint256","indexed":false},
     {"name":"interestPaid","type":"uint256","indexed":false}]},
  {"type":"event","name":"Liquidated","anonymous":false,
   "inputs":[
     {"name":"id","type":"uint256","indexed":true},
     {"name":"collateralSold","type":"uint256","indexed":false},
     {"name":"recovered","type":"uint256","indexed":false}]},
  {"type":"event","name":"Settled","anonymous":false,
   "inputs":[
     {"name":"id","type":"uint256","indexed":true},
     {"name":"senior","type":"uint256","indexed":false},
     {"name":"interest","type":"uint256","indexed":false},
     {"name":"residual","type":"uint256","indexed":false}]}
]`

// On-chain status codes of positionAt.
const (
	statusActive uint8 = iota
	statusLiquidated
	statusSettled
	statusClosed
)
