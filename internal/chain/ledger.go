// Package chain implements the execution ledger against a leverage vault
// contract on an EVM chain. Reads are eth_call views; harvest, liquidation and
// settlement are signed EIP-1559 transactions whose outcome is decoded from
// the receipt's event log.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of the JSON-RPC client the ledger needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions for one account on one chain.
type TxSigner interface {
	Address() common.Address
	ChainID() *big.Int
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// Config controls how the ledger talks to the vault.
type Config struct {
	Contract       common.Address
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Ledger is a domain.ExecutionLedger backed by the vault contract.
type Ledger struct {
	backend Backend
	signer  TxSigner
	abi     abi.ABI
	cfg     Config
	logger  *slog.Logger

	// txMu serialises nonce allocation.
	txMu sync.Mutex
}

var _ domain.ExecutionLedger = (*Ledger)(nil)

// NewLedger binds the vault ABI to backend.
func NewLedger(backend Backend, signer TxSigner, cfg Config, logger *slog.Logger) (*Ledger, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 3 * time.Minute
	}
	return &Ledger{
		backend: backend,
		signer:  signer,
		abi:     parsed,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain_ledger")),
	}, nil
}

// ReadHealthFactor returns the contract's health factor in basis points,
// clamped to int64.
func (l *Ledger) ReadHealthFactor(ctx context.Context, positionID string, price fixed.Amount) (int64, error) {
	id, err := parseID(positionID)
	if err != nil {
		return 0, err
	}
	out, err := l.view(ctx, "healthFactor", id, price.Rescale(fixed.PriceScale, fixed.RoundDown).Units())
	if err != nil {
		return 0, err
	}
	hf := out[0].(*big.Int)
	if !hf.IsInt64() {
		return math.MaxInt64, nil
	}
	return hf.Int64(), nil
}

// ReadAccruedInterest returns the unpaid interest in stable units.
func (l *Ledger) ReadAccruedInterest(ctx context.Context, positionID string) (fixed.Amount, error) {
	id, err := parseID(positionID)
	if err != nil {
		return fixed.Amount{}, err
	}
	out, err := l.view(ctx, "accruedInterest", id)
	if err != nil {
		return fixed.Amount{}, err
	}
	return fixed.New(out[0].(*big.Int), fixed.StableScale), nil
}

// CheckLiquidity reports whether the swap venue can absorb collateral.
func (l *Ledger) CheckLiquidity(ctx context.Context, collateral fixed.Amount) (bool, error) {
	out, err := l.view(ctx, "liquidityAvailable", collateral.Rescale(fixed.CollateralScale, fixed.RoundUp).Units())
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// IsPositionActive reports the contract's view of the position's status.
func (l *Ledger) IsPositionActive(ctx context.Context, positionID string) (bool, error) {
	id, err := parseID(positionID)
	if err != nil {
		return false, err
	}
	out, err := l.view(ctx, "isActive", id)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// ListPositions enumerates every position the vault knows about.
func (l *Ledger) ListPositions(ctx context.Context) ([]domain.LedgerPosition, error) {
	out, err := l.view(ctx, "positionCount")
	if err != nil {
		return nil, err
	}
	n := out[0].(*big.Int)
	if !n.IsInt64() {
		return nil, fmt.Errorf("chain: position count %s out of range", n)
	}

	positions := make([]domain.LedgerPosition, 0, n.Int64())
	for i := range n.Int64() {
		row, err := l.view(ctx, "positionAt", big.NewInt(i))
		if err != nil {
			return nil, fmt.Errorf("chain: position %d: %w", i, err)
		}
		status, err := decodeStatus(row[5].(uint8))
		if err != nil {
			return nil, err
		}
		ltv := row[4].(*big.Int)
		positions = append(positions, domain.LedgerPosition{
			ID:         row[0].(*big.Int).String(),
			Owner:      row[1].(common.Address).Hex(),
			Collateral: fixed.New(row[2].(*big.Int), fixed.CollateralScale),
			Debt:       fixed.New(row[3].(*big.Int), fixed.StableScale),
			InitialLTV: ltv.Int64(),
			Status:     status,
		})
	}
	return positions, nil
}

// ExecuteHarvest swaps at most maxCollateral to pay the accrued interest.
func (l *Ledger) ExecuteHarvest(ctx context.Context, positionID string, price, maxCollateral fixed.Amount) (domain.HarvestOutcome, error) {
	id, err := parseID(positionID)
	if err != nil {
		return domain.HarvestOutcome{}, err
	}
	receipt, err := l.transact(ctx, "harvest", id,
		price.Rescale(fixed.PriceScale, fixed.RoundDown).Units(),
		maxCollateral.Rescale(fixed.CollateralScale, fixed.RoundDown).Units())
	if err != nil {
		return domain.HarvestOutcome{}, err
	}
	vals, err := l.event(receipt, "Harvested")
	if err != nil {
		return domain.HarvestOutcome{}, err
	}
	return domain.HarvestOutcome{
		CollateralSwapped: fixed.New(vals[0].(*big.Int), fixed.CollateralScale),
		StableReceived:    fixed.New(vals[1].(*big.Int), fixed.StableScale),
		InterestPaid:      fixed.New(vals[2].(*big.Int), fixed.StableScale),
		LedgerRef:         receipt.TxHash.Hex(),
	}, nil
}

// ExecuteLiquidation sells the position's entire collateral.
func (l *Ledger) ExecuteLiquidation(ctx context.Context, positionID string, price fixed.Amount) (domain.LiquidationOutcome, error) {
	id, err := parseID(positionID)
	if err != nil {
		return domain.LiquidationOutcome{}, err
	}
	receipt, err := l.transact(ctx, "liquidate", id, price.Rescale(fixed.PriceScale, fixed.RoundDown).Units())
	if err != nil {
		return domain.LiquidationOutcome{}, err
	}
	vals, err := l.event(receipt, "Liquidated")
	if err != nil {
		return domain.LiquidationOutcome{}, err
	}
	return domain.LiquidationOutcome{
		CollateralSold: fixed.New(vals[0].(*big.Int), fixed.CollateralScale),
		Recovered:      fixed.New(vals[1].(*big.Int), fixed.StableScale),
		LedgerRef:      receipt.TxHash.Hex(),
	}, nil
}

// ExecuteSettlement distributes gross through the contract's waterfall.
func (l *Ledger) ExecuteSettlement(ctx context.Context, positionID string, gross fixed.Amount) (domain.SettlementOutcome, error) {
	id, err := parseID(positionID)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	if gross.Sign() < 0 {
		return domain.SettlementOutcome{}, retry.Permanent(fmt.Errorf("chain: settle %s: %w", positionID, domain.ErrInvalidAmount))
	}
	receipt, err := l.transact(ctx, "settle", id, gross.Rescale(fixed.StableScale, fixed.RoundDown).Units())
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	vals, err := l.event(receipt, "Settled")
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	return domain.SettlementOutcome{
		Senior:    fixed.New(vals[0].(*big.Int), fixed.StableScale),
		Interest:  fixed.New(vals[1].(*big.Int), fixed.StableScale),
		Residual:  fixed.New(vals[2].(*big.Int), fixed.StableScale),
		LedgerRef: receipt.TxHash.Hex(),
	}, nil
}

// view runs a read-only call against the latest block.
func (l *Ledger) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("chain: pack %s: %w", method, err))
	}
	msg := ethereum.CallMsg{From: l.signer.Address(), To: &l.cfg.Contract, Data: data}
	raw, err := l.backend.CallContract(ctx, msg, nil)
	if err != nil {
		if isRevert(err) {
			return nil, retry.Permanent(fmt.Errorf("chain: %s: %v: %w", method, err, domain.ErrLedgerRejected))
		}
		return nil, fmt.Errorf("chain: %s: %w", method, err)
	}
	out, err := l.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}

func parseID(positionID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(positionID, 10)
	if !ok || id.Sign() < 0 {
		return nil, retry.Permanent(fmt.Errorf("chain: position id %q: %w", positionID, domain.ErrNotFound))
	}
	return id, nil
}

func decodeStatus(code uint8) (domain.PositionStatus, error) {
	switch code {
	case statusActive:
		return domain.PositionActive, nil
	case statusLiquidated:
		return domain.PositionLiquidated, nil
	case statusSettled:
		return domain.PositionSettled, nil
	case statusClosed:
		return domain.PositionClosed, nil
	default:
		return "", fmt.Errorf("chain: unknown status code %d", code)
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
