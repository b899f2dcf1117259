package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Dial connects to an Ethereum JSON-RPC endpoint and checks that it serves
// the expected chain.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: read chain id: %w", err)
	}
	if !got.IsInt64() || got.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("chain: endpoint serves chain %s, want %d", got, chainID)
	}
	return client, nil
}
