package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// transact sends a state-changing call and waits for it to be mined.
//
// Failures before SendTransaction are safe to retry. Once the transaction has
// been handed to the node every failure is permanent: resending with a fresh
// nonce could execute the call twice.
func (l *Ledger) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("chain: pack %s: %w", method, err))
	}

	l.txMu.Lock()
	defer l.txMu.Unlock()

	from := l.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &l.cfg.Contract, Data: data}

	gas, err := l.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return nil, retry.Permanent(fmt.Errorf("chain: %s would revert: %v: %w", method, err, domain.ErrLedgerRejected))
		}
		return nil, fmt.Errorf("chain: estimate gas %s: %w", method, err)
	}
	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chain: nonce: %w", err)
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas tip: %w", err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: latest header: %w", err)
	}
	baseFee := new(big.Int)
	if head.BaseFee != nil {
		baseFee.Set(head.BaseFee)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &l.cfg.Contract,
		Data:      data,
	})
	signed, err := l.signer.SignTx(tx)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("chain: sign %s: %w", method, err))
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return nil, retry.Permanent(fmt.Errorf("chain: send %s: %w", method, err))
	}

	hash := signed.Hash()
	l.logger.InfoContext(ctx, "tx sent",
		slog.String("method", method),
		slog.String("tx", hash.Hex()),
		slog.Uint64("nonce", nonce),
	)

	receipt, err := l.waitMined(ctx, signed)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, retry.Permanent(fmt.Errorf("chain: %s tx %s reverted: %w", method, hash.Hex(), domain.ErrLedgerRejected))
	}
	return receipt, nil
}

// waitMined polls for the receipt of tx until it appears or the receipt
// timeout elapses. The wait ignores ctx cancellation up to the timeout so a
// shutdown does not abandon a transaction already in flight.
func (l *Ledger) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := l.backend.TransactionReceipt(waitCtx, tx.Hash())
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			l.logger.WarnContext(ctx, "receipt poll failed",
				slog.String("tx", tx.Hash().Hex()),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("chain: tx %s not mined within %s", tx.Hash().Hex(), l.cfg.ReceiptTimeout)
		case <-ticker.C:
		}
	}
}

// event decodes the non-indexed fields of the first log named name emitted by
// the vault in receipt.
func (l *Ledger) event(receipt *types.Receipt, name string) ([]any, error) {
	ev, ok := l.abi.Events[name]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("chain: unknown event %s", name))
	}
	for _, lg := range receipt.Logs {
		if lg.Address != l.cfg.Contract || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().UnpackValues(lg.Data)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("chain: decode %s: %w", name, err))
		}
		return vals, nil
	}
	return nil, retry.Permanent(fmt.Errorf("chain: %s event missing from tx %s: %w", name, receipt.TxHash.Hex(), domain.ErrLedgerInvariant))
}
