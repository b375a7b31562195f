package payoutd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/wallet"
)

// ActivationGate makes sure a custodial wallet exists on chain before transfers are attempted.
type ActivationGate struct {
	network Network
	chainID *big.Int
	logger  *slog.Logger
}

// NewActivationGate constructs a gate bound to network.
func NewActivationGate(network Network, chainID *big.Int, logger *slog.Logger) *ActivationGate {
	if chainID == nil {
		chainID = types.ChainID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivationGate{network: network, chainID: new(big.Int).Set(chainID), logger: logger}
}

// Ensure reports whether w can send transfers now. An inactive wallet is sent a
// self-activation transaction and reported as not ready without waiting for it to land.
// A key that does not control the stored address is a configuration error.
func (g *ActivationGate) Ensure(ctx context.Context, w *wallet.Custodial) (bool, error) {
	if w == nil {
		return false, configurationError("custodial wallet missing")
	}
	if !w.Matches() {
		return false, fmt.Errorf("%w: stored %s, key controls %s", ErrKeyMismatch, w.Address(), w.DerivedAddress())
	}
	state, err := g.network.Account(ctx, w.Address())
	if err != nil {
		return false, fmt.Errorf("payoutd: load account state: %w", err)
	}
	if state.IsActive() {
		return true, nil
	}

	tx := &types.Transaction{
		ChainID:  new(big.Int).Set(g.chainID),
		Type:     types.TxTypeActivate,
		Sequence: state.Sequence,
	}
	if err := w.Sign(tx); err != nil {
		return false, fmt.Errorf("payoutd: sign activation: %w", err)
	}
	hash, err := g.network.Broadcast(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("payoutd: broadcast activation: %w", err)
	}
	g.logger.Info("custodial wallet activation broadcast",
		slog.String("address", w.Address()),
		slog.String("tx_hash", hash))
	return false, nil
}
