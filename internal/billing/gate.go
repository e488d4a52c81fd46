package billing

import (
	"context"

	"go.uber.org/zap"
)

// BalanceGate answers whether an identity can afford a cost before the
// expensive external call is made. The answer is advisory only; the
// authoritative check-and-debit happens atomically in the ledger.
type BalanceGate struct {
	store  BalanceReader
	logger *zap.Logger
}

// NewBalanceGate creates a new balance gate
func NewBalanceGate(store BalanceReader, logger *zap.Logger) *BalanceGate {
	return &BalanceGate{
		store:  store,
		logger: logger,
	}
}

// CheckResult is the advisory answer from the gate.
type CheckResult struct {
	Sufficient bool
	Balance    int64
}

// CheckBalance reads the current balance and compares it against cost.
// A store read failure surfaces as *BalanceUnavailableError; an unreadable
// balance is never treated as sufficient.
func (g *BalanceGate) CheckBalance(ctx context.Context, identity string, cost int64) (CheckResult, error) {
	balance, err := g.store.Balance(ctx, identity)
	if err != nil {
		g.logger.Warn("balance read failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return CheckResult{}, &BalanceUnavailableError{Err: err}
	}

	return CheckResult{
		Sufficient: balance >= cost,
		Balance:    balance,
	}, nil
}
