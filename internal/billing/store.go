package billing

import (
	"context"
	"unicode/utf8"
)

// ConsumeRequest describes one atomic check-and-debit against the ledger.
type ConsumeRequest struct {
	Identity        string
	Operation       string
	Cost            int64
	IdempotencyKey  string
	RequestSnapshot string
	ResultSnapshot  string
}

// ConsumeResult is the committed outcome of a consume. Replayed is true when
// a usage event for the idempotency key already existed; the original
// balance is returned and no second debit happens.
type ConsumeResult struct {
	NewBalance int64
	Replayed   bool
}

// BalanceReader is the read-only capability the balance gate depends on.
type BalanceReader interface {
	// Balance returns the current balance for an identity. An identity
	// without a balance row has balance zero.
	Balance(ctx context.Context, identity string) (int64, error)
}

// Consumer is the transactional capability the executor depends on.
//
// Consume must run "has this key committed?", "is the balance sufficient?"
// and "debit + record usage event" as a single atomic unit, so concurrent
// racers on the same key all observe the first writer's outcome. Terminal
// failures are *InsufficientBalanceError; retryable ones are *TransientError.
type Consumer interface {
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
}

// snapshotLimit bounds the audit snapshots stored with each usage event.
const snapshotLimit = 512

// snapshot truncates on a rune boundary; a cut mid-rune would produce
// invalid UTF-8, which the store rejects.
func snapshot(s string) string {
	if len(s) <= snapshotLimit {
		return s
	}
	cut := snapshotLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
