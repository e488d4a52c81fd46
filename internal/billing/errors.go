package billing

import (
	"errors"
	"fmt"
)

// The metering core uses a closed set of error variants so callers can
// branch with errors.As/errors.Is instead of matching message text.

// InsufficientBalanceError is the terminal business outcome of attempting to
// debit more than the identity owns. It is never retried and never billed.
type InsufficientBalanceError struct {
	Balance int64
	Cost    int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Cost)
}

// BalanceUnavailableError means the balance store could not be read. An
// unreadable balance is never treated as sufficient.
type BalanceUnavailableError struct {
	Err error
}

func (e *BalanceUnavailableError) Error() string {
	return fmt.Sprintf("balance unavailable: %v", e.Err)
}

func (e *BalanceUnavailableError) Unwrap() error {
	return e.Err
}

// TransientError wraps a store failure that is worth retrying: timeouts,
// dropped connections, serialization conflicts. Retrying consume is safe
// because the idempotency key makes a retry after an uncertain outcome
// either perform the one commit or read back the commit that already landed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
