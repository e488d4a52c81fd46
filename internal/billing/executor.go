package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/querymeter/gateway/pkg/events"
	"github.com/querymeter/gateway/pkg/metrics"
	"github.com/querymeter/gateway/pkg/retry"
	"go.uber.org/zap"
)

// Operation is the opaque billed external call supplied by the caller.
// The executor never inspects or retries it.
type Operation func(ctx context.Context) (string, error)

// Request describes one metered invocation.
type Request struct {
	Identity  string
	Operation string
	Cost      int64
	// IdempotencyKey scopes one logical billed action. Left empty, the
	// executor mints one; transport-layer retries of the same user action
	// should supply the same key.
	IdempotencyKey string
	// Arguments is a short serialized snapshot for the audit record.
	Arguments string
}

// FailureKind is the closed set of caller-visible failure outcomes.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureInsufficientBalance FailureKind = "insufficient_balance"
	FailureBalanceUnavailable  FailureKind = "balance_unavailable"
	FailureOperationFailed     FailureKind = "operation_failed"
	FailureBillingUnresolved   FailureKind = "billing_unresolved"
)

// Outcome is returned to the caller for every invocation. Result is set
// whenever the billed call produced one, including the billing-unresolved
// case: a successful result is never discarded because its debit could not
// be confirmed.
type Outcome struct {
	Result     string
	Billed     bool
	NewBalance int64
	Balance    int64
	Cost       int64
	Failure    FailureKind
	Err        error
}

// ExecutorConfig bounds the executor's external interactions.
type ExecutorConfig struct {
	CallTimeout     time.Duration
	CommitTimeout   time.Duration
	Retry           retry.Policy
	LowBalanceLevel int64
}

// Executor sequences gate check, billed call and retried ledger commit for
// one metered operation.
type Executor struct {
	gate     *BalanceGate
	consumer Consumer
	cfg      ExecutorConfig
	logger   *zap.Logger
	bus      *events.Bus
}

// NewExecutor creates a new metered-operation executor
func NewExecutor(gate *BalanceGate, consumer Consumer, cfg ExecutorConfig, logger *zap.Logger, bus *events.Bus) *Executor {
	return &Executor{
		gate:     gate,
		consumer: consumer,
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
	}
}

// RunMetered runs one billed invocation: advisory balance check, the
// external call, then the atomic debit. Failed calls are never billed.
func (e *Executor) RunMetered(ctx context.Context, req Request, op Operation) Outcome {
	check, err := e.gate.CheckBalance(ctx, req.Identity, req.Cost)
	if err != nil {
		metrics.RecordOutcome(req.Operation, string(FailureBalanceUnavailable))
		return Outcome{Failure: FailureBalanceUnavailable, Cost: req.Cost, Err: err}
	}
	if !check.Sufficient {
		e.logger.Info("insufficient balance",
			zap.String("identity", req.Identity),
			zap.String("operation", req.Operation),
			zap.Int64("balance", check.Balance),
			zap.Int64("cost", req.Cost),
		)
		metrics.RecordOutcome(req.Operation, string(FailureInsufficientBalance))
		return Outcome{
			Failure: FailureInsufficientBalance,
			Balance: check.Balance,
			Cost:    req.Cost,
		}
	}

	callCtx := ctx
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	result, err := op(callCtx)
	if err != nil {
		e.logger.Warn("billed operation failed, nothing debited",
			zap.String("identity", req.Identity),
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
		metrics.RecordOutcome(req.Operation, string(FailureOperationFailed))
		return Outcome{Failure: FailureOperationFailed, Cost: req.Cost, Err: err}
	}

	// One key per logical action, minted before committing and reused
	// across every internal retry.
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	// The call has succeeded and is owed for; a dropped client connection
	// must not abandon the commit.
	commitCtx := context.WithoutCancel(ctx)

	attempts := 0
	res, err := retry.Do(commitCtx, e.cfg.Retry, IsTransient, func(ctx context.Context) (ConsumeResult, error) {
		attempts++
		if e.cfg.CommitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.cfg.CommitTimeout)
			defer cancel()
		}
		return e.consumer.Consume(ctx, ConsumeRequest{
			Identity:        req.Identity,
			Operation:       req.Operation,
			Cost:            req.Cost,
			IdempotencyKey:  key,
			RequestSnapshot: req.Arguments,
			ResultSnapshot:  result,
		})
	})
	if attempts > 1 {
		metrics.LedgerRetriesTotal.Add(float64(attempts - 1))
	}

	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			// The balance moved between the advisory check and the commit.
			e.logger.Info("balance exhausted at commit time",
				zap.String("identity", req.Identity),
				zap.String("operation", req.Operation),
				zap.Int64("balance", insufficient.Balance),
				zap.Int64("cost", insufficient.Cost),
			)
			metrics.RecordOutcome(req.Operation, string(FailureInsufficientBalance))
			return Outcome{
				Result:  result,
				Failure: FailureInsufficientBalance,
				Balance: insufficient.Balance,
				Cost:    req.Cost,
				Err:     err,
			}
		}

		// Retries exhausted: the call succeeded but the debit is
		// unconfirmed. Deliver the result anyway and page the operators.
		e.logger.Error("billing unresolved: result delivered without confirmed debit",
			zap.String("identity", req.Identity),
			zap.String("operation", req.Operation),
			zap.String("idempotency_key", key),
			zap.Int64("cost", req.Cost),
			zap.Error(err),
		)
		metrics.BillingUnresolvedTotal.WithLabelValues(req.Operation).Inc()
		metrics.RecordOutcome(req.Operation, string(FailureBillingUnresolved))
		if e.bus != nil {
			e.bus.Publish(commitCtx, events.NewEvent(events.EventBillingUnresolved, req.Identity, map[string]interface{}{
				"operation":       req.Operation,
				"idempotency_key": key,
				"cost":            req.Cost,
				"error":           err.Error(),
			}))
		}
		return Outcome{
			Result:  result,
			Failure: FailureBillingUnresolved,
			Cost:    req.Cost,
			Err:     err,
		}
	}

	e.logger.Debug("debit committed",
		zap.String("identity", req.Identity),
		zap.String("operation", req.Operation),
		zap.String("idempotency_key", key),
		zap.Int64("new_balance", res.NewBalance),
		zap.Bool("replayed", res.Replayed),
	)
	metrics.RecordOutcome(req.Operation, "billed")
	metrics.RecordBalance(req.Identity, res.NewBalance)

	if e.bus != nil && res.NewBalance < e.cfg.LowBalanceLevel {
		e.bus.Publish(commitCtx, events.NewEvent(events.EventBalanceLow, req.Identity, map[string]interface{}{
			"balance": res.NewBalance,
		}))
	}

	return Outcome{
		Result:     result,
		Billed:     true,
		NewBalance: res.NewBalance,
		Cost:       req.Cost,
	}
}
