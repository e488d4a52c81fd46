package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/querymeter/gateway/pkg/database"
	"github.com/querymeter/gateway/pkg/metrics"
	"github.com/querymeter/gateway/pkg/models"
	"go.uber.org/zap"
)

// PostgresStore is the ledger backed by the shared balance store. It is the
// single source of truth for balances and usage events; every correctness
// invariant routes through it.
type PostgresStore struct {
	db     *database.Database
	logger *zap.Logger
}

// NewPostgresStore creates a new ledger store
func NewPostgresStore(db *database.Database, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Balance returns the current balance for an identity. A missing balance
// row reads as zero.
func (s *PostgresStore) Balance(ctx context.Context, identity string) (int64, error) {
	var balance int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT balance FROM balances WHERE identity = $1`, identity,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Consume atomically debits the balance and records the usage event for one
// idempotency key. The transaction takes a row lock on the identity's
// balance, so concurrent consumes for the same identity serialize; the
// unique constraint on usage_events.idempotency_key backstops the replay
// check against racers the lock cannot see.
func (s *PostgresStore) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	start := time.Now()
	defer func() {
		metrics.ConsumeDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return ConsumeResult{}, classifyStoreError(err)
	}
	defer tx.Rollback(ctx)

	// A committed event for this key wins over everything else: return the
	// original outcome, never a second debit.
	var prior int64
	err = tx.QueryRow(ctx,
		`SELECT balance_after FROM usage_events WHERE idempotency_key = $1`,
		req.IdempotencyKey,
	).Scan(&prior)
	if err == nil {
		return ConsumeResult{NewBalance: prior, Replayed: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ConsumeResult{}, classifyStoreError(err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM balances WHERE identity = $1 FOR UPDATE`,
		req.Identity,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		balance = 0
	} else if err != nil {
		return ConsumeResult{}, classifyStoreError(err)
	}

	// The advisory check can be stale by now; this is the authoritative one.
	if balance < req.Cost {
		return ConsumeResult{}, &InsufficientBalanceError{Balance: balance, Cost: req.Cost}
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE balances SET balance = balance - $2, updated_at = NOW()
		 WHERE identity = $1 RETURNING balance`,
		req.Identity, req.Cost,
	).Scan(&newBalance)
	if err != nil {
		return ConsumeResult{}, classifyStoreError(err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO usage_events (
			idempotency_key, identity, operation, cost,
			request_snapshot, result_snapshot, balance_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.IdempotencyKey,
		req.Identity,
		req.Operation,
		req.Cost,
		snapshot(req.RequestSnapshot),
		snapshot(req.ResultSnapshot),
		newBalance,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent consume of the same key.
			tx.Rollback(ctx)
			return s.replayCommitted(ctx, req.IdempotencyKey)
		}
		return ConsumeResult{}, classifyStoreError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ConsumeResult{}, classifyStoreError(err)
	}

	return ConsumeResult{NewBalance: newBalance}, nil
}

// replayCommitted reads back the outcome committed by whichever racer won.
func (s *PostgresStore) replayCommitted(ctx context.Context, idempotencyKey string) (ConsumeResult, error) {
	var balanceAfter int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT balance_after FROM usage_events WHERE idempotency_key = $1`,
		idempotencyKey,
	).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		// The winner's transaction has not become visible yet.
		return ConsumeResult{}, &TransientError{Err: fmt.Errorf("usage event for key %s not yet visible", idempotencyKey)}
	}
	if err != nil {
		return ConsumeResult{}, classifyStoreError(err)
	}
	return ConsumeResult{NewBalance: balanceAfter, Replayed: true}, nil
}

// Credit adds prepaid units to an identity's balance, at most once per
// reference (e.g. a payment intent ID). A replayed reference returns the
// current balance without a second credit.
func (s *PostgresStore) Credit(ctx context.Context, identity string, amount int64, reference string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return 0, classifyStoreError(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO topups (reference, identity, amount)
		 VALUES ($1, $2, $3) ON CONFLICT (reference) DO NOTHING`,
		reference, identity, amount,
	)
	if err != nil {
		return 0, classifyStoreError(err)
	}

	if tag.RowsAffected() == 0 {
		// Reference already applied; report the balance as it stands.
		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT balance FROM balances WHERE identity = $1`, identity,
		).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return 0, classifyStoreError(err)
		}
		s.logger.Info("duplicate top-up ignored",
			zap.String("identity", identity),
			zap.String("reference", reference),
		)
		return balance, tx.Commit(ctx)
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`INSERT INTO balances (identity, balance)
		 VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE
		 SET balance = balances.balance + $2, updated_at = NOW()
		 RETURNING balance`,
		identity, amount,
	).Scan(&newBalance)
	if err != nil {
		return 0, classifyStoreError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyStoreError(err)
	}

	s.logger.Info("credited balance",
		zap.String("identity", identity),
		zap.Int64("amount", amount),
		zap.Int64("new_balance", newBalance),
		zap.String("reference", reference),
	)
	metrics.RecordBalance(identity, newBalance)

	return newBalance, nil
}

// RecentUsage returns the latest usage events for an identity.
func (s *PostgresStore) RecentUsage(ctx context.Context, identity string, limit int) ([]models.UsageEvent, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT idempotency_key, identity, operation, cost,
		        request_snapshot, result_snapshot, balance_after, created_at
		 FROM usage_events
		 WHERE identity = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		if err := rows.Scan(
			&ev.IdempotencyKey, &ev.Identity, &ev.Operation, &ev.Cost,
			&ev.RequestSnapshot, &ev.ResultSnapshot, &ev.BalanceAfter, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// classifyStoreError separates retryable infrastructure failures from
// terminal ones. Unknown driver-level failures default to transient; the
// idempotency key makes an extra attempt harmless.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return &TransientError{Err: err}
		}
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exceptions
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return &TransientError{Err: err}
		}
		// Constraint violations and other server-side errors are terminal.
		return err
	}

	return &TransientError{Err: err}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
