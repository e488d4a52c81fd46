package models

import "time"

// APIKey represents credentials to access the metered API. The identity it
// resolves to is an opaque stable string; the metering core downstream never
// sees the credential itself.
type APIKey struct {
	Key             string    `json:"-"`
	Identity        string    `json:"identity"`
	DisplayLabel    string    `json:"display_label"`
	Status          string    `json:"status"`
	RateLimitPerMin int64     `json:"rate_limit_per_min"`
	CreatedAt       time.Time `json:"created_at"`
}

// API key statuses. Only active keys pass authentication.
const (
	APIKeyStatusActive  = "active"
	APIKeyStatusRevoked = "revoked"
)

// UsageEvent is the immutable record of one committed debit. At most one
// event ever exists per idempotency key.
type UsageEvent struct {
	IdempotencyKey  string    `json:"idempotency_key"`
	Identity        string    `json:"identity"`
	Operation       string    `json:"operation"`
	Cost            int64     `json:"cost"`
	RequestSnapshot string    `json:"request_snapshot"`
	ResultSnapshot  string    `json:"result_snapshot"`
	BalanceAfter    int64     `json:"balance_after"`
	CreatedAt       time.Time `json:"created_at"`
}
