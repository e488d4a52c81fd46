package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/querymeter/gateway/pkg/cache"
	"github.com/querymeter/gateway/pkg/database"
	"github.com/querymeter/gateway/pkg/models"
	"go.uber.org/zap"
)

// Authenticator resolves bearer API keys to billable identities, caching
// positive lookups in Redis. The metering core downstream only ever sees
// the resolved identity, never the credential.
type Authenticator struct {
	db     *database.Database
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// authCacheKey names the Redis entry for one API key lookup; revocation
// deletes the same key.
func authCacheKey(key string) string {
	return "apikey:" + key
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(db *database.Database, cacheClient *cache.Cache, ttl time.Duration, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		db:     db,
		cache:  cacheClient,
		ttl:    ttl,
		logger: logger,
	}
}

// ValidateAPIKey checks the key against the store and caches the result.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	if key == "" {
		return nil, errors.New("missing API key")
	}

	cacheKey := authCacheKey(key)
	if cached, err := a.cache.Get(ctx, cacheKey); err == nil {
		var apiKey models.APIKey
		if err := json.Unmarshal([]byte(cached), &apiKey); err == nil {
			apiKey.Key = key
			return &apiKey, nil
		}
	}

	var apiKey models.APIKey
	err := a.db.Pool.QueryRow(ctx,
		`SELECT key, identity, display_label, status, rate_limit_per_min, created_at
		 FROM api_keys WHERE key = $1`,
		key,
	).Scan(&apiKey.Key, &apiKey.Identity, &apiKey.DisplayLabel, &apiKey.Status, &apiKey.RateLimitPerMin, &apiKey.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("invalid API key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}

	if apiKey.Status != models.APIKeyStatusActive {
		return nil, errors.New("API key is not active")
	}

	if data, err := json.Marshal(apiKey); err == nil {
		if err := a.cache.Set(ctx, cacheKey, data, a.ttl); err != nil {
			a.logger.Debug("failed to cache API key lookup", zap.Error(err))
		}
	}

	return &apiKey, nil
}
