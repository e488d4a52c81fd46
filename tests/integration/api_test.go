package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/querymeter/gateway/internal/billing"
	"github.com/querymeter/gateway/internal/config"
	"github.com/querymeter/gateway/internal/gateway"
	"github.com/querymeter/gateway/pkg/cache"
	"github.com/querymeter/gateway/pkg/database"
	"github.com/querymeter/gateway/pkg/events"
	"github.com/querymeter/gateway/pkg/retry"
)

// TestEndToEndAPI exercises the full metering path against real Postgres and
// Redis instances. A stub provider backend stands in for the paid search API.
func TestEndToEndAPI(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	logger, _ := zap.NewDevelopment()

	// Stub provider backend so no real paid calls happen.
	providerBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"answer": "stub answer"})
	}))
	defer providerBackend.Close()

	os.Setenv("PROVIDER_BASE_URL", providerBackend.URL)
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	eventBus := events.NewBus(logger)

	store := billing.NewPostgresStore(db, logger)
	gate := billing.NewBalanceGate(store, logger)
	executor := billing.NewExecutor(gate, store, billing.ExecutorConfig{
		CallTimeout:   cfg.Provider.CallTimeout,
		CommitTimeout: cfg.Metering.CommitTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Metering.RetryMaxAttempts,
			BaseDelay:   cfg.Metering.RetryBaseDelay,
			MaxDelay:    cfg.Metering.RetryMaxDelay,
		},
		LowBalanceLevel: cfg.Metering.LowBalanceLevel,
	}, logger, eventBus)

	webhookHandler := billing.NewWebhookHandler("whsec_test", store, logger, eventBus)
	instances := gateway.NewInstanceCache(cfg.Metering.InstanceCacheSize)

	gw := gateway.NewGateway(cfg, db, redisCache, store, executor, webhookHandler, instances, eventBus, logger)

	ts := httptest.NewServer(gw)
	defer ts.Close()

	t.Run("Health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatalf("health request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})

	var apiKey string
	identity := fmt.Sprintf("it-tenant-%d", os.Getpid())

	t.Run("CreateIdentity", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{
			"identity":         identity,
			"display_label":    "integration test tenant",
			"starting_balance": 5,
		})
		req, _ := http.NewRequest("POST", ts.URL+"/admin/identities", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Admin-Token", cfg.Security.AdminAPIToken)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("create identity failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}

		var created struct {
			APIKey  string `json:"api_key"`
			Balance int64  `json:"balance"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if created.Balance != 5 {
			t.Errorf("expected seeded balance 5, got %d", created.Balance)
		}
		apiKey = created.APIKey
	})

	search := func(idempotencyKey string) (int, map[string]interface{}) {
		body, _ := json.Marshal(map[string]string{"query": "what is metering"})
		req, _ := http.NewRequest("POST", ts.URL+"/v1/search", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("search request failed: %v", err)
		}
		defer resp.Body.Close()

		var parsed map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&parsed)
		return resp.StatusCode, parsed
	}

	t.Run("SearchDebitsBalance", func(t *testing.T) {
		status, body := search("")
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d: %v", status, body)
		}
		if body["result"] != "stub answer" {
			t.Errorf("unexpected result %v", body["result"])
		}
		if body["balance"].(float64) != 4 {
			t.Errorf("expected balance 4 after one call, got %v", body["balance"])
		}
	})

	t.Run("IdempotentReplay", func(t *testing.T) {
		status1, body1 := search("it-replay-key")
		if status1 != http.StatusOK {
			t.Fatalf("expected 200, got %d", status1)
		}
		balanceAfterFirst := body1["balance"].(float64)

		status2, body2 := search("it-replay-key")
		if status2 != http.StatusOK {
			t.Fatalf("expected 200 on replay, got %d", status2)
		}
		if body2["balance"].(float64) != balanceAfterFirst {
			t.Errorf("replay changed the balance: %v then %v", balanceAfterFirst, body2["balance"])
		}
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		// Drain the remaining balance.
		for i := 0; i < 10; i++ {
			status, _ := search("")
			if status == http.StatusPaymentRequired {
				return
			}
		}
		t.Error("never hit 402 after draining the balance")
	})

	t.Run("ConcurrentSameKeyDebitsOnce", func(t *testing.T) {
		// Top the identity back up through the admin credit endpoint.
		body, _ := json.Marshal(map[string]interface{}{
			"amount":    100,
			"reference": "it-concurrent-topup",
		})
		req, _ := http.NewRequest("POST", ts.URL+"/admin/identities/"+identity+"/credit", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Admin-Token", cfg.Security.AdminAPIToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("credit failed: %v", err)
		}
		resp.Body.Close()

		before, err := store.Balance(ctx, identity)
		if err != nil {
			t.Fatalf("failed to read balance: %v", err)
		}

		const workers = 50
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Consume(ctx, billing.ConsumeRequest{
					Identity:        identity,
					Operation:       "semantic_search",
					Cost:            1,
					IdempotencyKey:  "it-concurrent-key",
					RequestSnapshot: "concurrent",
					ResultSnapshot:  "stub answer",
				})
				if err != nil {
					t.Errorf("concurrent consume failed: %v", err)
				}
			}()
		}
		wg.Wait()

		after, err := store.Balance(ctx, identity)
		if err != nil {
			t.Fatalf("failed to read balance: %v", err)
		}
		if before-after != 1 {
			t.Errorf("expected exactly one debit, balance went %d to %d", before, after)
		}
	})

	t.Run("RevokedKeyRejected", func(t *testing.T) {
		req, _ := http.NewRequest("DELETE", ts.URL+"/admin/keys/"+apiKey, nil)
		req.Header.Set("X-Admin-Token", cfg.Security.AdminAPIToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("revoke failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		// Revocation must take effect immediately despite the auth cache.
		status, _ := search("")
		if status != http.StatusUnauthorized {
			t.Errorf("expected 401 after revocation, got %d", status)
		}
	})

	t.Run("UnauthenticatedRejected", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"query": "q"})
		resp, err := http.Post(ts.URL+"/v1/search", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})
}
