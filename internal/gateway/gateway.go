package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/querymeter/gateway/internal/billing"
	"github.com/querymeter/gateway/internal/config"
	"github.com/querymeter/gateway/internal/provider"
	"github.com/querymeter/gateway/pkg/cache"
	"github.com/querymeter/gateway/pkg/database"
	"github.com/querymeter/gateway/pkg/events"
	"github.com/querymeter/gateway/pkg/models"
	"go.uber.org/zap"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// Gateway is the HTTP envelope around the metering core: it authenticates
// the caller, rate limits, decodes the request, and hands (identity,
// operation, arguments) to the executor.
type Gateway struct {
	db             *database.Database
	cache          *cache.Cache
	store          *billing.PostgresStore
	executor       *billing.Executor
	webhookHandler *billing.WebhookHandler
	instances      *InstanceCache
	authenticator  *Authenticator
	rateLimiter    *RateLimiter
	eventBus       *events.Bus
	router         *chi.Mux
	logger         *zap.Logger

	providerCfg    config.ProviderConfig
	searchCost     int64
	adminToken     string
	metricsPath    string
	metricsEnabled bool
}

// NewGateway creates a new API gateway
func NewGateway(
	cfg *config.Config,
	db *database.Database,
	cacheClient *cache.Cache,
	store *billing.PostgresStore,
	executor *billing.Executor,
	webhookHandler *billing.WebhookHandler,
	instances *InstanceCache,
	eventBus *events.Bus,
	logger *zap.Logger,
) *Gateway {
	g := &Gateway{
		db:             db,
		cache:          cacheClient,
		store:          store,
		executor:       executor,
		webhookHandler: webhookHandler,
		instances:      instances,
		authenticator:  NewAuthenticator(db, cacheClient, cfg.Security.AuthCacheTTL, logger),
		rateLimiter:    NewRateLimiter(cacheClient, cfg.Metering.RateLimitPerMin, logger),
		eventBus:       eventBus,
		router:         chi.NewRouter(),
		logger:         logger,
		providerCfg:    cfg.Provider,
		searchCost:     cfg.Metering.SearchCost,
		adminToken:     cfg.Security.AdminAPIToken,
		metricsPath:    cfg.Monitoring.MetricsPath,
		metricsEnabled: cfg.Monitoring.Enabled,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.querymeter.dev"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	if g.metricsEnabled {
		g.registerMetrics()
	}

	// Health checks (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)

	// Metered endpoints (require auth)
	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/v1/search", g.handleSearch)
		r.Get("/v1/balance", g.handleBalance)
		r.Get("/v1/usage", g.handleUsage)
	})

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/identities", g.handleCreateIdentity)
		r.Post("/admin/identities/{identity}/credit", g.handleCredit)
		r.Delete("/admin/keys/{key}", g.handleRevokeKey)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// AcquireHandle returns the cached provider handle for an identity, creating
// and caching a fresh one on a miss. It never fails; the handle is purely a
// setup-cost optimization.
func (g *Gateway) AcquireHandle(identity string) *provider.Client {
	if handle, ok := g.instances.Get(identity); ok {
		return handle
	}

	handle := provider.NewClient(g.providerCfg, identity, g.logger)
	g.instances.Put(identity, handle)
	return handle
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		ctx := r.Context()
		keyInfo, err := g.authenticator.ValidateAPIKey(ctx, apiKey)
		if err != nil {
			g.logger.Warn("authentication failed", zap.Error(err))
			g.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx = context.WithValue(ctx, apiKeyContextKey, keyInfo)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		keyInfo, ok := ctx.Value(apiKeyContextKey).(*models.APIKey)
		if !ok {
			g.writeError(w, http.StatusInternalServerError, "missing API key in context")
			return
		}

		allowed, err := g.rateLimiter.Allow(ctx, keyInfo)
		if err != nil {
			g.logger.Error("rate limit check failed", zap.Error(err))
			g.writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}

		if !allowed {
			if g.eventBus != nil {
				g.eventBus.Publish(ctx, events.NewEvent(events.EventRateLimitExceeded, keyInfo.Identity, map[string]interface{}{
					"limit": keyInfo.RateLimitPerMin,
				}))
			}
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.db.Health(ctx); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}

	if err := g.cache.Health(ctx); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

type searchRequest struct {
	Query string `json:"query"`
}

// searchResponse carries the balance as a pointer so a debit landing exactly
// at zero still serializes, while the billing-unresolved case, where the
// balance is unknown, omits it.
type searchResponse struct {
	Result            string `json:"result,omitempty"`
	Billed            bool   `json:"billed"`
	Balance           *int64 `json:"balance,omitempty"`
	BillingUnresolved bool   `json:"billing_unresolved,omitempty"`
}

// handleSearch runs one metered semantic-search call. A client retrying the
// same logical request should resend the same Idempotency-Key header so the
// retry replays the original debit instead of charging twice.
func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keyInfo, ok := ctx.Value(apiKeyContextKey).(*models.APIKey)
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "missing API key in context")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		g.writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	handle := g.AcquireHandle(keyInfo.Identity)

	outcome := g.executor.RunMetered(ctx, billing.Request{
		Identity:       keyInfo.Identity,
		Operation:      "semantic_search",
		Cost:           g.searchCost,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Arguments:      req.Query,
	}, func(ctx context.Context) (string, error) {
		return handle.Search(ctx, req.Query)
	})

	switch outcome.Failure {
	case billing.FailureNone:
		g.writeJSON(w, http.StatusOK, searchResponse{
			Result:  outcome.Result,
			Billed:  true,
			Balance: &outcome.NewBalance,
		})
	case billing.FailureInsufficientBalance:
		body := map[string]interface{}{
			"error":    "insufficient balance, please top up to continue",
			"balance":  outcome.Balance,
			"required": outcome.Cost,
		}
		// The balance can drain between the advisory check and the commit;
		// when it does, the call already ran and its result is not discarded.
		if outcome.Result != "" {
			body["result"] = outcome.Result
		}
		g.writeJSON(w, http.StatusPaymentRequired, body)
	case billing.FailureBalanceUnavailable:
		g.writeError(w, http.StatusServiceUnavailable, "balance temporarily unavailable, please retry")
	case billing.FailureOperationFailed:
		g.writeError(w, http.StatusBadGateway, "search provider failed")
	case billing.FailureBillingUnresolved:
		// The result was produced; deliver it and flag the billing state.
		g.writeJSON(w, http.StatusOK, searchResponse{
			Result:            outcome.Result,
			Billed:            false,
			BillingUnresolved: true,
		})
	default:
		g.writeError(w, http.StatusInternalServerError, "unexpected outcome")
	}
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keyInfo, ok := ctx.Value(apiKeyContextKey).(*models.APIKey)
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "missing API key in context")
		return
	}

	balance, err := g.store.Balance(ctx, keyInfo.Identity)
	if err != nil {
		g.logger.Error("failed to read balance", zap.Error(err))
		g.writeError(w, http.StatusServiceUnavailable, "balance temporarily unavailable")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": keyInfo.Identity,
		"balance":  balance,
	})
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keyInfo, ok := ctx.Value(apiKeyContextKey).(*models.APIKey)
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "missing API key in context")
		return
	}

	usage, err := g.store.RecentUsage(ctx, keyInfo.Identity, 50)
	if err != nil {
		g.logger.Error("failed to read usage", zap.Error(err))
		g.writeError(w, http.StatusServiceUnavailable, "usage temporarily unavailable")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": keyInfo.Identity,
		"events":   usage,
	})
}

type createIdentityRequest struct {
	Identity        string `json:"identity"`
	DisplayLabel    string `json:"display_label"`
	StartingBalance int64  `json:"starting_balance"`
	RateLimitPerMin int64  `json:"rate_limit_per_min"`
}

func (g *Gateway) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Identity) == "" {
		g.writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	apiKey := "qm_" + uuid.NewString()
	_, err := g.db.Pool.Exec(ctx,
		`INSERT INTO api_keys (key, identity, display_label, rate_limit_per_min)
		 VALUES ($1, $2, $3, $4)`,
		apiKey, req.Identity, req.DisplayLabel, req.RateLimitPerMin,
	)
	if err != nil {
		g.logger.Error("failed to create API key", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to create identity")
		return
	}

	balance := int64(0)
	if req.StartingBalance > 0 {
		balance, err = g.store.Credit(ctx, req.Identity, req.StartingBalance, "seed:"+apiKey)
		if err != nil {
			g.logger.Error("failed to seed balance", zap.Error(err))
			g.writeError(w, http.StatusInternalServerError, "failed to seed balance")
			return
		}
	}

	g.eventBus.Publish(ctx, events.NewEvent(events.EventIdentityCreated, req.Identity, map[string]interface{}{
		"display_label": req.DisplayLabel,
	}))

	g.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"identity": req.Identity,
		"api_key":  apiKey,
		"balance":  balance,
	})
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (g *Gateway) handleCredit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		g.writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		g.writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	balance, err := g.store.Credit(ctx, identity, req.Amount, req.Reference)
	if err != nil {
		g.logger.Error("failed to credit balance", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to credit balance")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": identity,
		"balance":  balance,
	})
}

// handleRevokeKey deactivates an API key and drops its cached lookup, so
// the revocation takes effect before the auth cache TTL expires.
func (g *Gateway) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	tag, err := g.db.Pool.Exec(ctx,
		`UPDATE api_keys SET status = $2 WHERE key = $1`,
		key, models.APIKeyStatusRevoked,
	)
	if err != nil {
		g.logger.Error("failed to revoke API key", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	if tag.RowsAffected() == 0 {
		g.writeError(w, http.StatusNotFound, "unknown API key")
		return
	}

	if err := g.cache.Delete(ctx, authCacheKey(key)); err != nil {
		g.logger.Warn("failed to invalidate cached API key", zap.Error(err))
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// Response helpers

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]string{"error": message})
}
