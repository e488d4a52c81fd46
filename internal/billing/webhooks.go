package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/querymeter/gateway/pkg/events"
	"github.com/querymeter/gateway/pkg/metrics"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const processedEventTTL = 24 * time.Hour

// WebhookHandler processes Stripe webhook events that credit prepaid
// balances. All events are verified with Stripe's signature check, and the
// credit itself is applied at most once per payment reference through the
// topups table, so redelivered webhooks cannot double-credit.
type WebhookHandler struct {
	webhookSecret string
	store         *PostgresStore
	logger        *zap.Logger
	eventBus      *events.Bus

	// processedEvents short-circuits redelivered event IDs; the topups
	// table is the authoritative dedup.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a new Stripe webhook handler
func NewWebhookHandler(webhookSecret string, store *PostgresStore, logger *zap.Logger, eventBus *events.Bus) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		store:           store,
		logger:          logger,
		eventBus:        eventBus,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook is the HTTP entry point for Stripe events.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed",
			zap.Error(err),
		)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	if h.alreadyProcessed(event.ID) {
		h.logger.Info("webhook event already processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	var handlerErr error
	switch event.Type {
	case "payment_intent.succeeded":
		handlerErr = h.handlePaymentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentFailed(ctx, event)
	default:
		// Unknown event types are logged and acknowledged so Stripe can
		// add new ones without breaking delivery.
		h.logger.Info("received unknown webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.TopupsTotal.WithLabelValues("failed").Inc()
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	h.markProcessed(event.ID)
	w.WriteHeader(http.StatusOK)
}

// handlePaymentSucceeded credits the identity named in the payment intent's
// metadata. The payment intent ID is the idempotent credit reference.
func (h *WebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	identity := paymentIntent.Metadata["identity"]
	if identity == "" {
		return fmt.Errorf("payment intent %s missing identity metadata", paymentIntent.ID)
	}

	units, err := strconv.ParseInt(paymentIntent.Metadata["units"], 10, 64)
	if err != nil || units <= 0 {
		return fmt.Errorf("payment intent %s has invalid units metadata %q", paymentIntent.ID, paymentIntent.Metadata["units"])
	}

	newBalance, err := h.store.Credit(ctx, identity, units, paymentIntent.ID)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	h.logger.Info("top-up applied",
		zap.String("identity", identity),
		zap.Int64("units", units),
		zap.Int64("new_balance", newBalance),
		zap.String("payment_intent", paymentIntent.ID),
	)
	metrics.TopupsTotal.WithLabelValues("succeeded").Inc()

	if h.eventBus != nil {
		h.eventBus.Publish(ctx, events.NewEvent(events.EventPaymentSucceeded, identity, map[string]interface{}{
			"units":          units,
			"new_balance":    newBalance,
			"payment_intent": paymentIntent.ID,
		}))
	}

	return nil
}

// handlePaymentFailed logs the failure and notifies operators; nothing is
// credited.
func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	identity := paymentIntent.Metadata["identity"]
	h.logger.Warn("payment failed",
		zap.String("identity", identity),
		zap.String("payment_intent", paymentIntent.ID),
	)

	if h.eventBus != nil {
		h.eventBus.Publish(ctx, events.NewEvent(events.EventPaymentFailed, identity, map[string]interface{}{
			"payment_intent": paymentIntent.ID,
		}))
	}

	return nil
}

func (h *WebhookHandler) alreadyProcessed(eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, at := range h.processedEvents {
		if time.Since(at) > processedEventTTL {
			delete(h.processedEvents, id)
		}
	}

	_, seen := h.processedEvents[eventID]
	return seen
}

func (h *WebhookHandler) markProcessed(eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processedEvents[eventID] = time.Now()
}
