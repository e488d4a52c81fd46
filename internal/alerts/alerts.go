package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/querymeter/gateway/internal/config"
	"github.com/querymeter/gateway/pkg/events"
	"go.uber.org/zap"
)

// Notifier delivers operator alerts to a generic webhook with an HMAC
// signature. The one alert that matters most is billing.unresolved: a
// result was delivered without a confirmed debit and someone has to look.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// Payload is the JSON body sent to the alert webhook
type Payload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	Identity  string                 `json:"identity,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// NewNotifier creates a new alert notifier
func NewNotifier(cfg config.AlertsConfig, logger *zap.Logger) *Notifier {
	return &Notifier{
		url:    cfg.WebhookURL,
		secret: cfg.WebhookSecret,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Subscribe registers the notifier for the operator-visible event types.
func (n *Notifier) Subscribe(bus *events.Bus) {
	if n.url == "" {
		n.logger.Warn("alert webhook not configured; billing-unresolved events will only be logged")
		return
	}

	bus.Subscribe(events.EventBillingUnresolved, n.Send)
	bus.Subscribe(events.EventPaymentFailed, n.Send)
}

// Send delivers one event to the alert webhook.
func (n *Notifier) Send(ctx context.Context, event events.Event) error {
	payload := Payload{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp.Format(time.RFC3339),
		Identity:  event.Identity,
		Data:      event.Payload,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "QueryMeter-Alerts/1.0")
	if n.secret != "" {
		req.Header.Set("X-QueryMeter-Signature", n.sign(jsonData))
		req.Header.Set("X-QueryMeter-Event-Type", string(event.Type))
		req.Header.Set("X-QueryMeter-Event-ID", event.ID)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info("alert delivered",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
	)

	return nil
}

func (n *Notifier) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(n.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
