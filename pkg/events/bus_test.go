package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishInvokesHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())

	received := make(chan Event, 1)
	bus.Subscribe(EventBalanceLow, func(ctx context.Context, e Event) error {
		received <- e
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventBalanceLow, "tenant-a", map[string]interface{}{
		"balance": int64(3),
	}))

	select {
	case e := <-received:
		if e.Identity != "tenant-a" {
			t.Errorf("unexpected identity %q", e.Identity)
		}
		if e.Type != EventBalanceLow {
			t.Errorf("unexpected type %q", e.Type)
		}
		if e.ID == "" {
			t.Error("event ID not set")
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestPublishAndWaitReturnsHandlerError(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var ran atomic.Int32
	handlerErr := errors.New("delivery failed")
	bus.Subscribe(EventPaymentFailed, func(ctx context.Context, e Event) error {
		ran.Add(1)
		return handlerErr
	})
	bus.Subscribe(EventPaymentFailed, func(ctx context.Context, e Event) error {
		ran.Add(1)
		return nil
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventPaymentFailed, "tenant-a", nil))
	if !errors.Is(err, handlerErr) {
		t.Errorf("expected handler error, got %v", err)
	}
	if ran.Load() != 2 {
		t.Errorf("expected both handlers to run, got %d", ran.Load())
	}
}

func TestPublishAndWaitNoHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	if err := bus.PublishAndWait(context.Background(), NewEvent(EventIdentityCreated, "tenant-a", nil)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUnsubscribeRemovesHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var ran atomic.Int32
	bus.Subscribe(EventRateLimitExceeded, func(ctx context.Context, e Event) error {
		ran.Add(1)
		return nil
	})
	bus.Unsubscribe(EventRateLimitExceeded)

	if err := bus.PublishAndWait(context.Background(), NewEvent(EventRateLimitExceeded, "tenant-a", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran.Load() != 0 {
		t.Error("handler ran after Unsubscribe")
	}
}
