package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"dealbroker/internal/domain"
)

func TestPublishTyped(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	var got atomic.Int64
	bus.Subscribe(domain.EventRoundCompleted, func(ctx context.Context, e domain.Event) {
		got.Add(1)
	})
	bus.Subscribe(domain.EventNegotiationFailed, func(ctx context.Context, e domain.Event) {
		t.Error("wrong type delivered")
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventRoundCompleted, Timestamp: time.Now()})
	bus.Close()

	if got.Load() != 1 {
		t.Errorf("delivered %d, want 1", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := New(slog.Default())

	var got atomic.Int64
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventOfferProposed})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventOfferAccepted})
	bus.Close()

	if got.Load() != 2 {
		t.Errorf("delivered %d, want 2", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New(slog.Default())

	var got atomic.Int64
	unsub := bus.Subscribe(domain.EventOfferProposed, func(ctx context.Context, e domain.Event) {
		got.Add(1)
	})
	unsub()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventOfferProposed})
	bus.Close()

	if got.Load() != 0 {
		t.Errorf("delivered %d after unsubscribe", got.Load())
	}
}

func TestPanickingHandlerRecovered(t *testing.T) {
	bus := New(slog.Default())

	var got atomic.Int64
	bus.Subscribe(domain.EventNegotiationConcluded, func(ctx context.Context, e domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventNegotiationConcluded, func(ctx context.Context, e domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventNegotiationConcluded})
	bus.Close()

	if got.Load() != 1 {
		t.Errorf("healthy handler not delivered, got %d", got.Load())
	}
}

func TestPublishAfterCloseDropped(t *testing.T) {
	bus := New(slog.Default())

	var got atomic.Int64
	bus.Subscribe(domain.EventOfferRejected, func(ctx context.Context, e domain.Event) {
		got.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventOfferRejected})

	if got.Load() != 0 {
		t.Errorf("event delivered after close")
	}
}

func TestEmitMarshalsPayload(t *testing.T) {
	bus := New(slog.Default())

	done := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventNegotiationInitiated, func(ctx context.Context, e domain.Event) {
		done <- e
	})

	Emit(context.Background(), bus, slog.Default(), domain.EventNegotiationInitiated,
		map[string]string{"negotiation_id": "neg-1"})

	select {
	case e := <-done:
		if string(e.Payload) != `{"negotiation_id":"neg-1"}` {
			t.Errorf("payload = %s", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	bus.Close()
}
