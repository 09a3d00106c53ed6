package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/interfaces"
)

func TestPublishSyncDeliversToAllSubscribers(t *testing.T) {
	service := NewEventService(arbor.NewLogger())
	defer service.Close()

	var first, second int32
	var gotBatch atomic.Value

	service.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&first, 1)
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			gotBatch.Store(payload["batch_id"])
		}
		return nil
	})
	service.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&second, 1)
		return nil
	})

	err := service.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: map[string]interface{}{"batch_id": "batch-1"},
	})
	if err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	if atomic.LoadInt32(&first) != 1 || atomic.LoadInt32(&second) != 1 {
		t.Errorf("Expected both handlers to run once, got %d and %d", first, second)
	}
	if got := gotBatch.Load(); got != "batch-1" {
		t.Errorf("Expected payload batch_id batch-1, got %v", got)
	}
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	service := NewEventService(arbor.NewLogger())
	defer service.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	service.Subscribe(interfaces.EventJobStarted, func(ctx context.Context, event interfaces.Event) error {
		<-release
		close(done)
		return nil
	})

	begin := time.Now()
	if err := service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobStarted}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if took := time.Since(begin); took > 100*time.Millisecond {
		t.Errorf("Publish blocked for %v", took)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handler never ran")
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	service := NewEventService(arbor.NewLogger())
	defer service.Close()

	var survived int32
	service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		panic("handler exploded")
	})
	service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&survived, 1)
		return nil
	})

	if err := service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed}); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}
	if atomic.LoadInt32(&survived) != 1 {
		t.Error("Second handler should run despite first handler panicking")
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	service := NewEventService(arbor.NewLogger())
	defer service.Close()

	if err := service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventBatchStatus}); err != nil {
		t.Errorf("Publishing without subscribers should succeed, got %v", err)
	}
}

func TestClosedServiceRejectsCalls(t *testing.T) {
	service := NewEventService(arbor.NewLogger())
	service.Close()

	if err := service.Subscribe(interfaces.EventJobQueued, func(ctx context.Context, event interfaces.Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed service to fail")
	}
	if err := service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobQueued}); err == nil {
		t.Error("Expected publish on closed service to fail")
	}
}
