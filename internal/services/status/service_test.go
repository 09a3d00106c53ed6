package status

import (
	"context"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/services/events"
)

func TestStatusTracksQueueEvents(t *testing.T) {
	bus := events.NewEventService(arbor.NewLogger())
	defer bus.Close()

	service := NewService(bus, arbor.NewLogger())
	service.SubscribeToQueueEvents()
	ctx := context.Background()

	publish := func(eventType interfaces.EventType, payload map[string]interface{}) {
		t.Helper()
		if err := bus.PublishSync(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
			t.Fatalf("PublishSync failed: %v", err)
		}
	}

	publish(interfaces.EventWorkerState, map[string]interface{}{"state": "running"})
	publish(interfaces.EventJobQueued, map[string]interface{}{"job_id": "j1"})
	publish(interfaces.EventJobQueued, map[string]interface{}{"job_id": "j2"})
	publish(interfaces.EventJobCompleted, map[string]interface{}{"job_id": "j1"})
	publish(interfaces.EventJobFailed, map[string]interface{}{"job_id": "j2"})

	if got := service.WorkerState(); got != "running" {
		t.Errorf("WorkerState = %q, want running", got)
	}

	status := service.GetStatus()
	if status["jobs_queued"] != 2 || status["jobs_completed"] != 1 || status["jobs_failed"] != 1 {
		t.Errorf("Unexpected counters: %+v", status)
	}
	if _, ok := status["last_activity"]; !ok {
		t.Errorf("Expected last_activity after events")
	}
}

func TestStatusDefaults(t *testing.T) {
	bus := events.NewEventService(arbor.NewLogger())
	defer bus.Close()

	service := NewService(bus, arbor.NewLogger())

	status := service.GetStatus()
	if status["worker_state"] != string(interfaces.WorkerStopped) {
		t.Errorf("Initial worker_state = %v", status["worker_state"])
	}
	if status["jobs_queued"] != 0 {
		t.Errorf("Initial jobs_queued = %v", status["jobs_queued"])
	}
	if _, ok := status["last_activity"]; ok {
		t.Errorf("last_activity should be absent before any event")
	}
}
