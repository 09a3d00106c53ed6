package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventJobQueued    EventType = "job_queued"
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobRetrying  EventType = "job_retrying"
	EventJobCanceled  EventType = "job_canceled"
	EventBatchStatus  EventType = "batch_status_changed"
	EventWorkerState  EventType = "worker_state_changed"
	EventBatchesReset EventType = "stale_batches_reset"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the in-process pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes an event and waits for all handlers
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
