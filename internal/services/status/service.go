// -----------------------------------------------------------------------
// Status Service - Live server state for the status endpoint
// -----------------------------------------------------------------------

package status

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/interfaces"
)

// Service tracks what the server is doing: worker lifecycle state,
// session job counters, and the last queue activity. Counters are
// monotonic since start; point-in-time queue counts come from the
// store, not from here.
type Service struct {
	mu            sync.RWMutex
	startedAt     time.Time
	workerState   string
	jobsQueued    int
	jobsCompleted int
	jobsFailed    int
	lastActivity  time.Time

	events interfaces.EventService
	logger arbor.ILogger
}

// NewService creates a new status service
func NewService(events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		startedAt:   time.Now().UTC(),
		workerState: string(interfaces.WorkerStopped),
		events:      events,
		logger:      logger,
	}
}

// SubscribeToQueueEvents wires the service to the queue lifecycle
// events so the status endpoint reflects live activity.
func (s *Service) SubscribeToQueueEvents() {
	s.events.Subscribe(interfaces.EventWorkerState, func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(map[string]interface{})
		if !ok {
			return nil
		}
		state, ok := payload["state"].(string)
		if !ok {
			return nil
		}
		s.mu.Lock()
		s.workerState = state
		s.lastActivity = time.Now().UTC()
		s.mu.Unlock()
		return nil
	})

	counters := map[interfaces.EventType]*int{
		interfaces.EventJobQueued:    &s.jobsQueued,
		interfaces.EventJobCompleted: &s.jobsCompleted,
		interfaces.EventJobFailed:    &s.jobsFailed,
	}
	for eventType, counter := range counters {
		target := counter
		s.events.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
			s.mu.Lock()
			*target++
			s.lastActivity = time.Now().UTC()
			s.mu.Unlock()
			return nil
		})
	}

	s.logger.Debug().Msg("Status service subscribed to queue events")
}

// WorkerState returns the last observed worker lifecycle state.
func (s *Service) WorkerState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerState
}

// GetStatus returns the status payload: uptime, worker state, and the
// session counters.
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"started_at":     s.startedAt,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"worker_state":   s.workerState,
		"jobs_queued":    s.jobsQueued,
		"jobs_completed": s.jobsCompleted,
		"jobs_failed":    s.jobsFailed,
		"timestamp":      time.Now().UTC(),
	}
	if !s.lastActivity.IsZero() {
		status["last_activity"] = s.lastActivity
	}
	return status
}
