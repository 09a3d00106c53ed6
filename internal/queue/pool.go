// -----------------------------------------------------------------------
// Request Pool - Per-project rate and concurrency gate for LLM calls
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
)

// rateWindow is the span of the sliding request window.
const rateWindow = time.Minute

// Pool implements the RequestPool interface. Each project gets its own
// gate; gates never interact, so one saturated project cannot starve
// another.
type Pool struct {
	mu        sync.Mutex
	gates     map[string]*projectGate
	windowDur time.Duration
	logger    arbor.ILogger
}

// NewPool creates a new request pool
func NewPool(logger arbor.ILogger) *Pool {
	return &Pool{
		gates:     make(map[string]*projectGate),
		windowDur: rateWindow,
		logger:    logger,
	}
}

func (p *Pool) gate(projectID string) *projectGate {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gates[projectID]
	if !ok {
		// Unconfigured projects run at the project-model defaults
		g = &projectGate{
			projectID:      projectID,
			rpm:            10,
			maxConcurrency: 1,
			windowDur:      p.windowDur,
			logger:         p.logger,
		}
		p.gates[projectID] = g
	}
	return g
}

// Configure sets a project's limits, waking waiters the new limits admit.
func (p *Pool) Configure(projectID string, requestsPerMinute, maxConcurrency int) {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	g := p.gate(projectID)
	g.mu.Lock()
	g.rpm = requestsPerMinute
	g.maxConcurrency = maxConcurrency
	g.wake(time.Now())
	g.mu.Unlock()

	p.logger.Debug().
		Str("project_id", projectID).
		Int("rpm", requestsPerMinute).
		Int("max_concurrency", maxConcurrency).
		Msg("Request pool configured")
}

// Execute admits fn under the project's limits and runs it to
// completion. Admission blocks until a slot opens or ctx is canceled.
func (p *Pool) Execute(ctx context.Context, projectID string, fn func(ctx context.Context) error) error {
	g := p.gate(projectID)
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return fn(ctx)
}

// projectGate holds one project's admission state. stamps records call
// start times within the window; entries expire by age only, never on
// call completion, so the cap is on starts per minute regardless of how
// fast calls finish.
type projectGate struct {
	mu             sync.Mutex
	projectID      string
	rpm            int
	maxConcurrency int
	windowDur      time.Duration

	stamps  []time.Time
	active  int
	waiters []chan struct{}
	timer   *time.Timer

	logger arbor.ILogger
}

func (g *projectGate) prune(now time.Time) {
	cutoff := now.Add(-g.windowDur)
	i := 0
	for i < len(g.stamps) && !g.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[i:]...)
	}
}

func (g *projectGate) admissible() bool {
	return len(g.stamps) < g.rpm && g.active < g.maxConcurrency
}

func (g *projectGate) admit(now time.Time) {
	g.stamps = append(g.stamps, now)
	g.active++
}

func (g *projectGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	g.prune(now)

	// Fast path only when nobody is already in line
	if len(g.waiters) == 0 && g.admissible() {
		g.admit(now)
		g.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.armTimer(now)
	g.mu.Unlock()

	g.logger.Trace().
		Str("project_id", g.projectID).
		Msg("Waiting for request slot")

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if !g.removeWaiter(ready) {
			// Admitted concurrently with cancellation. The call will not
			// start, so hand the slot back and drop the unused stamp.
			g.active--
			if n := len(g.stamps); n > 0 {
				g.stamps = g.stamps[:n-1]
			}
			g.wake(time.Now())
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *projectGate) release() {
	g.mu.Lock()
	g.active--
	g.wake(time.Now())
	g.mu.Unlock()
}

// wake admits as many queued waiters as the current limits allow, in
// arrival order. Admission happens here, under the lock, on behalf of
// the waiter: the slot is reserved before the waiter resumes, so two
// wakeups can never overshoot the caps.
func (g *projectGate) wake(now time.Time) {
	g.prune(now)
	for len(g.waiters) > 0 && g.admissible() {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.admit(now)
		close(ready)
	}
	g.armTimer(now)
}

// armTimer schedules a wake for the next stamp expiry when waiters are
// blocked on the window. Waiters blocked on concurrency are woken by
// release instead.
func (g *projectGate) armTimer(now time.Time) {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if len(g.waiters) == 0 || len(g.stamps) < g.rpm {
		return
	}

	wait := g.stamps[0].Add(g.windowDur).Sub(now)
	if wait < 0 {
		wait = 0
	}
	g.timer = time.AfterFunc(wait, func() {
		g.mu.Lock()
		g.wake(time.Now())
		g.mu.Unlock()
	})
}

func (g *projectGate) removeWaiter(ready chan struct{}) bool {
	for i, w := range g.waiters {
		if w == ready {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return true
		}
	}
	return false
}

var _ interfaces.RequestPool = (*Pool)(nil)
