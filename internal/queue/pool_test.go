package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

func newTestPool(window time.Duration) *Pool {
	p := NewPool(arbor.NewLogger())
	p.windowDur = window
	return p
}

func TestPoolLimitsRequestRate(t *testing.T) {
	window := 300 * time.Millisecond
	pool := newTestPool(window)
	pool.Configure("p1", 2, 4)

	var mu sync.Mutex
	var starts []time.Time
	begin := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}()
		// Deterministic arrival order
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	if len(starts) != 3 {
		t.Fatalf("Expected 3 calls, got %d", len(starts))
	}

	// First two admit inside the window, the third waits for an expiry
	if d := starts[1].Sub(begin); d > window/2 {
		t.Errorf("Second call should start immediately, waited %v", d)
	}
	if d := starts[2].Sub(begin); d < window-50*time.Millisecond {
		t.Errorf("Third call should wait for the window, started after %v", d)
	}
}

func TestPoolWindowNotCreditedOnCompletion(t *testing.T) {
	window := 300 * time.Millisecond
	pool := newTestPool(window)
	pool.Configure("p1", 1, 4)

	// First call finishes instantly; its window stamp must still gate
	// the second call for the full window
	if err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("First execute failed: %v", err)
	}

	begin := time.Now()
	if err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Second execute failed: %v", err)
	}
	if waited := time.Since(begin); waited < window-50*time.Millisecond {
		t.Errorf("Second call admitted after %v, expected to wait out the window", waited)
	}
}

func TestPoolConcurrencyCap(t *testing.T) {
	pool := newTestPool(time.Minute)
	pool.Configure("p1", 100, 2)

	var active, peak int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Execute(context.Background(), "p1", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p != 2 {
		t.Errorf("Expected at most 2 concurrent calls, peak was %d", p)
	}
}

func TestPoolAdmitsInArrivalOrder(t *testing.T) {
	pool := newTestPool(time.Minute)
	pool.Configure("p1", 100, 1)

	holding := make(chan struct{})
	release := make(chan struct{})
	go pool.Execute(context.Background(), "p1", func(ctx context.Context) error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, name := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			pool.Execute(context.Background(), "p1", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
		}(name)
		time.Sleep(30 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("Expected FIFO admission, got %v", order)
	}
}

func TestPoolCancelWhileQueued(t *testing.T) {
	pool := newTestPool(time.Minute)
	pool.Configure("p1", 1, 4)

	// Consume the only window slot
	if err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ran := false
	go func() {
		done <- pool.Execute(ctx, "p1", func(ctx context.Context) error {
			ran = true
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Canceled waiter did not return")
	}
	if ran {
		t.Error("Canceled waiter must not run")
	}
}

func TestPoolCanceledWaiterLeavesNoStamp(t *testing.T) {
	window := 300 * time.Millisecond
	pool := newTestPool(window)
	pool.Configure("p1", 1, 4)

	if err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Queue a waiter and cancel it
	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan struct{})
	go func() {
		pool.Execute(ctx, "p1", func(ctx context.Context) error { return nil })
		close(canceled)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-canceled

	// The next caller needs exactly one expiry, not two: the canceled
	// waiter consumed nothing
	begin := time.Now()
	if err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if waited := time.Since(begin); waited > 2*window {
		t.Errorf("Waiter blocked %v, canceled waiter seems to have stamped the window", waited)
	}
}

func TestPoolProjectsAreIndependent(t *testing.T) {
	pool := newTestPool(time.Minute)
	pool.Configure("p1", 1, 1)
	pool.Configure("p2", 1, 1)

	// Saturate p1
	if err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- pool.Execute(context.Background(), "p2", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("p2 execute failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("p2 blocked behind p1's limits")
	}
}

func TestPoolConfigureWakesWaiters(t *testing.T) {
	pool := newTestPool(time.Minute)
	pool.Configure("p1", 1, 4)

	if err := pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- pool.Execute(context.Background(), "p1", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	// Raising the limit admits the queued waiter without an expiry
	pool.Configure("p1", 5, 4)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Waiter not admitted after Configure raised the limit")
	}
}
