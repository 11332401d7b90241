package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/svcpanel/internal/service"
)

// DefaultPollInterval is how often idle services are re-probed.
const DefaultPollInterval = 5 * time.Second

// Scheduler re-probes idle services on a fixed interval and runs bulk
// transitions.
type Scheduler struct {
	sup      *Supervisor
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewScheduler returns a scheduler for sup. interval <= 0 selects DefaultPollInterval.
func NewScheduler(sup *Supervisor, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{sup: sup, interval: interval}
}

// Interval returns the polling interval.
func (sc *Scheduler) Interval() time.Duration { return sc.interval }

// Tick refreshes every idle service. Busy services are skipped so a probe
// never interleaves with an in-flight transition.
func (sc *Scheduler) Tick(ctx context.Context) int {
	return sc.sup.RefreshAll(ctx)
}

// BulkTransition applies action to every installed service.
func (sc *Scheduler) BulkTransition(ctx context.Context, action service.Action) BulkResult {
	return sc.sup.bulkTransition(ctx, action)
}

// Start launches the background tick loop. It is a no-op if already running.
func (sc *Scheduler) Start() {
	sc.mu.Lock()
	if sc.stop != nil {
		sc.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	sc.stop, sc.done = stop, done
	sc.mu.Unlock()

	go func() {
		defer close(done)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()
		sc.Run(ctx)
	}()
}

// Stop ends the background loop started by Start and waits for the current
// tick to finish.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	stop, done := sc.stop, sc.done
	sc.stop, sc.done = nil, nil
	sc.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Run ticks until ctx is done.
func (sc *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(sc.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			sc.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}
