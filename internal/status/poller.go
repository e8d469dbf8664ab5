package status

import (
	"context"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Poller is the client-side polling loop as a scheduled task: explicit
// start/stop, backoff counter in task-local state. On a fetch failure the
// interval doubles up to Max; a success resets it to Base. Stop means
// "stop issuing new polls" — an in-flight fetch completes and its result
// is dropped.
type Poller struct {
	Base  time.Duration
	Max   time.Duration
	Fetch func(ctx context.Context) (models.TripStatusSnapshot, error)
	// OnUpdate receives every successful snapshot. Return false to stop
	// polling (e.g. on a terminal state).
	OnUpdate func(models.TripStatusSnapshot) bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the loop. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the loop and waits for it to wind down.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	interval := p.Base
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		snap, err := p.Fetch(ctx)
		if ctx.Err() != nil {
			// Stopped while the fetch was in flight; discard the result.
			return
		}
		if err != nil {
			interval *= 2
			if interval > p.Max {
				interval = p.Max
			}
		} else {
			interval = p.Base
			if snap.PollAfterMs > 0 {
				if server := time.Duration(snap.PollAfterMs) * time.Millisecond; server > interval {
					interval = server
				}
			}
			if p.OnUpdate != nil && !p.OnUpdate(snap) {
				return
			}
		}
		timer.Reset(interval)
	}
}
