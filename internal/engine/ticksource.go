package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TickSource is the capability that delivers countdown ticks. The
// production source is interval-based; tests substitute a manual one.
type TickSource interface {
	// Start begins delivering ticks until ctx is done. Only the first
	// call has effect.
	Start(ctx context.Context, onTick func())
	// SetFine switches between the fine (visible) and coarse (hidden)
	// cadence.
	SetFine(fine bool)
}

// IntervalTickSource delivers ticks from a single clockwork timer. It
// degrades to a coarse cadence while the display is hidden: ticking
// never stalls, it just gets coarser.
type IntervalTickSource struct {
	clock  clockwork.Clock
	fine   time.Duration
	coarse time.Duration

	mu      sync.Mutex
	isFine  bool
	started bool
	kick    chan struct{}
}

// NewIntervalTickSource creates a tick source with the given cadences.
func NewIntervalTickSource(clock clockwork.Clock, fine, coarse time.Duration) *IntervalTickSource {
	return &IntervalTickSource{
		clock:  clock,
		fine:   fine,
		coarse: coarse,
		isFine: true,
		kick:   make(chan struct{}, 1),
	}
}

func (t *IntervalTickSource) Start(ctx context.Context, onTick func()) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run(ctx, onTick)
}

func (t *IntervalTickSource) SetFine(fine bool) {
	t.mu.Lock()
	changed := t.isFine != fine
	t.isFine = fine
	t.mu.Unlock()

	if changed {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

func (t *IntervalTickSource) run(ctx context.Context, onTick func()) {
	timer := t.clock.NewTimer(t.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
			// Cadence changed; rearm at the new interval.
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(t.interval())
		case <-timer.Chan():
			onTick()
			timer.Reset(t.interval())
		}
	}
}

func (t *IntervalTickSource) interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isFine {
		return t.fine
	}
	return t.coarse
}
