package engine

import (
	"context"
	"sync"
	"time"
)

// Progress is one countdown recomputation. It is always derived from
// absolute server time, never from accumulated per-tick deltas, so
// missed ticks cannot cause drift.
type Progress struct {
	Target    time.Time
	Remaining time.Duration
	// Fraction is the elapsed share of the countdown window in [0, 1].
	Fraction float64
	// Seconds is the whole-seconds label, rounded up.
	Seconds int
}

// Scheduler drives recurring recomputation of time remaining toward a
// single target. The tick cadence is owned by the injected TickSource:
// fine while the display is visible, coarse while hidden.
type Scheduler struct {
	now   func() time.Time // server time
	ticks TickSource

	mu       sync.Mutex
	active   bool
	target   time.Time
	denom    time.Duration
	visible  bool
	onTick   func(Progress)
	onRegain func()
}

// NewScheduler creates a countdown scheduler. now must return server time.
func NewScheduler(now func() time.Time, ticks TickSource) *Scheduler {
	return &Scheduler{now: now, ticks: ticks, visible: true}
}

// SetOnTick installs the per-tick progress consumer.
func (s *Scheduler) SetOnTick(fn func(Progress)) {
	s.mu.Lock()
	s.onTick = fn
	s.mu.Unlock()
}

// SetOnVisibilityRegained installs the callback fired when the display
// becomes visible again, before fine ticking resumes.
func (s *Scheduler) SetOnVisibilityRegained(fn func()) {
	s.mu.Lock()
	s.onRegain = fn
	s.mu.Unlock()
}

// Start begins delivering ticks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.ticks.Start(ctx, s.Tick)
}

// SetTarget points the countdown at an absolute server-time instant.
// denom seeds the progress denominator; re-targeting the identical
// instant keeps the current denominator rather than resetting it.
func (s *Scheduler) SetTarget(target time.Time, denom time.Duration) {
	s.mu.Lock()
	if s.active && s.target.Equal(target) {
		if denom > s.denom {
			s.denom = denom
		}
		s.mu.Unlock()
		return
	}
	s.target = target
	s.denom = denom
	if s.denom <= 0 {
		s.denom = target.Sub(s.now())
	}
	if s.denom < 0 {
		s.denom = 0
	}
	s.active = true
	s.mu.Unlock()
	s.Tick()
}

// Clear stops countdown recomputation until the next SetTarget.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.active = false
	s.target = time.Time{}
	s.denom = 0
	s.mu.Unlock()
}

// SetVisible reports display visibility. Regaining visibility triggers
// the reconciliation callback first, then restores the fine cadence;
// events missed while backgrounded are absorbed before ticking resumes.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	was := s.visible
	s.visible = visible
	regain := s.onRegain
	s.mu.Unlock()

	if visible && !was && regain != nil {
		regain()
	}
	s.ticks.SetFine(visible)
}

// Tick recomputes remaining time and progress from absolute server time.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	remaining := s.target.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	// The denominator may never dip below remaining, or the progress
	// indicator would invert.
	if remaining > s.denom {
		s.denom = remaining
	}
	denom := s.denom
	target := s.target
	fn := s.onTick
	s.mu.Unlock()

	fraction := 1.0
	if denom > 0 {
		fraction = 1 - float64(remaining)/float64(denom)
	}
	if fn != nil {
		fn(Progress{
			Target:    target,
			Remaining: remaining,
			Fraction:  fraction,
			Seconds:   int((remaining + time.Second - 1) / time.Second),
		})
	}
}
