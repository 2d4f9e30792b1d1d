package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dicecast/dicecast/internal/protocol"
)

// Fixed parts of the post-reveal settle delay: the roll animation plus
// the per-die reveal stagger plus a short buffer.
const (
	rollAnimationDuration = 1200 * time.Millisecond
	dieRevealStagger      = 150 * time.Millisecond
	settleBuffer          = 400 * time.Millisecond
)

// MachineConfig holds the state machine's timing policy.
type MachineConfig struct {
	// SettleDelay is the pause between the reveal animation starting and
	// the display advancing to the terminal Result state.
	SettleDelay time.Duration
	// CancelGrace is how long a post-cancel Waiting lasts before falling
	// back to showing the stored outcome.
	CancelGrace time.Duration
	// CancelFallback bounds the cancellation horizon when no round
	// window is known. Policy constant, not a protocol contract.
	CancelFallback time.Duration
}

// DefaultMachineConfig returns the production timing policy.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		SettleDelay:    rollAnimationDuration + protocol.DiceCount*dieRevealStagger + settleBuffer,
		CancelGrace:    2 * time.Second,
		CancelFallback: 5 * time.Second,
	}
}

type timerKind int

const (
	timerNone timerKind = iota
	timerCountdown
	timerSettle
	timerGrace
)

// ownedTimer is the machine's single pending one-shot, tagged by what it
// is for. Checked by tag and generation, never by convention.
type ownedTimer struct {
	kind   timerKind
	handle clockwork.Timer
	gen    uint64
}

// Machine converts channel events and snapshot pulls into one display
// state plus scheduling targets. Displayed state is a pure function of
// (window, outcome, cancellation horizon, server time): applying the
// same snapshot twice changes nothing and restarts no timer.
type Machine struct {
	cfg      MachineConfig
	clock    clockwork.Clock
	now      func() time.Time // server time
	sched    *Scheduler
	renderer Renderer

	mu            sync.Mutex
	window        *RoundWindow
	outcome       *Outcome
	cancelHorizon time.Time
	view          View
	timer         ownedTimer
	gen           uint64
}

// NewMachine creates a round state machine. now must return server time;
// clock is the local clock used to arm timers.
func NewMachine(cfg MachineConfig, clock clockwork.Clock, now func() time.Time, sched *Scheduler, renderer Renderer) *Machine {
	return &Machine{
		cfg:      cfg,
		clock:    clock,
		now:      now,
		sched:    sched,
		renderer: renderer,
		view:     View{State: StateIdle},
	}
}

// HandleScheduled processes a round.scheduled event.
func (m *Machine) HandleScheduled(p protocol.RoundScheduledPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyScheduledLocked(
		protocol.FromMillis(p.StartAt),
		protocol.FromMillis(p.EndAt),
		msDur(p.TotalMs),
		msDur(p.RemainingMs),
	)
}

// HandleStarted processes a round.started event.
func (m *Machine) HandleStarted(p protocol.RoundStartedPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyStartedLocked(p.RoundID,
		protocol.FromMillis(p.StartAt),
		protocol.FromMillis(p.EndAt),
		0, 0,
	)
}

// HandleResult processes a round.result event: overwrite the outcome,
// drive the reveal, then settle into Result.
func (m *Machine) HandleResult(p protocol.RoundResultPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelHorizon = time.Time{}
	m.outcome = &Outcome{
		DiceValues: slices.Clone(p.DiceValues),
		UpdatedAt:  m.now(),
		RoundID:    p.RoundID,
	}
	m.startRollLocked()
}

// HandleCancelled processes a round.cancelled event.
func (m *Machine) HandleCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCancelledLocked()
}

// HandleLastOutcome processes a last.outcome event. The stored outcome
// is always overwritten; the displayed state only changes when nothing
// live is in progress.
func (m *Machine) HandleLastOutcome(p protocol.LastOutcomePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyOutcomeLocked(p)
	if m.view.State == StateIdle || (m.view.State == StateWaiting && m.window == nil) {
		m.showOutcomeLocked()
	}
}

// ApplySnapshot reconciles against a full current-round pull, deriving
// the same transitions the live events would have produced.
func (m *Machine) ApplySnapshot(s *protocol.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.LastOutcome != nil && protocol.ValidateDice(s.LastOutcome.DiceValues) == nil {
		m.applyOutcomeLocked(*s.LastOutcome)
	}

	switch s.State {
	case protocol.SnapshotScheduled:
		m.applyScheduledLocked(
			protocol.FromMillis(s.StartAt),
			protocol.FromMillis(s.EndAt),
			msDur(s.TotalMs),
			msDur(s.RemainingMs),
		)
	case protocol.SnapshotStartedOrRevealed:
		m.applyRoundSnapshotLocked(s.Round)
	case protocol.SnapshotIdle:
		m.showOutcomeLocked()
	}
}

// Status returns the host-facing view of the machine. Connected is
// filled in by the engine.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.view.State}
	switch {
	case m.window != nil && m.window.RoundID != "":
		st.RoundID = m.window.RoundID
	case m.outcome != nil:
		st.RoundID = m.outcome.RoundID
	}
	if m.outcome != nil {
		st.TargetValues = slices.Clone(m.outcome.DiceValues)
	}
	return st
}

// View returns the current display view.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

func (m *Machine) applyScheduledLocked(startAt, endAt time.Time, total, remaining time.Duration) {
	now := m.now()
	if !m.cancelHorizon.IsZero() && now.Before(m.cancelHorizon) {
		// Schedules are distrusted until the horizon passes; this
		// suppresses restart races right after a cancel. The grace
		// timer, if pending, keeps running.
		m.setViewLocked(View{State: StateWaiting, Label: LabelWaitingNextRound})
		return
	}
	m.cancelHorizon = time.Time{}
	m.window = &RoundWindow{StartAt: startAt, EndAt: endAt, Total: total, Remaining: remaining}

	denom := total
	if denom <= 0 {
		denom = remaining
	}
	if denom <= 0 {
		denom = startAt.Sub(now)
	}
	m.enterCountdownLocked(startAt, LabelStartingSoon, denom)
}

func (m *Machine) applyStartedLocked(roundID string, startAt, endAt time.Time, total, remaining time.Duration) {
	now := m.now()
	m.cancelHorizon = time.Time{}
	m.window = &RoundWindow{RoundID: roundID, StartAt: startAt, EndAt: endAt, Total: total, Remaining: remaining}

	denom := total
	if denom <= 0 {
		denom = remaining
	}
	if denom <= 0 {
		denom = endAt.Sub(now)
	}
	m.enterCountdownLocked(endAt, LabelRollingSoon, denom)
}

func (m *Machine) applyCancelledLocked() {
	if m.view.State == StateWaiting && m.view.Label == LabelWaitingNextRound &&
		m.window == nil && m.timer.kind == timerGrace {
		// Already in the post-cancel waiting period.
		return
	}

	now := m.now()
	horizon := now.Add(m.cfg.CancelFallback)
	if m.window != nil {
		anchor := m.window.EndAt
		if anchor.IsZero() {
			anchor = m.window.StartAt
		}
		if anchor.After(horizon) {
			horizon = anchor
		}
	}
	m.cancelHorizon = horizon
	m.window = nil
	m.sched.Clear()
	m.armLocked(timerGrace, m.cfg.CancelGrace, m.onGraceExpired)
	m.setViewLocked(View{State: StateWaiting, Label: LabelWaitingNextRound})
}

func (m *Machine) applyRoundSnapshotLocked(r *protocol.SnapshotRound) {
	if r == nil {
		return
	}
	now := m.now()
	startAt := protocol.FromMillis(r.StartAt)
	endAt := protocol.FromMillis(r.EndAt)

	switch {
	case r.DiceValues == nil && endAt.After(now):
		// Round is live, roll pending: same as a round.started event.
		m.applyStartedLocked(r.ID, startAt, endAt, msDur(r.TotalMs), msDur(r.RemainingMs))

	case r.DiceValues == nil:
		// Round ended but the result has not landed yet.
		m.cancelHorizon = time.Time{}
		m.window = &RoundWindow{RoundID: r.ID, StartAt: startAt, EndAt: endAt}
		m.cancelTimerLocked()
		m.sched.Clear()
		m.setViewLocked(View{State: StateWaiting, Label: LabelWaitingResult})

	case len(r.DiceValues) == 0:
		// Zero-length dice marks a cancelled round.
		m.applyCancelledLocked()

	case protocol.ValidateDice(r.DiceValues) != nil:
		// Shape is valid but the dice are not; leave state untouched.
		return

	case endAt.After(now):
		// The live reveal was missed; replaying it is the only option.
		if m.view.State == StateRolling && m.outcome != nil && m.outcome.RoundID == r.ID {
			return
		}
		m.cancelHorizon = time.Time{}
		m.window = &RoundWindow{RoundID: r.ID, StartAt: startAt, EndAt: endAt}
		m.outcome = &Outcome{DiceValues: slices.Clone(r.DiceValues), UpdatedAt: now, RoundID: r.ID}
		m.startRollLocked()

	default:
		// Finished roll: never replay its animation.
		m.cancelHorizon = time.Time{}
		m.window = &RoundWindow{RoundID: r.ID, StartAt: startAt, EndAt: endAt}
		m.outcome = &Outcome{DiceValues: slices.Clone(r.DiceValues), UpdatedAt: now, RoundID: r.ID}
		m.showOutcomeLocked()
	}
}

func (m *Machine) applyOutcomeLocked(p protocol.LastOutcomePayload) {
	updated := protocol.FromMillis(p.UpdatedAt)
	if updated.IsZero() {
		updated = m.now()
	}
	m.outcome = &Outcome{
		DiceValues: slices.Clone(p.DiceValues),
		UpdatedAt:  updated,
		RoundID:    p.RoundID,
	}
}

// enterCountdownLocked targets the countdown at an absolute server-time
// instant. Re-entering the identical countdown does not restart its timer.
func (m *Machine) enterCountdownLocked(target time.Time, label string, denom time.Duration) {
	v := View{State: StateCountdown, Label: label, Target: target}
	if m.view == v && m.timer.kind == timerCountdown {
		m.sched.SetTarget(target, denom)
		return
	}
	m.armLocked(timerCountdown, target.Sub(m.now()), m.onCountdownExpired)
	m.sched.SetTarget(target, denom)
	m.setViewLocked(v)
}

func (m *Machine) startRollLocked() {
	m.sched.Clear()
	m.armLocked(timerSettle, m.cfg.SettleDelay, m.onSettleExpired)
	m.setViewLocked(View{State: StateRolling})
}

// showOutcomeLocked displays the stored outcome as the terminal result,
// or Idle when no outcome has ever been seen.
func (m *Machine) showOutcomeLocked() {
	m.cancelTimerLocked()
	m.sched.Clear()
	if m.outcome == nil {
		m.setViewLocked(View{State: StateIdle})
		return
	}
	m.setViewLocked(View{State: StateResult})
}

func (m *Machine) onCountdownExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimLocked(timerCountdown, gen) {
		return
	}
	// Whatever the countdown targeted, nothing further is scheduled
	// past this point; round.started or the result will move us on.
	m.sched.Clear()
	m.setViewLocked(View{State: StateWaiting, Label: LabelWaitingResult})
}

func (m *Machine) onSettleExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimLocked(timerSettle, gen) {
		return
	}
	m.setViewLocked(View{State: StateResult})
}

func (m *Machine) onGraceExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimLocked(timerGrace, gen) {
		return
	}
	// A late round.started may have installed a fresh window already.
	if m.window != nil && m.window.EndAt.After(m.now()) {
		return
	}
	m.showOutcomeLocked()
}

// armLocked replaces the pending one-shot: the superseded handle is
// always cancelled before the new one is installed.
func (m *Machine) armLocked(kind timerKind, d time.Duration, fire func(gen uint64)) {
	m.cancelTimerLocked()
	m.gen++
	gen := m.gen
	if d < 0 {
		d = 0
	}
	handle := m.clock.AfterFunc(d, func() { fire(gen) })
	m.timer = ownedTimer{kind: kind, handle: handle, gen: gen}
}

func (m *Machine) cancelTimerLocked() {
	if m.timer.handle != nil {
		m.timer.handle.Stop()
	}
	m.timer = ownedTimer{}
}

// claimLocked consumes the pending timer if it matches; a stale callback
// from a superseded timer never passes this check.
func (m *Machine) claimLocked(kind timerKind, gen uint64) bool {
	if m.timer.kind != kind || m.timer.gen != gen {
		return false
	}
	m.timer = ownedTimer{}
	return true
}

func (m *Machine) setViewLocked(v View) {
	if m.view == v {
		return
	}
	m.view = v
	if m.renderer != nil {
		var dice []int
		if m.outcome != nil {
			dice = slices.Clone(m.outcome.DiceValues)
		}
		m.renderer.Render(v, dice)
	}
}

func msDur(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
