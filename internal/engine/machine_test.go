package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/dicecast/dicecast/internal/protocol"
)

// manualTicks is a TickSource that never ticks on its own; tests drive
// the scheduler directly.
type manualTicks struct{}

func (manualTicks) Start(ctx context.Context, onTick func()) {}
func (manualTicks) SetFine(fine bool)                        {}

type recordingRenderer struct {
	mu    sync.Mutex
	views []View
}

func (r *recordingRenderer) Render(view View, targetValues []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, view)
}

func (r *recordingRenderer) states() []DisplayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DisplayState, len(r.views))
	for i, v := range r.views {
		out[i] = v.State
	}
	return out
}

type MachineTestSuite struct {
	suite.Suite
	clock    *clockwork.FakeClock
	sched    *Scheduler
	renderer *recordingRenderer
	machine  *Machine
}

func (s *MachineTestSuite) SetupTest() {
	s.clock = clockwork.NewFakeClockAt(time.UnixMilli(0))
	s.renderer = &recordingRenderer{}
	s.sched = NewScheduler(s.clock.Now, manualTicks{})
	s.machine = NewMachine(DefaultMachineConfig(), s.clock, s.clock.Now, s.sched, s.renderer)
}

func (s *MachineTestSuite) advance(d time.Duration) {
	s.clock.Advance(d)
}

// eventuallyView waits out the goroutine hop of fake timer callbacks.
func (s *MachineTestSuite) eventuallyView(want View) {
	s.Require().Eventually(func() bool {
		return s.machine.View() == want
	}, time.Second, time.Millisecond, "want view %+v, have %+v", want, s.machine.View())
}

// timerGen reads the pending timer generation, to detect restarts.
func (s *MachineTestSuite) timerGen() uint64 {
	s.machine.mu.Lock()
	defer s.machine.mu.Unlock()
	return s.machine.timer.gen
}

func dice(v int) []int {
	return []int{v, v, v, v, v, v}
}

func (s *MachineTestSuite) TestScheduledEntersCountdownToStart() {
	s.machine.HandleScheduled(protocol.RoundScheduledPayload{StartAt: 5000, EndAt: 8000})

	s.Equal(View{
		State:  StateCountdown,
		Label:  LabelStartingSoon,
		Target: time.UnixMilli(5000),
	}, s.machine.View())
}

func (s *MachineTestSuite) TestScheduledSnapshotIsIdempotent() {
	snap := &protocol.Snapshot{
		State:     protocol.SnapshotScheduled,
		StartAt:   5000,
		EndAt:     8000,
		TotalMs:   5000,
		ServerNow: 0,
	}
	s.machine.ApplySnapshot(snap)
	view := s.machine.View()
	gen := s.timerGen()

	s.advance(time.Second)
	s.machine.ApplySnapshot(snap)

	s.Equal(view, s.machine.View(), "identical snapshot must not change the view")
	s.Equal(gen, s.timerGen(), "identical snapshot must not restart the countdown timer")
}

func (s *MachineTestSuite) TestCountdownExpiryEntersWaitingForResult() {
	s.machine.HandleScheduled(protocol.RoundScheduledPayload{StartAt: 5000, EndAt: 8000})

	s.advance(5 * time.Second)
	s.eventuallyView(View{State: StateWaiting, Label: LabelWaitingResult})
}

func (s *MachineTestSuite) TestLateStartRetargetsToEnd() {
	s.machine.HandleScheduled(protocol.RoundScheduledPayload{StartAt: 5000, EndAt: 8000})

	s.advance(5 * time.Second)
	s.eventuallyView(View{State: StateWaiting, Label: LabelWaitingResult})

	s.advance(200 * time.Millisecond)
	s.machine.HandleStarted(protocol.RoundStartedPayload{RoundID: "r1", StartAt: 5000, EndAt: 8000})

	s.Equal(View{
		State:  StateCountdown,
		Label:  LabelRollingSoon,
		Target: time.UnixMilli(8000),
	}, s.machine.View(), "a late start must target endAt, not re-target startAt")
}

func (s *MachineTestSuite) TestSupersededCountdownNeverFires() {
	s.machine.HandleScheduled(protocol.RoundScheduledPayload{StartAt: 5000, EndAt: 8000})
	s.advance(time.Second)
	s.machine.HandleStarted(protocol.RoundStartedPayload{RoundID: "r1", StartAt: 5000, EndAt: 8000})
	want := View{State: StateCountdown, Label: LabelRollingSoon, Target: time.UnixMilli(8000)}
	s.Equal(want, s.machine.View())

	// Cross the superseded start-countdown deadline; its callback must
	// never run.
	s.advance(4500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Equal(want, s.machine.View())

	// The live countdown still fires at its own deadline.
	s.advance(2500 * time.Millisecond)
	s.eventuallyView(View{State: StateWaiting, Label: LabelWaitingResult})
}

func (s *MachineTestSuite) TestResultRollsThenSettles() {
	s.machine.HandleStarted(protocol.RoundStartedPayload{RoundID: "r1", StartAt: 0, EndAt: 8000})
	s.machine.HandleResult(protocol.RoundResultPayload{RoundID: "r1", DiceValues: dice(3)})

	s.Equal(View{State: StateRolling}, s.machine.View())

	s.advance(DefaultMachineConfig().SettleDelay)
	s.eventuallyView(View{State: StateResult})

	st := s.machine.Status()
	s.Equal(dice(3), st.TargetValues)
	s.Equal("r1", st.RoundID)
}

func (s *MachineTestSuite) TestLastOutcomeDoesNotPreemptCountdown() {
	s.machine.HandleScheduled(protocol.RoundScheduledPayload{StartAt: 5000, EndAt: 8000})
	before := s.machine.View()

	s.machine.HandleLastOutcome(protocol.LastOutcomePayload{DiceValues: dice(2), RoundID: "old"})

	s.Equal(before, s.machine.View(), "last.outcome must not preempt an in-progress countdown")
	s.Equal(dice(2), s.machine.Status().TargetValues, "stored outcome must still be overwritten")
}

func (s *MachineTestSuite) TestLastOutcomeShownWhenIdle() {
	s.machine.HandleLastOutcome(protocol.LastOutcomePayload{DiceValues: dice(6), RoundID: "r9"})
	s.Equal(View{State: StateResult}, s.machine.View())
}

func (s *MachineTestSuite) TestCancelSuppressesSchedule() {
	s.machine.HandleStarted(protocol.RoundStartedPayload{RoundID: "r1", StartAt: 0, EndAt: 20000})
	s.advance(time.Second)
	s.machine.HandleCancelled()
	s.Equal(View{State: StateWaiting, Label: LabelWaitingNextRound}, s.machine.View())

	s.advance(500 * time.Millisecond)
	s.machine.HandleScheduled(protocol.RoundScheduledPayload{StartAt: 6000, EndAt: 9000})

	s.Equal(View{State: StateWaiting, Label: LabelWaitingNextRound}, s.machine.View(),
		"schedules inside the cancellation window must be distrusted")
}

func (s *MachineTestSuite) TestScheduleAcceptedAfterHorizonPasses() {
	s.machine.HandleCancelled()
	// No window was known, so the horizon is the fallback.
	s.advance(DefaultMachineConfig().CancelFallback + time.Millisecond)

	s.machine.HandleScheduled(protocol.RoundScheduledPayload{StartAt: 20000, EndAt: 23000})
	s.Require().Eventually(func() bool {
		return s.machine.View().State == StateCountdown
	}, time.Second, time.Millisecond)
	s.Equal(time.UnixMilli(20000), s.machine.View().Target)
}

func (s *MachineTestSuite) TestCancelGraceFallsBackToStoredOutcome() {
	s.machine.HandleLastOutcome(protocol.LastOutcomePayload{DiceValues: dice(4), RoundID: "r0"})
	s.machine.HandleStarted(protocol.RoundStartedPayload{RoundID: "r1", StartAt: 0, EndAt: 20000})
	s.machine.HandleCancelled()
	s.Equal(View{State: StateWaiting, Label: LabelWaitingNextRound}, s.machine.View())

	s.advance(2 * time.Second)
	s.eventuallyView(View{State: StateResult})
	s.Equal(dice(4), s.machine.Status().TargetValues)
}

func (s *MachineTestSuite) TestCancelGraceYieldsToLateStart() {
	s.machine.HandleLastOutcome(protocol.LastOutcomePayload{DiceValues: dice(4), RoundID: "r0"})
	s.machine.HandleCancelled()

	s.machine.HandleStarted(protocol.RoundStartedPayload{RoundID: "r2", StartAt: 0, EndAt: 60000})
	want := View{State: StateCountdown, Label: LabelRollingSoon, Target: time.UnixMilli(60000)}
	s.Equal(want, s.machine.View())

	s.advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	s.Equal(want, s.machine.View(), "grace fallback must not fire after a fresh round installed")
}

func (s *MachineTestSuite) TestCancelledSnapshotMatchesLiveEvent() {
	other := NewMachine(DefaultMachineConfig(), s.clock, s.clock.Now, NewScheduler(s.clock.Now, manualTicks{}), nil)

	s.advance(time.Second)
	s.machine.HandleCancelled()
	other.ApplySnapshot(&protocol.Snapshot{
		State:     protocol.SnapshotStartedOrRevealed,
		Round:     &protocol.SnapshotRound{ID: "r1", StartAt: 0, EndAt: 900, DiceValues: []int{}},
		ServerNow: 1000,
	})

	s.Equal(s.machine.View(), other.View())
	s.Equal(View{State: StateWaiting, Label: LabelWaitingNextRound}, other.View())
}

func (s *MachineTestSuite) TestSnapshotStartedWithFutureEnd() {
	s.machine.ApplySnapshot(&protocol.Snapshot{
		State:     protocol.SnapshotStartedOrRevealed,
		Round:     &protocol.SnapshotRound{ID: "r1", StartAt: 0, EndAt: 8000, TotalMs: 8000},
		ServerNow: 0,
	})
	s.Equal(View{
		State:  StateCountdown,
		Label:  LabelRollingSoon,
		Target: time.UnixMilli(8000),
	}, s.machine.View())
	s.Equal("r1", s.machine.Status().RoundID)
}

func (s *MachineTestSuite) TestSnapshotStartedWithPassedEnd() {
	s.advance(10 * time.Second)
	s.machine.ApplySnapshot(&protocol.Snapshot{
		State:     protocol.SnapshotStartedOrRevealed,
		Round:     &protocol.SnapshotRound{ID: "r1", StartAt: 0, EndAt: 8000},
		ServerNow: 10000,
	})
	s.Equal(View{State: StateWaiting, Label: LabelWaitingResult}, s.machine.View())
}

func (s *MachineTestSuite) TestSnapshotRevealedWithPassedEndSkipsReplay() {
	s.advance(10 * time.Second)
	s.machine.ApplySnapshot(&protocol.Snapshot{
		State:     protocol.SnapshotStartedOrRevealed,
		Round:     &protocol.SnapshotRound{ID: "r1", StartAt: 0, EndAt: 8000, DiceValues: dice(5)},
		ServerNow: 10000,
	})

	s.Equal(View{State: StateResult}, s.machine.View())
	s.NotContains(s.renderer.states(), StateRolling, "a finished roll must never replay its animation")
}

func (s *MachineTestSuite) TestSnapshotRevealedWithFutureEndReplays() {
	s.machine.ApplySnapshot(&protocol.Snapshot{
		State:     protocol.SnapshotStartedOrRevealed,
		Round:     &protocol.SnapshotRound{ID: "r1", StartAt: 0, EndAt: 8000, DiceValues: dice(5)},
		ServerNow: 0,
	})
	s.Equal(View{State: StateRolling}, s.machine.View())

	// Applying the same snapshot again must not restart the settle timer.
	gen := s.timerGen()
	s.machine.ApplySnapshot(&protocol.Snapshot{
		State:     protocol.SnapshotStartedOrRevealed,
		Round:     &protocol.SnapshotRound{ID: "r1", StartAt: 0, EndAt: 8000, DiceValues: dice(5)},
		ServerNow: 0,
	})
	s.Equal(gen, s.timerGen())
}

func (s *MachineTestSuite) TestSnapshotIdle() {
	s.machine.ApplySnapshot(&protocol.Snapshot{State: protocol.SnapshotIdle, ServerNow: 0})
	s.Equal(View{State: StateIdle}, s.machine.View())

	s.machine.ApplySnapshot(&protocol.Snapshot{
		State:       protocol.SnapshotIdle,
		LastOutcome: &protocol.LastOutcomePayload{DiceValues: dice(1), RoundID: "r7", UpdatedAt: 100},
		ServerNow:   0,
	})
	s.Equal(View{State: StateResult}, s.machine.View())
	s.Equal(dice(1), s.machine.Status().TargetValues)
}

func (s *MachineTestSuite) TestLastOutcomeShownWhileWaitingWithoutWindow() {
	s.machine.HandleCancelled()
	s.Equal(View{State: StateWaiting, Label: LabelWaitingNextRound}, s.machine.View())

	s.machine.HandleLastOutcome(protocol.LastOutcomePayload{DiceValues: dice(6), RoundID: "r8"})
	s.Equal(View{State: StateResult}, s.machine.View())
}

func (s *MachineTestSuite) TestLastOutcomeKeptQuietWhileAwaitingResult() {
	s.machine.HandleStarted(protocol.RoundStartedPayload{RoundID: "r1", StartAt: 0, EndAt: 1000})
	s.advance(time.Second)
	s.eventuallyView(View{State: StateWaiting, Label: LabelWaitingResult})

	// The window is still installed, so the display must hold.
	s.machine.HandleLastOutcome(protocol.LastOutcomePayload{DiceValues: dice(3), RoundID: "r0"})
	s.Equal(View{State: StateWaiting, Label: LabelWaitingResult}, s.machine.View())
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
