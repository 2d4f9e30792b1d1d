package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/dice"
	"github.com/dicecast/dicecast/internal/protocol"
)

type roundPhase int

const (
	phaseIdle roundPhase = iota
	phaseScheduled
	phaseStarted
	phaseRevealed
)

// SimulatorConfig shapes the generated round lifecycle.
type SimulatorConfig struct {
	LeadTime      time.Duration // schedule announcement to round start
	RoundDuration time.Duration // round start to round end
	RevealDelay   time.Duration // round end to result publication
	IdleGap       time.Duration // result to next schedule
	CancelEvery   int           // cancel every Nth round; 0 disables cancels
	Seed          int64
}

// DefaultSimulatorConfig returns a brisk demo cadence.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		LeadTime:      10 * time.Second,
		RoundDuration: 8 * time.Second,
		RevealDelay:   time.Second,
		IdleGap:       5 * time.Second,
		CancelEvery:   0,
	}
}

// Simulator drives a repeating round lifecycle and publishes the
// resulting events to the bus. It also answers snapshot queries, so the
// pull endpoint and the push stream always agree.
type Simulator struct {
	cfg    SimulatorConfig
	clock  clockwork.Clock
	bus    Bus
	roller *dice.Roller

	mu          sync.Mutex
	phase       roundPhase
	roundID     string
	scheduledAt time.Time
	startAt     time.Time
	endAt       time.Time
	roundDice   []int // nil until revealed; empty after a cancel
	lastOutcome *protocol.LastOutcomePayload
	counter     int
}

// NewSimulator creates a round simulator.
func NewSimulator(cfg SimulatorConfig, clock clockwork.Clock, bus Bus) *Simulator {
	return &Simulator{
		cfg:    cfg,
		clock:  clock,
		bus:    bus,
		roller: dice.New(&dice.Config{Seed: cfg.Seed}),
	}
}

// Run loops through round lifecycles until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	timer := s.clock.NewTimer(s.cfg.IdleGap)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
		}

		cancelled := s.runRound(ctx, timer)
		if ctx.Err() != nil {
			return nil
		}
		if cancelled {
			log.Info().Str("round_id", s.currentRoundID()).Msg("round cancelled")
		}
		timer.Reset(s.cfg.IdleGap)
	}
}

// runRound drives one schedule/start/result (or cancel) cycle. It
// returns true when the round was cancelled.
func (s *Simulator) runRound(ctx context.Context, timer clockwork.Timer) bool {
	now := s.clock.Now()
	roundID := uuid.New().String()

	s.mu.Lock()
	s.counter++
	cancelThis := s.cfg.CancelEvery > 0 && s.counter%s.cfg.CancelEvery == 0
	s.phase = phaseScheduled
	s.roundID = roundID
	s.scheduledAt = now
	s.startAt = now.Add(s.cfg.LeadTime)
	s.endAt = s.startAt.Add(s.cfg.RoundDuration)
	s.roundDice = nil
	startAt, endAt := s.startAt, s.endAt
	s.mu.Unlock()

	s.publish(protocol.EventRoundScheduled, protocol.RoundScheduledPayload{
		StartAt: protocol.ToMillis(startAt),
		EndAt:   protocol.ToMillis(endAt),
		TotalMs: s.cfg.LeadTime.Milliseconds(),
	})
	log.Info().Str("round_id", roundID).Time("start_at", startAt).Msg("round scheduled")

	if !s.sleepUntil(ctx, timer, startAt) {
		return false
	}

	s.mu.Lock()
	s.phase = phaseStarted
	s.mu.Unlock()
	s.publish(protocol.EventRoundStarted, protocol.RoundStartedPayload{
		RoundID: roundID,
		StartAt: protocol.ToMillis(startAt),
		EndAt:   protocol.ToMillis(endAt),
	})
	log.Info().Str("round_id", roundID).Msg("round started")

	if cancelThis {
		// Cancel midway through the live round.
		if !s.sleepUntil(ctx, timer, startAt.Add(s.cfg.RoundDuration/2)) {
			return false
		}
		s.mu.Lock()
		s.phase = phaseRevealed
		s.roundDice = []int{}
		s.mu.Unlock()
		s.publish(protocol.EventRoundCancelled, protocol.RoundCancelledPayload{})
		return true
	}

	if !s.sleepUntil(ctx, timer, endAt.Add(s.cfg.RevealDelay)) {
		return false
	}

	values := s.roller.Roll()
	s.mu.Lock()
	s.phase = phaseRevealed
	s.roundDice = values
	s.lastOutcome = &protocol.LastOutcomePayload{
		DiceValues: values,
		RoundID:    roundID,
		UpdatedAt:  protocol.ToMillis(s.clock.Now()),
	}
	s.mu.Unlock()

	s.publish(protocol.EventRoundResult, protocol.RoundResultPayload{
		RoundID:    roundID,
		DiceValues: values,
	})
	log.Info().Str("round_id", roundID).Ints("dice", values).Msg("round result published")
	return false
}

// Snapshot answers the pull endpoint from the simulator's own state.
func (s *Simulator) Snapshot() *protocol.Snapshot {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &protocol.Snapshot{
		ServerNow:   protocol.ToMillis(now),
		LastOutcome: s.lastOutcome,
	}

	switch s.phase {
	case phaseScheduled:
		snap.State = protocol.SnapshotScheduled
		snap.StartAt = protocol.ToMillis(s.startAt)
		snap.EndAt = protocol.ToMillis(s.endAt)
		snap.TotalMs = s.startAt.Sub(s.scheduledAt).Milliseconds()
		snap.RemainingMs = maxMillis(s.startAt.Sub(now))
	case phaseStarted, phaseRevealed:
		snap.State = protocol.SnapshotStartedOrRevealed
		snap.Round = &protocol.SnapshotRound{
			ID:          s.roundID,
			StartAt:     protocol.ToMillis(s.startAt),
			EndAt:       protocol.ToMillis(s.endAt),
			DiceValues:  s.roundDice,
			TotalMs:     s.endAt.Sub(s.startAt).Milliseconds(),
			RemainingMs: maxMillis(s.endAt.Sub(now)),
		}
	default:
		snap.State = protocol.SnapshotIdle
	}
	return snap
}

// LastOutcomeEnvelope builds the welcome event sent to new subscribers,
// or nil when no round has finished yet.
func (s *Simulator) LastOutcomeEnvelope() *protocol.Envelope {
	s.mu.Lock()
	last := s.lastOutcome
	s.mu.Unlock()
	if last == nil {
		return nil
	}
	data, err := json.Marshal(last)
	if err != nil {
		return nil
	}
	return &protocol.Envelope{
		Type:      protocol.EventLastOutcome,
		ServerNow: protocol.ToMillis(s.clock.Now()),
		Data:      data,
	}
}

// Now exposes the simulator's clock for the time endpoint.
func (s *Simulator) Now() time.Time {
	return s.clock.Now()
}

func (s *Simulator) currentRoundID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundID
}

func (s *Simulator) publish(kind protocol.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(kind)).Msg("failed to marshal event payload")
		return
	}
	env := &protocol.Envelope{
		Type:      kind,
		ServerNow: protocol.ToMillis(s.clock.Now()),
		Data:      data,
	}
	if err := s.bus.Publish(env); err != nil {
		log.Error().Err(err).Str("type", string(kind)).Msg("failed to publish event")
	}
}

func (s *Simulator) sleepUntil(ctx context.Context, timer clockwork.Timer, t time.Time) bool {
	wait := t.Sub(s.clock.Now())
	if wait <= 0 {
		return true
	}
	timer.Reset(wait)
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func maxMillis(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
