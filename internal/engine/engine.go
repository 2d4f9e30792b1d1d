package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/channel"
	"github.com/dicecast/dicecast/internal/protocol"
	"github.com/dicecast/dicecast/internal/snapshot"
	"github.com/dicecast/dicecast/internal/timesync"
)

// Config holds engine wiring settings.
type Config struct {
	// ServerURL is the HTTP base of the snapshot and time endpoints.
	ServerURL string
	// Channel configures the push subscription.
	Channel channel.Config
	// TimeSyncInterval bounds server clock drift while connected.
	TimeSyncInterval time.Duration
	// FineTick and CoarseTick are the visible and hidden tick cadences.
	FineTick   time.Duration
	CoarseTick time.Duration
	// Machine is the state machine timing policy.
	Machine MachineConfig
}

// DefaultConfig returns production settings for the given server.
func DefaultConfig(serverURL, channelURL string) Config {
	return Config{
		ServerURL:        serverURL,
		Channel:          channel.DefaultConfig(channelURL),
		TimeSyncInterval: 30 * time.Second,
		FineTick:         50 * time.Millisecond,
		CoarseTick:       time.Second,
		Machine:          DefaultMachineConfig(),
	}
}

// Engine is the round-lifecycle reconciliation controller: it owns the
// event channel, snapshot client, time sync, state machine and countdown
// scheduler, and is the single place their callbacks meet.
type Engine struct {
	clock   clockwork.Clock
	ts      *timesync.Sync
	snap    *snapshot.Client
	ch      *channel.Channel
	machine *Machine
	sched   *Scheduler

	ctx context.Context
}

// New wires an engine. renderer may be nil for headless hosts that only
// poll Status.
func New(cfg Config, clock clockwork.Clock, renderer Renderer) *Engine {
	snapClient := snapshot.NewClient(cfg.ServerURL)
	ts := timesync.New(clock, snapClient.FetchServerTime, cfg.TimeSyncInterval)
	ticks := NewIntervalTickSource(clock, cfg.FineTick, cfg.CoarseTick)
	sched := NewScheduler(ts.ServerTime, ticks)
	machine := NewMachine(cfg.Machine, clock, ts.ServerTime, sched, renderer)

	e := &Engine{
		clock:   clock,
		ts:      ts,
		snap:    snapClient,
		machine: machine,
		sched:   sched,
	}
	e.ch = channel.New(cfg.Channel, clock, channel.Callbacks{
		OnOpen:      e.onChannelOpen,
		OnMessage:   e.onMessage,
		OnDown:      e.onChannelDown,
		OnExhausted: e.onExhausted,
	})
	sched.SetOnVisibilityRegained(func() { e.reconcile("visibility-regained") })
	return e
}

// Start opens the channel and begins ticking until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.sched.Start(ctx)
	e.ch.Start(ctx)
}

// Close stops background work that outlives the Start context's own
// teardown: time sync and any pending countdown.
func (e *Engine) Close() {
	e.ts.Stop()
	e.sched.Clear()
}

// Status answers the host query.
func (e *Engine) Status() Status {
	st := e.machine.Status()
	st.Connected = e.ch.Connected()
	return st
}

// Reconnect is the manual-reconnect command: it resets the backoff
// counter and reopens immediately, including from the exhausted state.
func (e *Engine) Reconnect() {
	log.Info().Msg("manual reconnect requested")
	e.ch.Reconnect()
}

// SetVisible reports display visibility to the countdown scheduler.
func (e *Engine) SetVisible(visible bool) {
	e.sched.SetVisible(visible)
}

// OnProgress installs the per-tick countdown consumer.
func (e *Engine) OnProgress(fn func(Progress)) {
	e.sched.SetOnTick(fn)
}

func (e *Engine) onChannelOpen() {
	e.ts.Start(e.ctx)
	// Close any gap accumulated while disconnected.
	e.reconcile("channel-open")
}

func (e *Engine) onChannelDown() {
	e.ts.Stop()
}

func (e *Engine) onExhausted() {
	log.Error().Msg("connection failed: reconnect attempts exhausted, manual reconnect required")
}

func (e *Engine) onMessage(env *protocol.Envelope, payload any) {
	e.ts.Observe(protocol.FromMillis(env.ServerNow))

	switch p := payload.(type) {
	case protocol.LastOutcomePayload:
		e.machine.HandleLastOutcome(p)
	case protocol.RoundScheduledPayload:
		e.machine.HandleScheduled(p)
	case protocol.RoundStartedPayload:
		e.machine.HandleStarted(p)
	case protocol.RoundResultPayload:
		e.machine.HandleResult(p)
	case protocol.RoundCancelledPayload:
		e.machine.HandleCancelled()
	}
}

// reconcile pulls a snapshot and applies it. Overlapping requests are
// dropped, not queued: the snapshot path self-serializes.
func (e *Engine) reconcile(trigger string) {
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		snap, err := e.snap.FetchCurrentRound(ctx)
		if err != nil {
			if errors.Is(err, snapshot.ErrFetchInFlight) {
				log.Debug().Str("trigger", trigger).Msg("reconciliation already in flight")
				return
			}
			// Abandon this attempt; the next natural trigger retries.
			log.Warn().Err(err).Str("trigger", trigger).Msg("snapshot reconciliation failed")
			return
		}
		e.ts.Observe(protocol.FromMillis(snap.ServerNow))
		e.machine.ApplySnapshot(snap)
		log.Debug().Str("trigger", trigger).Str("shape", string(snap.State)).Msg("reconciled from snapshot")
	}()
}
