package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Fetcher pulls an authoritative server timestamp, typically from the
// time reference endpoint.
type Fetcher func(ctx context.Context) (time.Time, error)

// Sync tracks the offset between the local clock and the server clock.
// Every message carrying a server timestamp feeds Observe; ServerTime
// applies the latest offset to the local clock.
type Sync struct {
	clock    clockwork.Clock
	fetch    Fetcher
	interval time.Duration

	mu     sync.Mutex
	offset time.Duration
	cancel context.CancelFunc
}

// New creates a Sync. fetch may be nil if periodic correction is not
// wanted (tests mostly pass nil and drive Observe directly).
func New(clock clockwork.Clock, fetch Fetcher, interval time.Duration) *Sync {
	return &Sync{
		clock:    clock,
		fetch:    fetch,
		interval: interval,
	}
}

// Observe records the offset implied by a server timestamp arriving now.
func (s *Sync) Observe(serverNow time.Time) {
	if serverNow.IsZero() {
		return
	}
	s.mu.Lock()
	s.offset = serverNow.Sub(s.clock.Now())
	s.mu.Unlock()
}

// Offset returns the current local-to-server clock delta.
func (s *Sync) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// ServerTime returns the best estimate of the server clock.
func (s *Sync) ServerTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Add(s.offset)
}

// Start begins periodic re-pulls of the time reference to bound drift
// while the push channel is open. Calling Start again restarts the
// interval; Stop halts it.
func (s *Sync) Start(ctx context.Context) {
	if s.fetch == nil || s.interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop halts the periodic re-pull. Observe still works while stopped.
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

func (s *Sync) run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			serverNow, err := s.fetch(ctx)
			if err != nil {
				// Best-effort correction: log and wait for the next tick.
				log.Warn().Err(err).Msg("time reference fetch failed")
				continue
			}
			s.Observe(serverNow)
			log.Debug().Dur("offset", s.Offset()).Msg("server clock offset updated")
		}
	}
}
