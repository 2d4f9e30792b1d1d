package server

import (
	"sync"

	"github.com/dicecast/dicecast/internal/protocol"
)

// Bus carries event envelopes from the round simulator to the push
// gateway. The in-process implementation is the default; a NATS-backed
// one exists for multi-process setups.
type Bus interface {
	Publish(env *protocol.Envelope) error
	Subscribe(fn func(env *protocol.Envelope)) (unsubscribe func(), err error)
	Close()
}

// InProcBus is a process-local fan-out bus.
type InProcBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(env *protocol.Envelope)
}

// NewInProcBus creates an empty in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{subs: make(map[int]func(env *protocol.Envelope))}
}

func (b *InProcBus) Publish(env *protocol.Envelope) error {
	b.mu.Lock()
	subs := make([]func(env *protocol.Envelope), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (b *InProcBus) Subscribe(fn func(env *protocol.Envelope)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *InProcBus) Close() {}
