package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/protocol"
)

// NATSBusConfig holds settings for the NATS-backed event bus.
type NATSBusConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSBusConfig returns default NATS bus configuration.
func DefaultNATSBusConfig() NATSBusConfig {
	return NATSBusConfig{
		URL:           nats.DefaultURL,
		Subject:       "round.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBus publishes and subscribes round events over core NATS, for
// running the simulator and the gateway as separate processes.
type NATSBus struct {
	nc      *nats.Conn
	subject string
}

// NewNATSBus connects to NATS.
func NewNATSBus(config NATSBusConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc, subject: config.Subject}, nil
}

func (b *NATSBus) Publish(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.nc.Publish(b.subject, data)
}

func (b *NATSBus) Subscribe(fn func(env *protocol.Envelope)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error().Err(err).Msg("failed to decode bus envelope")
			return
		}
		fn(&env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("failed to unsubscribe")
		}
	}, nil
}

func (b *NATSBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}
