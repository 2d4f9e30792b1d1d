package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a push event kind. The set is closed: anything
// outside it is rejected at the channel boundary.
type EventType string

const (
	EventLastOutcome    EventType = "last.outcome"
	EventRoundScheduled EventType = "round.scheduled"
	EventRoundStarted   EventType = "round.started"
	EventRoundResult    EventType = "round.result"
	EventRoundCancelled EventType = "round.cancelled"
)

// Envelope is the wire frame for every push message. ServerNow is the
// authoritative server clock in epoch milliseconds.
type Envelope struct {
	Type      EventType       `json:"type"`
	ServerNow int64           `json:"serverNow"`
	Data      json.RawMessage `json:"data"`
}

// LastOutcomePayload carries the most recent result, possibly from a
// round that finished before this client connected.
type LastOutcomePayload struct {
	DiceValues []int  `json:"diceValues"`
	RoundID    string `json:"roundId,omitempty"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

// RoundScheduledPayload announces an upcoming round. TotalMs and
// RemainingMs are optional hints; zero means unknown.
type RoundScheduledPayload struct {
	StartAt     int64 `json:"startAt"`
	EndAt       int64 `json:"endAt"`
	TotalMs     int64 `json:"totalMs,omitempty"`
	RemainingMs int64 `json:"remainingMs,omitempty"`
}

// RoundStartedPayload announces that the scheduled round is live.
type RoundStartedPayload struct {
	RoundID string `json:"roundId"`
	StartAt int64  `json:"startAt"`
	EndAt   int64  `json:"endAt"`
}

// RoundResultPayload carries the authoritative dice for a finished roll.
type RoundResultPayload struct {
	RoundID    string `json:"roundId"`
	DiceValues []int  `json:"diceValues"`
}

// RoundCancelledPayload is empty; the envelope type is the signal.
type RoundCancelledPayload struct{}

// ParsePayload decodes an envelope body into its typed payload. Unknown
// event types and undecodable bodies return an error so the caller can
// drop the message before it reaches the state machine.
func ParsePayload(env *Envelope) (any, error) {
	switch env.Type {
	case EventLastOutcome:
		var p LastOutcomePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if err := ValidateDice(p.DiceValues); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return p, nil

	case EventRoundScheduled:
		var p RoundScheduledPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.StartAt == 0 {
			return nil, fmt.Errorf("decode %s: missing startAt", env.Type)
		}
		return p, nil

	case EventRoundStarted:
		var p RoundStartedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.EndAt == 0 {
			return nil, fmt.Errorf("decode %s: missing endAt", env.Type)
		}
		return p, nil

	case EventRoundResult:
		var p RoundResultPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if err := ValidateDice(p.DiceValues); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return p, nil

	case EventRoundCancelled:
		return RoundCancelledPayload{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// DiceCount is the number of dice in every outcome.
const DiceCount = 6

// ValidateDice checks an outcome sequence: exactly six values, each in 1..6.
func ValidateDice(values []int) error {
	if len(values) != DiceCount {
		return fmt.Errorf("expected %d dice values, got %d", DiceCount, len(values))
	}
	for i, v := range values {
		if v < 1 || v > 6 {
			return fmt.Errorf("dice value %d at index %d out of range", v, i)
		}
	}
	return nil
}
