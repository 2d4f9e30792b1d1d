package engine

import "time"

// DisplayState is the single active presentation state.
type DisplayState string

const (
	StateIdle      DisplayState = "idle"
	StateWaiting   DisplayState = "waiting"
	StateCountdown DisplayState = "countdown"
	StateRolling   DisplayState = "rolling"
	StateResult    DisplayState = "result"
)

// Display labels shown alongside Waiting and Countdown states.
const (
	LabelWaitingNextRound = "Waiting for next round..."
	LabelWaitingResult    = "Waiting for result..."
	LabelStartingSoon     = "starting soon"
	LabelRollingSoon      = "rolling soon"
)

// RoundWindow is the currently known round schedule. It is replaced
// wholesale on each schedule-bearing event, never merged field by field.
// Total and Remaining are optional hints; zero means unknown.
type RoundWindow struct {
	RoundID   string
	StartAt   time.Time
	EndAt     time.Time
	Total     time.Duration
	Remaining time.Duration
}

// Outcome is the latest known authoritative result. Exactly one instance
// is retained at a time; it is only ever overwritten, never deleted.
type Outcome struct {
	DiceValues []int
	UpdatedAt  time.Time
	RoundID    string
}

// View is what the renderer consumes. Target is set only in Countdown.
type View struct {
	State  DisplayState
	Label  string
	Target time.Time
}

// Status is the host-facing query result.
type Status struct {
	State        DisplayState `json:"state"`
	RoundID      string       `json:"roundId,omitempty"`
	TargetValues []int        `json:"targetValues,omitempty"`
	Connected    bool         `json:"connected"`
}

// Renderer consumes display state and dice target values. It never
// feeds anything back into the engine.
type Renderer interface {
	Render(view View, targetValues []int)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(view View, targetValues []int)

func (f RendererFunc) Render(view View, targetValues []int) { f(view, targetValues) }
