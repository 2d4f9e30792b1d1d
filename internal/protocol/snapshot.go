package protocol

import "time"

// SnapshotState tags the shape of a current-round snapshot.
type SnapshotState string

const (
	SnapshotScheduled         SnapshotState = "SCHEDULED"
	SnapshotStartedOrRevealed SnapshotState = "STARTED_OR_REVEALED"
	SnapshotIdle              SnapshotState = "IDLE"
)

// Snapshot is the full current-round state served by the pull endpoint.
// Which fields are populated depends on State.
type Snapshot struct {
	State       SnapshotState       `json:"state"`
	StartAt     int64               `json:"startAt,omitempty"`
	EndAt       int64               `json:"endAt,omitempty"`
	TotalMs     int64               `json:"totalMs,omitempty"`
	RemainingMs int64               `json:"remainingMs,omitempty"`
	Round       *SnapshotRound      `json:"round,omitempty"`
	LastOutcome *LastOutcomePayload `json:"lastOutcome,omitempty"`
	ServerNow   int64               `json:"serverNow"`
}

// SnapshotRound describes a started or revealed round. DiceValues is nil
// while the roll is pending; a zero-length slice marks a cancelled round.
type SnapshotRound struct {
	ID          string `json:"id"`
	StartAt     int64  `json:"startAt"`
	EndAt       int64  `json:"endAt"`
	DiceValues  []int  `json:"diceValues"`
	TotalMs     int64  `json:"totalMs,omitempty"`
	RemainingMs int64  `json:"remainingMs,omitempty"`
}

// TimeResponse is the body of the time reference endpoint.
type TimeResponse struct {
	ServerNow int64 `json:"serverNow"`
}

// FromMillis converts an epoch-millisecond wire value to a time.Time.
// Zero maps to the zero time, meaning "absent".
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToMillis is the inverse of FromMillis.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
