package usage

import (
	"context"
	"time"
)

// DefaultDailyLimit is the daily foreground budget when no policy applies.
const DefaultDailyLimit = 90 * time.Minute

// DefaultTickInterval is how often the countdown display is refreshed.
const DefaultTickInterval = time.Second

// State is the guard's position in its state machine.
type State int

const (
	// StateUninitialized means no authenticated user.
	StateUninitialized State = iota
	// StateActive means a countdown is (or may be) running.
	StateActive
	// StateResting means the daily budget is exhausted.
	StateResting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateResting:
		return "resting"
	default:
		return "unknown"
	}
}

// Status is a snapshot of what the UI should show.
type Status struct {
	UserID    string
	State     State
	Remaining time.Duration
	Display   string
}

// Budget supplies the daily limit for a user on a given day. A non-positive
// result means "use the default".
type Budget interface {
	DailyLimit(ctx context.Context, userID string, day time.Time) time.Duration
}
