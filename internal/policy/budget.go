// Package policy decides how much foreground time a user gets per day.
package policy

import (
	"context"
	"strings"
	"time"
)

// DefaultDailyLimit is used when no policy yields a usable value.
const DefaultDailyLimit = 90 * time.Minute

// Budget supplies the daily limit for a user on a given day. Implementations
// return a non-positive duration when they have no opinion.
type Budget interface {
	DailyLimit(ctx context.Context, userID string, day time.Time) time.Duration
}

// Static is a Budget that gives every user the same limit.
type Static time.Duration

// DailyLimit implements Budget.
func (s Static) DailyLimit(context.Context, string, time.Time) time.Duration {
	return time.Duration(s)
}

// Input builds the document a budget policy is evaluated against.
func Input(userID string, day time.Time) map[string]interface{} {
	return map[string]interface{}{
		"user_id": userID,
		"weekday": strings.ToLower(day.Weekday().String()),
		"date":    day.Format("2006-01-02"),
	}
}
