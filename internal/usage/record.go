package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/storyguard/internal/storage"
)

const dateLayout = "2006-01-02"

// Record is the persisted per-user usage state.
type Record struct {
	SleepUntil      *time.Time    // set while resting
	CumulativeUsage time.Duration // only meaningful when LastUsageDate is today
	LastUsageDate   string        // YYYY-MM-DD in the guard's location
}

type recordKeys struct {
	sleepUntil      storage.Key
	cumulativeUsage storage.Key
	lastUsageDate   storage.Key
}

func keysFor(userID string) recordKeys {
	return recordKeys{
		sleepUntil:      storage.UserKey(storage.PurposeSleepUntil, userID),
		cumulativeUsage: storage.UserKey(storage.PurposeCumulativeUsage, userID),
		lastUsageDate:   storage.UserKey(storage.PurposeLastUsageDate, userID),
	}
}

func (k recordKeys) all() []storage.Key {
	return []storage.Key{k.sleepUntil, k.cumulativeUsage, k.lastUsageDate}
}

// ReadRecord loads the persisted state for userID. Fields that are missing,
// unreadable or malformed are left at their zero value; any failures other
// than absence are joined into the returned error, so callers can log and
// carry on with the partial record.
func ReadRecord(ctx context.Context, kv storage.KVStore, userID string) (Record, error) {
	var (
		rec  Record
		errs []error
		keys = keysFor(userID)
	)

	read := func(key storage.Key) (string, bool) {
		v, err := kv.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				errs = append(errs, err)
			}
			return "", false
		}
		return v, true
	}

	if v, ok := read(keys.sleepUntil); ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", keys.sleepUntil, err))
		} else {
			rec.SleepUntil = &t
		}
	}

	if v, ok := read(keys.cumulativeUsage); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", keys.cumulativeUsage, err))
		} else if ms > 0 {
			rec.CumulativeUsage = time.Duration(ms) * time.Millisecond
		}
	}

	if v, ok := read(keys.lastUsageDate); ok {
		if _, err := time.Parse(dateLayout, v); err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", keys.lastUsageDate, err))
		} else {
			rec.LastUsageDate = v
		}
	}

	return rec, errors.Join(errs...)
}

// ClearRecord removes all persisted usage state for userID.
func ClearRecord(ctx context.Context, kv storage.KVStore, userID string) error {
	return kv.Delete(ctx, keysFor(userID).all()...)
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// FormatRemaining renders a countdown as MM:SS, or HH:MM:SS once an hour or
// more remains. Negative values render as 00:00.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "00:00"
	}

	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Project reports the state and remaining budget a guard initialized at now
// would start from, without modifying anything.
func (r Record) Project(now time.Time, loc *time.Location, limit time.Duration) (State, time.Duration) {
	if loc == nil {
		loc = time.Local
	}
	today := now.In(loc).Format(dateLayout)

	if r.SleepUntil != nil {
		if r.SleepUntil.In(loc).Format(dateLayout) == today || r.SleepUntil.After(now) {
			return StateResting, 0
		}
		return StateActive, limit
	}

	if r.LastUsageDate != today {
		return StateActive, limit
	}

	remaining := limit - r.CumulativeUsage
	if remaining <= 0 {
		return StateResting, 0
	}
	return StateActive, remaining
}
