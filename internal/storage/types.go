package storage

import "strings"

// Purpose identifies what a stored value is for.
type Purpose string

const (
	PurposeSleepUntil      Purpose = "sleepUntil"
	PurposeCumulativeUsage Purpose = "cumulativeUsage"
	PurposeLastUsageDate   Purpose = "lastUsageDate"
	PurposeAssetCacheMap   Purpose = "assetCacheMap"
)

// Key is a composite storage key: a fixed purpose plus an optional subject
// (usually a user ID). Backends must use String() as the physical key.
type Key struct {
	Purpose Purpose
	Subject string
}

// UserKey builds a key scoped to a single user.
func UserKey(purpose Purpose, userID string) Key {
	return Key{Purpose: purpose, Subject: userID}
}

// GlobalKey builds a key that is not scoped to any subject.
func GlobalKey(purpose Purpose) Key {
	return Key{Purpose: purpose}
}

// String encodes the key as "purpose:subject", or just "purpose" when no
// subject is set.
func (k Key) String() string {
	if k.Subject == "" {
		return string(k.Purpose)
	}
	var b strings.Builder
	b.Grow(len(k.Purpose) + 1 + len(k.Subject))
	b.WriteString(string(k.Purpose))
	b.WriteByte(':')
	b.WriteString(k.Subject)
	return b.String()
}

// Valid reports whether the key has a purpose.
func (k Key) Valid() bool {
	return k.Purpose != ""
}
