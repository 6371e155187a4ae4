// Package uuidv7 issues time-ordered UUIDs used as storage ETags.
package uuidv7

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a new UUIDv7.
func NewString() string {
	return New().String()
}

// NewETag returns a UUIDv7 as 32 lowercase hex characters, suitable as an
// opaque entity tag.
func NewETag() string {
	return strings.ReplaceAll(NewString(), "-", "")
}

// Time extracts the millisecond timestamp embedded in a UUIDv7 string.
func Time(raw string) (time.Time, bool) {
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	ms := int64(binary.BigEndian.Uint64(id[:8]) >> 16)
	return time.UnixMilli(ms).UTC(), true
}
