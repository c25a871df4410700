package gatekeeper

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for request_id, execution_id, and activity keys.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns the current time as Unix milliseconds, used where
// sub-second resolution matters (heartbeat activity and staleness).
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
