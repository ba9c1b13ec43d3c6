package lock

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long a lock survives without a refresh.
const DefaultTTL = 30 * time.Second

// Sentinel errors returned by table operations.
var (
	// ErrLocked is returned when a segment is held by another user.
	ErrLocked = errors.New("segment is locked by another user")

	// ErrNotHolder is returned when a user mutates a lock held by someone else.
	ErrNotHolder = errors.New("user does not hold this segment")

	// ErrNotFound is returned when the segment is not locked at all.
	ErrNotFound = errors.New("segment is not locked")
)

// SegmentLock is an exclusive claim of one user on one segment.
type SegmentLock struct {
	SegmentID         string
	ProjectID         string
	HolderUserID      string
	HolderDisplayName string
	AcquiredAt        time.Time
	LastRefreshedAt   time.Time
	ExpiresAt         time.Time
}

// HeldBy reports whether userID owns the lock.
func (l SegmentLock) HeldBy(userID string) bool {
	return l.HolderUserID == userID
}

// DeniedError is returned by TryAcquire when another user holds the segment.
// It wraps ErrLocked.
type DeniedError struct {
	Holder SegmentLock
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s held by %s", ErrLocked, e.Holder.SegmentID, e.Holder.HolderUserID)
}

func (e *DeniedError) Unwrap() error {
	return ErrLocked
}

// Option configures a Table.
type Option func(*Table)

// WithTTL sets the lock lifetime measured from the last refresh.
func WithTTL(ttl time.Duration) Option {
	return func(t *Table) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock Clock) Option {
	return func(t *Table) {
		if clock != nil {
			t.clock = clock
		}
	}
}
