package lock

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Table is the in-memory map of segment ID to its current lock.
type Table struct {
	mu    sync.RWMutex
	locks map[string]SegmentLock // segmentID -> lock
	ttl   time.Duration
	clock Clock
}

// NewTable creates an empty Table using DefaultTTL and the system clock unless
// overridden by options.
func NewTable(opts ...Option) *Table {
	t := &Table{
		locks: make(map[string]SegmentLock),
		ttl:   DefaultTTL,
		clock: SystemClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the configured lock lifetime.
func (t *Table) TTL() time.Duration {
	return t.ttl
}

// TryAcquire claims segmentID for userID. Re-acquiring a lock the user already
// holds succeeds and refreshes it. If another user holds the segment the call
// fails with a *DeniedError carrying the current holder.
func (t *Table) TryAcquire(segmentID, projectID, userID, displayName string) (SegmentLock, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.locks[segmentID]; ok {
		if !existing.HeldBy(userID) {
			return SegmentLock{}, &DeniedError{Holder: existing}
		}
		existing.LastRefreshedAt = now
		existing.ExpiresAt = now.Add(t.ttl)
		if displayName != "" {
			existing.HolderDisplayName = displayName
		}
		t.locks[segmentID] = existing
		return existing, nil
	}

	held := SegmentLock{
		SegmentID:         segmentID,
		ProjectID:         projectID,
		HolderUserID:      userID,
		HolderDisplayName: displayName,
		AcquiredAt:        now,
		LastRefreshedAt:   now,
		ExpiresAt:         now.Add(t.ttl),
	}
	t.locks[segmentID] = held
	return held, nil
}

// Release removes the lock on segmentID if userID holds it.
// Returns ErrNotFound if the segment is unlocked, or ErrNotHolder if another
// user holds it.
func (t *Table) Release(segmentID, userID string) (SegmentLock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.holderLocked(segmentID, userID)
	if err != nil {
		return SegmentLock{}, err
	}
	delete(t.locks, segmentID)
	return existing, nil
}

// ReleaseIfHeldBy is the idempotent form of Release. It reports whether a lock
// was actually removed.
func (t *Table) ReleaseIfHeldBy(segmentID, userID string) (SegmentLock, bool) {
	released, err := t.Release(segmentID, userID)
	if err != nil {
		return SegmentLock{}, false
	}
	return released, true
}

// Refresh pushes the expiry of a held lock forward by the table TTL.
func (t *Table) Refresh(segmentID, userID string) (SegmentLock, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.holderLocked(segmentID, userID)
	if err != nil {
		return SegmentLock{}, err
	}
	existing.LastRefreshedAt = now
	existing.ExpiresAt = now.Add(t.ttl)
	t.locks[segmentID] = existing
	return existing, nil
}

// holderLocked returns the lock on segmentID if userID holds it.
// Must be called with the lock held.
func (t *Table) holderLocked(segmentID, userID string) (SegmentLock, error) {
	existing, ok := t.locks[segmentID]
	if !ok {
		return SegmentLock{}, fmt.Errorf("%w: %s", ErrNotFound, segmentID)
	}
	if !existing.HeldBy(userID) {
		return SegmentLock{}, fmt.Errorf("%w: %s owns %s", ErrNotHolder, existing.HolderUserID, segmentID)
	}
	return existing, nil
}

// ForceReleaseAll drops every lock held by userID and returns them sorted by
// segment ID.
func (t *Table) ForceReleaseAll(userID string) []SegmentLock {
	return t.removeWhere(func(l SegmentLock) bool {
		return l.HeldBy(userID)
	})
}

// ForceReleaseProject drops the locks userID holds inside projectID only.
func (t *Table) ForceReleaseProject(userID, projectID string) []SegmentLock {
	return t.removeWhere(func(l SegmentLock) bool {
		return l.HeldBy(userID) && l.ProjectID == projectID
	})
}

// Expire evicts every lock whose deadline is at or before the current time.
func (t *Table) Expire() []SegmentLock {
	now := t.clock.Now()
	return t.removeWhere(func(l SegmentLock) bool {
		return !now.Before(l.ExpiresAt)
	})
}

func (t *Table) removeWhere(match func(SegmentLock) bool) []SegmentLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []SegmentLock
	for segmentID, l := range t.locks {
		if match(l) {
			removed = append(removed, l)
			delete(t.locks, segmentID)
		}
	}
	sortLocks(removed)
	return removed
}

// IsLocked reports whether any user holds segmentID.
func (t *Table) IsLocked(segmentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.locks[segmentID]
	return ok
}

// Info returns the lock on segmentID, if any.
func (t *Table) Info(segmentID string) (SegmentLock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l, ok := t.locks[segmentID]
	return l, ok
}

// LocksForProject returns a point-in-time snapshot of the locks in projectID,
// sorted by segment ID.
func (t *Table) LocksForProject(projectID string) []SegmentLock {
	t.mu.RLock()
	defer t.mu.RUnlock()

	locks := make([]SegmentLock, 0)
	for _, l := range t.locks {
		if l.ProjectID == projectID {
			locks = append(locks, l)
		}
	}
	sortLocks(locks)
	return locks
}

// HeldBy returns the segments userID currently holds, sorted by segment ID.
func (t *Table) HeldBy(userID string) []SegmentLock {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var locks []SegmentLock
	for _, l := range t.locks {
		if l.HeldBy(userID) {
			locks = append(locks, l)
		}
	}
	sortLocks(locks)
	return locks
}

// Len returns the number of live locks.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.locks)
}

func sortLocks(locks []SegmentLock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].SegmentID < locks[j].SegmentID
	})
}
