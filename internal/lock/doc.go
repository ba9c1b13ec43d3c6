// Package lock provides the authoritative segment lock table for segcat projects.
//
// Translators editing the same project must never edit the same segment at the
// same time. The [Table] keeps an in-memory map of segment ID to [SegmentLock]
// and enforces that at most one user holds a given segment. Segment IDs are
// unique across projects: the same ID in two projects is one lock. A lock is a
// time-limited claim: it expires [DefaultTTL] after its last refresh unless the
// holder renews it with a heartbeat or an edit.
//
// # Basic Usage
//
//	table := lock.NewTable(lock.WithTTL(30 * time.Second))
//
//	// Claim a segment before editing
//	held, err := table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
//
//	// Another user is turned away with the current holder
//	var denied *lock.DeniedError
//	if errors.As(err, &denied) { ... denied.Holder.HolderDisplayName ... }
//
//	// Renew while typing
//	_, err = table.Refresh("seg-1", "user-a")
//
//	// Release when done
//	_, err = table.Release("seg-1", "user-a")
//
// # Expiry
//
// Expiry is sweep based. [Table.Expire] evicts every lock whose deadline has
// passed according to the table's [Clock] and returns the evicted locks so the
// caller can announce them. Tests drive time with a [FakeClock].
//
// # Thread Safety
//
// All [Table] methods are safe for concurrent use. Each mutation runs as a
// single critical section, so two concurrent TryAcquire calls for the same
// segment can never both succeed.
package lock
