// Package realtime implements the collaborative segment-locking protocol:
// clients join a project room, lock segments before editing, stream their
// keystrokes to the room, and save. The Coordinator is the only writer of the
// lock table and decides which connections hear about each transition.
//
// Locks belong to users, not connections. When a connection closes or leaves,
// the user's locks in a project survive if another of that user's connections
// is still joined there. That connection inherits the lock: it must keep
// sending lock-heartbeat or the lock expires after the TTL.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"segcat/api/internal/lock"
	"segcat/api/internal/presence"
	"segcat/api/internal/wire"
)

// DefaultSaveTimeout bounds one persistence write.
const DefaultSaveTimeout = 5 * time.Second

// Identity is the user a transport attached to a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// SavedSegment is the final text of a segment handed to the Persister.
type SavedSegment struct {
	ProjectID   string
	SegmentID   string
	UserID      string
	DisplayName string
	TargetText  string
	Status      string
	SavedAt     time.Time
}

// Persister records saved segment text. It is the only call in the protocol
// that leaves the process.
type Persister interface {
	SaveSegment(ctx context.Context, segment SavedSegment) error
}

// session is what the coordinator remembers about a live connection.
type session struct {
	conn     presence.Conn
	identity Identity
	users    map[string]struct{} // user IDs this connection has acted as
}

// Coordinator serializes every protocol operation. A lock table mutation and
// the broadcasts it causes happen in one critical section; delivery only
// enqueues, so holding the mutex while broadcasting is cheap and gives every
// room a single ordered stream of events.
type Coordinator struct {
	mu          sync.Mutex
	table       *lock.Table
	registry    *presence.Registry
	broadcaster *presence.Broadcaster
	persister   Persister
	clock       lock.Clock
	log         *slog.Logger
	saveTimeout time.Duration

	sessions map[string]*session // connID -> session
	dead     []presence.Member   // pruned by the broadcaster, awaiting cleanup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for event timestamps. It should be the same
// clock the lock table uses.
func WithClock(clock lock.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSaveTimeout bounds each persistence write.
func WithSaveTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.saveTimeout = d
		}
	}
}

// NewCoordinator wires the lock table and presence registry together.
// persister may be nil, in which case saves only release and broadcast.
func NewCoordinator(table *lock.Table, registry *presence.Registry, persister Persister, opts ...Option) *Coordinator {
	c := &Coordinator{
		table:       table,
		registry:    registry,
		persister:   persister,
		clock:       lock.SystemClock{},
		log:         slog.Default(),
		saveTimeout: DefaultSaveTimeout,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.broadcaster = presence.NewBroadcaster(registry, c.log)
	return c
}

// LockSegment claims a segment for the caller. Success is announced to the
// whole room; a denial goes to the requester only.
func (c *Coordinator) LockSegment(conn presence.Conn, msg wire.LockSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	userID, displayName := c.resolveLocked(conn, msg.UserID, msg.DisplayName)
	if userID == "" {
		return
	}

	held, err := c.table.TryAcquire(msg.SegmentID, msg.ProjectID, userID, displayName)
	if err != nil {
		var denied *lock.DeniedError
		if errors.As(err, &denied) {
			holder := denied.Holder.HolderDisplayName
			if holder == "" {
				holder = denied.Holder.HolderUserID
			}
			c.log.Debug("lock denied",
				"segment_id", msg.SegmentID,
				"user_id", userID,
				"holder_id", denied.Holder.HolderUserID,
			)
			c.sendLocked(conn, wire.Event{Name: wire.EventLockFailed, Data: wire.LockFailed{
				SegmentID: msg.SegmentID,
				LockedBy:  holder,
				Message:   fmt.Sprintf("Segment is being edited by %s", holder),
			}})
			return
		}
		c.log.Error("lock acquire failed", "segment_id", msg.SegmentID, "error", err)
		return
	}

	c.log.Debug("segment locked", "project_id", held.ProjectID, "segment_id", held.SegmentID, "user_id", userID)
	c.announceLocked(conn, held.ProjectID, wire.Event{Name: wire.EventSegmentLocked, Data: wire.SegmentLocked{
		SegmentID:   held.SegmentID,
		UserID:      held.HolderUserID,
		DisplayName: held.HolderDisplayName,
		Timestamp:   held.LastRefreshedAt,
	}})
}

// UnlockSegment releases a segment held by the caller. Requests from anyone
// else are stale and dropped without a reply.
func (c *Coordinator) UnlockSegment(conn presence.Conn, msg wire.UnlockSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	userID, _ := c.resolveLocked(conn, msg.UserID, "")
	if userID == "" {
		return
	}
	released, err := c.table.Release(msg.SegmentID, userID)
	if err != nil {
		c.log.Debug("ignoring stale unlock", "segment_id", msg.SegmentID, "user_id", userID, "error", err)
		return
	}
	c.announceUnlocksLocked([]lock.SegmentLock{released})
}

// UpdateSegment relays live typing from the holder to the rest of the room and
// refreshes the lock. The sender does not get its own text back.
func (c *Coordinator) UpdateSegment(conn presence.Conn, msg wire.SegmentUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	userID, _ := c.resolveLocked(conn, msg.UserID, "")
	if userID == "" {
		return
	}
	held, err := c.table.Refresh(msg.SegmentID, userID)
	if err != nil {
		c.log.Debug("ignoring update from non-holder", "segment_id", msg.SegmentID, "user_id", userID, "error", err)
		return
	}
	c.roomLocked(held.ProjectID, wire.Event{Name: wire.EventSegmentUpdated, Data: wire.SegmentUpdated{
		SegmentID:  held.SegmentID,
		UserID:     userID,
		TargetText: msg.TargetText,
		Timestamp:  held.LastRefreshedAt,
	}}, conn)
}

// Heartbeat keeps a held lock alive. Nothing is broadcast.
func (c *Coordinator) Heartbeat(conn presence.Conn, msg wire.LockHeartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	userID, _ := c.resolveLocked(conn, msg.UserID, "")
	if userID == "" {
		return
	}
	if _, err := c.table.Refresh(msg.SegmentID, userID); err != nil {
		c.log.Debug("ignoring stale heartbeat", "segment_id", msg.SegmentID, "user_id", userID, "error", err)
	}
}

// SaveSegment persists the final text, then releases the caller's lock (if it
// still holds one) and tells the whole room. The write happens outside the
// critical section while the caller still holds the lock. A failed write does
// not stop the release or the broadcast; the saver alone gets save-failed.
func (c *Coordinator) SaveSegment(ctx context.Context, conn presence.Conn, msg wire.SegmentSaved) {
	c.mu.Lock()
	userID, displayName := c.resolveLocked(conn, msg.UserID, "")
	c.mu.Unlock()

	if userID == "" {
		return
	}

	saveErr := c.persist(ctx, SavedSegment{
		ProjectID:   msg.ProjectID,
		SegmentID:   msg.SegmentID,
		UserID:      userID,
		DisplayName: displayName,
		TargetText:  msg.TargetText,
		Status:      msg.Status,
		SavedAt:     c.clock.Now(),
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	released, wasHeld := c.table.ReleaseIfHeldBy(msg.SegmentID, userID)
	c.announceLocked(conn, msg.ProjectID, wire.Event{Name: wire.EventSegmentSaved, Data: wire.SegmentSavedNotice{
		SegmentID:  msg.SegmentID,
		UserID:     userID,
		TargetText: msg.TargetText,
		Status:     msg.Status,
		Timestamp:  c.clock.Now(),
	}})
	if wasHeld {
		c.announceUnlocksLocked([]lock.SegmentLock{released})
	}

	if saveErr != nil {
		c.log.Error("segment save failed",
			"project_id", msg.ProjectID,
			"segment_id", msg.SegmentID,
			"user_id", userID,
			"error", saveErr,
		)
		c.sendLocked(conn, wire.Event{Name: wire.EventSaveFailed, Data: wire.SaveFailed{
			SegmentID: msg.SegmentID,
			Message:   "Segment could not be saved; your changes may not be stored",
		}})
	}
}

func (c *Coordinator) persist(ctx context.Context, segment SavedSegment) error {
	if c.persister == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()
	if err := c.persister.SaveSegment(saveCtx, segment); err != nil {
		return fmt.Errorf("save segment %s: %w", segment.SegmentID, err)
	}
	return nil
}

// ExpireStale evicts locks whose holders stopped refreshing them and announces
// one segment-unlocked per evicted lock. Returns the number evicted.
func (c *Coordinator) ExpireStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	expired := c.table.Expire()
	for _, l := range expired {
		c.log.Info("lock expired",
			"project_id", l.ProjectID,
			"segment_id", l.SegmentID,
			"user_id", l.HolderUserID,
			"last_refreshed_at", l.LastRefreshedAt,
		)
	}
	c.announceUnlocksLocked(expired)
	return len(expired)
}

// RunSweeper calls ExpireStale every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ExpireStale()
		}
	}
}

// Snapshot returns the current locks of a project in wire form.
func (c *Coordinator) Snapshot(projectID string) []wire.LockEntry {
	locks := c.table.LocksForProject(projectID)
	entries := make([]wire.LockEntry, 0, len(locks))
	for _, l := range locks {
		entries = append(entries, wire.LockEntry{
			SegmentID:   l.SegmentID,
			UserID:      l.HolderUserID,
			DisplayName: l.HolderDisplayName,
			ProjectID:   l.ProjectID,
			LockedAt:    l.AcquiredAt,
		})
	}
	return entries
}

// Members returns who is currently in a project room.
func (c *Coordinator) Members(projectID string) []presence.Member {
	return c.registry.Members(projectID)
}

// resolveLocked decides which user a request acts as. An identity attached by
// the transport wins over the payload; anonymous connections are trusted.
// Requests from connections without a session act as nobody.
func (c *Coordinator) resolveLocked(conn presence.Conn, userID, displayName string) (string, string) {
	sess, ok := c.sessions[conn.ID()]
	if !ok {
		c.log.Debug("dropping request from unknown connection", "conn_id", conn.ID())
		return "", ""
	}
	if sess.identity.UserID != "" {
		userID = sess.identity.UserID
		if sess.identity.DisplayName != "" {
			displayName = sess.identity.DisplayName
		}
	}
	if userID == "" {
		c.log.Debug("request without user", "conn_id", conn.ID())
		return "", ""
	}
	if displayName == "" {
		if m, ok := c.registry.Lookup(conn.ID()); ok && m.UserID == userID {
			displayName = m.DisplayName
		}
	}
	if displayName == "" {
		displayName = userID
	}
	sess.users[userID] = struct{}{}
	return userID, displayName
}

func (c *Coordinator) sendLocked(conn presence.Conn, ev wire.Event) {
	c.dead = append(c.dead, c.broadcaster.SendTo(conn, ev)...)
}

func (c *Coordinator) roomLocked(projectID string, ev wire.Event, exclude presence.Conn) {
	c.dead = append(c.dead, c.broadcaster.Broadcast(projectID, ev, exclude)...)
}

func (c *Coordinator) roomAllLocked(projectID string, ev wire.Event) {
	c.dead = append(c.dead, c.broadcaster.BroadcastAll(projectID, ev)...)
}

// announceLocked broadcasts an authoritative event to the room, making sure the
// actor sees it even if it never joined that room.
func (c *Coordinator) announceLocked(actor presence.Conn, projectID string, ev wire.Event) {
	c.roomAllLocked(projectID, ev)
	if m, ok := c.registry.Lookup(actor.ID()); !ok || m.ProjectID != projectID {
		c.sendLocked(actor, ev)
	}
}

func (c *Coordinator) announceUnlocksLocked(released []lock.SegmentLock) {
	for _, l := range released {
		c.roomAllLocked(l.ProjectID, wire.Event{Name: wire.EventSegmentUnlocked, Data: wire.SegmentUnlocked{
			SegmentID: l.SegmentID,
			Timestamp: c.clock.Now(),
		}})
	}
}
