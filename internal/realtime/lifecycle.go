package realtime

import (
	"sort"

	"segcat/api/internal/lock"
	"segcat/api/internal/presence"
	"segcat/api/internal/wire"
)

// Connect registers a new connection. It is in no room until it sends
// join-project.
func (c *Coordinator) Connect(conn presence.Conn, identity Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions[conn.ID()] = &session{conn: conn, identity: identity, users: make(map[string]struct{})}
	c.log.Debug("connection opened", "conn_id", conn.ID(), "user_id", identity.UserID)
}

// Disconnect releases everything a closed connection held and removes it from
// its room. Unlocks are announced before user-left so the room never sees a
// departed user still holding segments.
func (c *Coordinator) Disconnect(conn presence.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	// Leave the room first so the closed connection is not a broadcast
	// target; the room still sees the unlocks before user-left.
	member, joined := c.registry.Leave(conn.ID())
	c.teardownLocked(conn.ID(), member, joined)
}

// JoinProject puts the connection in a project room. The joiner gets the
// current lock snapshot before anything else; the rest of the room learns about
// the joiner afterwards. Joining the room the connection is already in only
// resends the snapshot.
func (c *Coordinator) JoinProject(conn presence.Conn, msg wire.JoinProject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	userID, displayName := c.resolveLocked(conn, msg.UserID, msg.DisplayName)
	if userID == "" {
		return
	}

	current, inRoom := c.registry.Lookup(conn.ID())
	rejoin := inRoom && current.ProjectID == msg.ProjectID && current.UserID == userID

	now := c.clock.Now()
	previous, moved := c.registry.Join(presence.Member{
		Conn:        conn,
		ProjectID:   msg.ProjectID,
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    now,
	})
	if moved {
		c.departLocked(previous)
	}

	c.sendLocked(conn, wire.Event{Name: wire.EventCurrentLocks, Data: c.Snapshot(msg.ProjectID)})
	if rejoin {
		return
	}
	c.roomLocked(msg.ProjectID, wire.Event{Name: wire.EventUserJoined, Data: wire.Presence{
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   now,
	}}, conn)
	c.log.Info("user joined project", "project_id", msg.ProjectID, "user_id", userID, "conn_id", conn.ID())
}

// LeaveProject takes the connection out of its room and releases the user's
// locks there unless another of the user's connections is still in it.
func (c *Coordinator) LeaveProject(conn presence.Conn, msg wire.LeaveProject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reapLocked()

	m, ok := c.registry.Lookup(conn.ID())
	if !ok || (msg.ProjectID != "" && msg.ProjectID != m.ProjectID) {
		return
	}
	c.announceUnlocksLocked(c.releaseProjectLocked(m.UserID, m.ProjectID, conn.ID()))
	if _, ok := c.registry.Leave(conn.ID()); ok {
		c.announceLeftLocked(m)
	}
}

// departLocked handles a connection that moved to another room: its locks in
// the old project go, and the old room hears user-left.
func (c *Coordinator) departLocked(previous presence.Member) {
	c.announceUnlocksLocked(c.releaseProjectLocked(previous.UserID, previous.ProjectID, previous.Conn.ID()))
	c.announceLeftLocked(previous)
}

// teardownLocked forgets a connection entirely. member is its room
// membership, already removed from the registry when joined is true.
func (c *Coordinator) teardownLocked(connID string, member presence.Member, joined bool) {
	sess, ok := c.sessions[connID]
	if !ok {
		return
	}
	delete(c.sessions, connID)

	users := make([]string, 0, len(sess.users))
	for userID := range sess.users {
		users = append(users, userID)
	}
	sort.Strings(users)

	var released []lock.SegmentLock
	for _, userID := range users {
		released = append(released, c.releaseUserLocked(userID, connID)...)
	}
	c.announceUnlocksLocked(released)

	if joined {
		c.announceLeftLocked(member)
	}
	c.log.Debug("connection closed", "conn_id", connID, "released", len(released))
}

// releaseUserLocked drops userID's locks on disconnect. Locks in projects where
// the user still has another joined connection are kept.
func (c *Coordinator) releaseUserLocked(userID, exceptConnID string) []lock.SegmentLock {
	others := c.registry.UserProjects(userID, exceptConnID)
	if len(others) == 0 {
		return c.table.ForceReleaseAll(userID)
	}

	projects := make(map[string]struct{})
	for _, l := range c.table.HeldBy(userID) {
		if _, keep := others[l.ProjectID]; !keep {
			projects[l.ProjectID] = struct{}{}
		}
	}
	var released []lock.SegmentLock
	for projectID := range projects {
		released = append(released, c.table.ForceReleaseProject(userID, projectID)...)
	}
	sort.Slice(released, func(i, j int) bool {
		return released[i].SegmentID < released[j].SegmentID
	})
	return released
}

// releaseProjectLocked drops userID's locks in projectID unless another of the
// user's connections is still in that room.
func (c *Coordinator) releaseProjectLocked(userID, projectID, exceptConnID string) []lock.SegmentLock {
	if c.registry.UserConnected(userID, projectID, exceptConnID) {
		return nil
	}
	return c.table.ForceReleaseProject(userID, projectID)
}

func (c *Coordinator) announceLeftLocked(m presence.Member) {
	c.roomLocked(m.ProjectID, wire.Event{Name: wire.EventUserLeft, Data: wire.Presence{
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Timestamp:   c.clock.Now(),
	}}, m.Conn)
	c.log.Info("user left project", "project_id", m.ProjectID, "user_id", m.UserID, "conn_id", m.Conn.ID())
}

// reapLocked cleans up connections the broadcaster pruned during the current
// operation. Cleanup may broadcast and prune more, so it loops until quiet.
func (c *Coordinator) reapLocked() {
	for len(c.dead) > 0 {
		m := c.dead[0]
		c.dead = c.dead[1:]
		c.teardownLocked(m.Conn.ID(), m, m.ProjectID != "")
	}
}
