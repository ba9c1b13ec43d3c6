// Package presence tracks which connections are viewing which project and
// fans realtime events out to them.
package presence

import (
	"sort"
	"sync"
	"time"

	"segcat/api/internal/wire"
)

// Conn is the transport handle the registry routes events to. The transport
// owns the connection; the registry only keeps a reference for routing.
type Conn interface {
	ID() string
	// Send queues ev for delivery without blocking. An error means the
	// connection is closed or cannot keep up.
	Send(ev wire.Event) error
	Close() error
}

// Member is a connection joined to a project room.
type Member struct {
	Conn        Conn
	ProjectID   string
	UserID      string
	DisplayName string
	JoinedAt    time.Time
}

// Registry maps connections to project rooms. A connection is in at most one
// room at a time. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member              // connID -> member
	rooms   map[string]map[string]struct{} // projectID -> connIDs
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]Member),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Join places m.Conn in the room for m.ProjectID. If the connection was in a
// different room it is removed from it first and the previous membership is
// returned with moved=true.
func (r *Registry) Join(m Member) (previous Member, moved bool) {
	connID := m.Conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.members[connID]; ok {
		if existing.ProjectID == m.ProjectID {
			m.JoinedAt = existing.JoinedAt
		} else {
			r.removeLocked(connID)
			previous, moved = existing, true
		}
	}

	r.members[connID] = m
	room, ok := r.rooms[m.ProjectID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[m.ProjectID] = room
	}
	room[connID] = struct{}{}
	return previous, moved
}

// Leave removes the connection from its room. Empty rooms are dropped.
func (r *Registry) Leave(connID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(connID)
}

// removeLocked must be called with the write lock held.
func (r *Registry) removeLocked(connID string) (Member, bool) {
	m, ok := r.members[connID]
	if !ok {
		return Member{}, false
	}
	delete(r.members, connID)
	if room, ok := r.rooms[m.ProjectID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, m.ProjectID)
		}
	}
	return m, true
}

// Lookup returns the membership of a connection.
func (r *Registry) Lookup(connID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[connID]
	return m, ok
}

// Members returns the members of a room ordered by join time.
func (r *Registry) Members(projectID string) []Member {
	return r.targets(projectID, "")
}

// targets returns the room members except excludeConnID, ordered by join time
// so fan-out order is deterministic.
func (r *Registry) targets(projectID, excludeConnID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[projectID]
	members := make([]Member, 0, len(room))
	for connID := range room {
		if connID == excludeConnID {
			continue
		}
		members = append(members, r.members[connID])
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].Conn.ID() < members[j].Conn.ID()
	})
	return members
}

// UserConnected reports whether userID has a connection other than
// exceptConnID joined to projectID. An empty projectID matches any room.
func (r *Registry) UserConnected(userID, projectID, exceptConnID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID, m := range r.members {
		if connID == exceptConnID || m.UserID != userID {
			continue
		}
		if projectID == "" || m.ProjectID == projectID {
			return true
		}
	}
	return false
}

// UserProjects returns the projects where userID has a connection other than
// exceptConnID.
func (r *Registry) UserProjects(userID, exceptConnID string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	projects := make(map[string]struct{})
	for connID, m := range r.members {
		if connID != exceptConnID && m.UserID == userID {
			projects[m.ProjectID] = struct{}{}
		}
	}
	return projects
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
