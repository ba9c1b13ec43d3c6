package presence

import (
	"log/slog"

	"segcat/api/internal/wire"
)

// Broadcaster delivers events to the connections of a project room.
//
// A connection whose Send fails is pruned from its room and closed; the
// remaining members still receive the event. Pruned members are returned so the
// caller can release whatever they held; a pruned connection that was in no
// room comes back with an empty ProjectID.
type Broadcaster struct {
	registry *Registry
	log      *slog.Logger
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, log *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, log: log}
}

// Broadcast sends ev to every member of projectID except exclude.
// Used for inputs the sender already applied locally, such as keystrokes.
func (b *Broadcaster) Broadcast(projectID string, ev wire.Event, exclude Conn) []Member {
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}
	return b.deliver(b.registry.targets(projectID, excludeID), ev)
}

// BroadcastAll sends ev to every member of projectID, sender included.
// Used for authoritative state changes so every client converges on the
// server-confirmed state.
func (b *Broadcaster) BroadcastAll(projectID string, ev wire.Event) []Member {
	return b.deliver(b.registry.targets(projectID, ""), ev)
}

// SendTo sends ev to a single connection, joined or not.
func (b *Broadcaster) SendTo(conn Conn, ev wire.Event) []Member {
	if err := conn.Send(ev); err != nil {
		return b.prune(conn, ev, err)
	}
	return nil
}

func (b *Broadcaster) deliver(targets []Member, ev wire.Event) []Member {
	var dead []Member
	for _, m := range targets {
		if err := m.Conn.Send(ev); err != nil {
			dead = append(dead, b.prune(m.Conn, ev, err)...)
		}
	}
	return dead
}

func (b *Broadcaster) prune(conn Conn, ev wire.Event, cause error) []Member {
	b.log.Warn("dropping connection after failed delivery",
		"conn_id", conn.ID(),
		"event", ev.Name,
		"error", cause,
	)
	_ = conn.Close()
	m, ok := b.registry.Leave(conn.ID())
	if !ok {
		// Not in any room; the caller still has to forget it.
		m = Member{Conn: conn}
	}
	return []Member{m}
}
