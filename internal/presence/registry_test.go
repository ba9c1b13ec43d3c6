package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segcat/api/internal/logging"
	"segcat/api/internal/wire"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type stubConn struct {
	id     string
	got    []wire.Event
	err    error
	closed bool
}

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Send(ev wire.Event) error {
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, ev)
	return nil
}

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

func member(conn Conn, projectID, userID string, offset time.Duration) Member {
	return Member{Conn: conn, ProjectID: projectID, UserID: userID, JoinedAt: epoch.Add(offset)}
}

func TestRegistryJoinAndLeave(t *testing.T) {
	r := NewRegistry()
	a := &stubConn{id: "a"}
	b := &stubConn{id: "b"}

	_, moved := r.Join(member(a, "p1", "u-a", 0))
	assert.False(t, moved)
	r.Join(member(b, "p1", "u-b", time.Second))

	members := r.Members("p1")
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].Conn.ID())
	assert.Equal(t, "b", members[1].Conn.ID())
	assert.Equal(t, 1, r.RoomCount())

	m, ok := r.Leave("a")
	require.True(t, ok)
	assert.Equal(t, "u-a", m.UserID)
	_, ok = r.Leave("a")
	assert.False(t, ok)

	r.Leave("b")
	assert.Zero(t, r.RoomCount())
	assert.Empty(t, r.Members("p1"))
}

func TestRegistryRejoinSameProjectKeepsJoinTime(t *testing.T) {
	r := NewRegistry()
	a := &stubConn{id: "a"}

	r.Join(member(a, "p1", "u-a", 0))
	_, moved := r.Join(member(a, "p1", "u-a", time.Minute))

	assert.False(t, moved)
	m, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, epoch, m.JoinedAt)
}

func TestRegistryJoinMovesBetweenRooms(t *testing.T) {
	r := NewRegistry()
	a := &stubConn{id: "a"}

	r.Join(member(a, "p1", "u-a", 0))
	previous, moved := r.Join(member(a, "p2", "u-a", time.Second))

	require.True(t, moved)
	assert.Equal(t, "p1", previous.ProjectID)
	assert.Empty(t, r.Members("p1"))
	assert.Len(t, r.Members("p2"), 1)
	assert.Equal(t, 1, r.RoomCount())
}

func TestRegistryUserConnected(t *testing.T) {
	r := NewRegistry()
	r.Join(member(&stubConn{id: "a1"}, "p1", "u-a", 0))
	r.Join(member(&stubConn{id: "a2"}, "p2", "u-a", time.Second))

	assert.True(t, r.UserConnected("u-a", "p1", "a2"))
	assert.False(t, r.UserConnected("u-a", "p1", "a1"))
	assert.True(t, r.UserConnected("u-a", "", "a1"))
	assert.False(t, r.UserConnected("u-b", "", ""))

	assert.Equal(t, map[string]struct{}{"p2": {}}, r.UserProjects("u-a", "a1"))
	assert.Empty(t, r.UserProjects("u-b", ""))
}

func TestBroadcasterExcludesSender(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r, logging.Nop())
	a := &stubConn{id: "a"}
	c := &stubConn{id: "c"}
	r.Join(member(a, "p1", "u-a", 0))
	r.Join(member(c, "p1", "u-c", time.Second))

	ev := wire.Event{Name: wire.EventSegmentUpdated}
	assert.Empty(t, b.Broadcast("p1", ev, a))
	assert.Empty(t, a.got)
	assert.Len(t, c.got, 1)

	assert.Empty(t, b.BroadcastAll("p1", ev))
	assert.Len(t, a.got, 1)
	assert.Len(t, c.got, 2)
}

func TestBroadcasterPrunesFailedConnections(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r, logging.Nop())
	good := &stubConn{id: "good"}
	bad := &stubConn{id: "bad", err: errors.New("buffer full")}
	r.Join(member(bad, "p1", "u-bad", 0))
	r.Join(member(good, "p1", "u-good", time.Second))

	dead := b.BroadcastAll("p1", wire.Event{Name: wire.EventSegmentLocked})

	require.Len(t, dead, 1)
	assert.Equal(t, "u-bad", dead[0].UserID)
	assert.True(t, bad.closed)
	assert.Len(t, good.got, 1)
	_, ok := r.Lookup("bad")
	assert.False(t, ok)
}

func TestBroadcasterSendToUnjoinedConnection(t *testing.T) {
	b := NewBroadcaster(NewRegistry(), logging.Nop())
	ok := &stubConn{id: "ok"}
	broken := &stubConn{id: "broken", err: errors.New("closed")}

	assert.Empty(t, b.SendTo(ok, wire.Event{Name: wire.EventLockFailed}))
	assert.Len(t, ok.got, 1)

	dead := b.SendTo(broken, wire.Event{Name: wire.EventLockFailed})
	require.Len(t, dead, 1)
	assert.Equal(t, "broken", dead[0].Conn.ID())
	assert.Empty(t, dead[0].ProjectID)
	assert.True(t, broken.closed)
}
