package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"segcat/api/internal/lock"
	"segcat/api/internal/logging"
	"segcat/api/internal/presence"
	"segcat/api/internal/wire"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

var errClosed = errors.New("closed")

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []wire.Event
	fail   bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev wire.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) breakConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drain returns and forgets everything received so far.
func (c *fakeConn) drain() []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func (c *fakeConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		names = append(names, ev.Name)
	}
	return names
}

func (c *fakeConn) named(name string) []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type recordingPersister struct {
	mu    sync.Mutex
	saved []SavedSegment
	err   error
	panic bool
}

func (p *recordingPersister) SaveSegment(_ context.Context, segment SavedSegment) error {
	if p.panic {
		panic("persister exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, segment)
	return p.err
}

func (p *recordingPersister) all() []SavedSegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SavedSegment(nil), p.saved...)
}

type harness struct {
	coord     *Coordinator
	table     *lock.Table
	clock     *lock.FakeClock
	persister *recordingPersister
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := lock.NewFakeClock(epoch)
	table := lock.NewTable(lock.WithClock(clock))
	persister := &recordingPersister{}
	coord := NewCoordinator(table, presence.NewRegistry(), persister,
		WithClock(clock),
		WithLogger(logging.Nop()),
	)
	return &harness{coord: coord, table: table, clock: clock, persister: persister}
}

// join connects a fake client as userID and joins it to projectID.
func (h *harness) join(id, projectID, userID, displayName string) *fakeConn {
	conn := newFakeConn(id)
	h.coord.Connect(conn, Identity{UserID: userID, DisplayName: displayName})
	h.coord.JoinProject(conn, wire.JoinProject{ProjectID: projectID})
	// Each step advances time so join order is unambiguous.
	h.clock.Advance(time.Millisecond)
	return conn
}

func (h *harness) lock(conn *fakeConn, projectID, segmentID string) {
	h.coord.LockSegment(conn, wire.LockSegment{SegmentID: segmentID, ProjectID: projectID})
}
