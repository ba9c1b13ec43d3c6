package realtime

import (
	"context"
	"runtime/debug"

	"segcat/api/internal/presence"
	"segcat/api/internal/wire"
)

// Dispatch routes one decoded inbound event to its coordinator operation.
// A panic in a handler is logged and recovered so one bad event cannot take
// the connection or the process down.
func (c *Coordinator) Dispatch(ctx context.Context, conn presence.Conn, msg wire.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked",
				"event", msg.EventName(),
				"conn_id", conn.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch m := msg.(type) {
	case wire.JoinProject:
		c.JoinProject(conn, m)
	case wire.LeaveProject:
		c.LeaveProject(conn, m)
	case wire.LockSegment:
		c.LockSegment(conn, m)
	case wire.UnlockSegment:
		c.UnlockSegment(conn, m)
	case wire.SegmentUpdate:
		c.UpdateSegment(conn, m)
	case wire.SegmentSaved:
		c.SaveSegment(ctx, conn, m)
	case wire.LockHeartbeat:
		c.Heartbeat(conn, m)
	default:
		c.log.Warn("unhandled event", "event", msg.EventName(), "conn_id", conn.ID())
	}
}
