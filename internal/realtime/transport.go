package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"segcat/api/internal/wire"
)

const (
	defaultSendBuffer     = 64
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20
)

var (
	// ErrConnClosed is returned by Send after the connection was closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the outbound queue is full.
	ErrSlowConsumer = errors.New("send buffer full")
	// ErrUnauthorized is returned by an Authenticator that rejects a request.
	ErrUnauthorized = errors.New("unauthorized")
)

// Authenticator resolves the user behind an upgrade request. Returning a
// zero Identity admits the connection anonymously.
type Authenticator func(r *http.Request) (Identity, error)

// Transport accepts websocket connections and feeds their frames to a
// Coordinator. Text frames carry JSON envelopes, binary frames msgpack; each
// connection is answered in the format it last sent.
type Transport struct {
	coord      *Coordinator
	auth       Authenticator
	upgrader   websocket.Upgrader
	log        *slog.Logger
	sendBuffer int
	writeWait  time.Duration
	pongWait   time.Duration
	maxMessage int64

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithSendBuffer sets how many outbound events a connection may queue before
// it is considered a slow consumer and dropped.
func WithSendBuffer(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.sendBuffer = n
		}
	}
}

// WithAllowedOrigin restricts upgrades to one Origin. "*" or empty allows all.
func WithAllowedOrigin(origin string) TransportOption {
	return func(t *Transport) {
		if origin == "" || origin == "*" {
			return
		}
		t.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == origin
		}
	}
}

// WithPongWait sets how long a connection may stay silent before it is
// dropped. Pings go out at nine tenths of this interval.
func WithPongWait(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.pongWait = d
		}
	}
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(log *slog.Logger) TransportOption {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTransport creates a Transport. auth may be nil to admit everyone
// anonymously.
func NewTransport(coord *Coordinator, auth Authenticator, opts ...TransportOption) *Transport {
	t := &Transport{
		coord: coord,
		auth:  auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:        slog.Default(),
		sendBuffer: defaultSendBuffer,
		writeWait:  defaultWriteWait,
		pongWait:   defaultPongWait,
		maxMessage: defaultMaxMessageSize,
		conns:      make(map[string]*wsConn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity Identity
	if t.auth != nil {
		id, err := t.auth(r)
		if err != nil {
			t.log.Info("websocket rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		t.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := &wsConn{
		id:        uuid.NewString(),
		ws:        ws,
		send:      make(chan outbound, t.sendBuffer),
		done:      make(chan struct{}),
		writeWait: t.writeWait,
	}
	if !t.track(conn) {
		_ = ws.Close()
		return
	}
	defer t.untrack(conn)

	t.coord.Connect(conn, identity)
	t.log.Info("websocket connected", "conn_id", conn.id, "user_id", identity.UserID, "remote_addr", r.RemoteAddr)

	go conn.writePump(t.pongWait*9/10, t.log)
	t.readPump(r.Context(), conn)

	t.coord.Disconnect(conn)
	_ = conn.Close()
	t.log.Info("websocket disconnected", "conn_id", conn.id, "user_id", identity.UserID)
}

// Close drops every open connection. Each one is torn down through the
// coordinator as its read loop exits.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// ConnCount returns the number of open connections.
func (t *Transport) ConnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) track(c *wsConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c.id] = c
	return true
}

func (t *Transport) untrack(c *wsConn) {
	t.mu.Lock()
	delete(t.conns, c.id)
	t.mu.Unlock()
}

func (t *Transport) readPump(ctx context.Context, c *wsConn) {
	c.ws.SetReadLimit(t.maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(t.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(t.pongWait))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(t.pongWait))

		format := wire.FormatJSON
		if msgType == websocket.BinaryMessage {
			format = wire.FormatMsgpack
		}
		c.format.Store(int32(format))

		msg, err := wire.Decode(format, frame)
		if err != nil {
			t.log.Debug("dropping inbound frame", "conn_id", c.id, "format", format.String(), "error", err)
			continue
		}
		t.coord.Dispatch(ctx, c, msg)
	}
}

type outbound struct {
	msgType int
	frame   []byte
}

// wsConn adapts a gorilla websocket to presence.Conn. Writes go through a
// single writer goroutine fed by a bounded queue.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan outbound
	done      chan struct{}
	writeWait time.Duration
	format    atomic.Int32

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ID() string { return c.id }

// Send encodes ev in the connection's format and queues it. It never blocks.
func (c *wsConn) Send(ev wire.Event) error {
	format := wire.Format(c.format.Load())
	frame, err := wire.Encode(format, ev)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if format == wire.FormatMsgpack {
		msgType = websocket.BinaryMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- outbound{msgType: msgType, frame: frame}:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) writePump(pingInterval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(msg.msgType, msg.frame); err != nil {
				log.Debug("websocket write failed", "conn_id", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
