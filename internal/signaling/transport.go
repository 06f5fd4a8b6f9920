package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/util"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultEventBuffer      = 64
)

// Options tunes a Transport. Zero values select the defaults; a zero
// PingInterval disables keepalive pings.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	EventBuffer      int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	return o
}

// Transport owns at most one WebSocket connection to the relay at a time.
//
// Connect and Disconnect never block on the network: the outcome is reported
// on Events. There is no automatic reconnect.
type Transport struct {
	opts   Options
	dialer *websocket.Dialer
	events chan Event
	done   chan struct{}
	once   sync.Once
	nextID atomic.Uint64

	mu  sync.Mutex
	cur *socket
}

// socket is one connection attempt. Its events stop being delivered once a
// newer Connect supersedes it.
type socket struct {
	id     uint64
	cancel context.CancelFunc

	conn  *websocket.Conn // guarded by Transport.mu
	state ReadyState      // guarded by Transport.mu

	writeMu    sync.Mutex
	closing    atomic.Bool
	superseded atomic.Bool
}

// NewTransport creates an idle Transport.
func NewTransport(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the inbound event stream. The channel is never closed.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Connect closes any existing connection and starts dialing
// endpointURL?name=<identity>. It returns the connection id carried by every
// event of this attempt.
func (t *Transport) Connect(endpointURL, identity string) uint64 {
	s := &socket{id: t.nextID.Add(1), state: StateConnecting}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	t.mu.Lock()
	prev := t.cur
	t.cur = s
	t.mu.Unlock()

	if prev != nil {
		prev.superseded.Store(true)
		t.closeSocket(prev)
	}

	target, err := DialURL(endpointURL, identity)
	if err != nil {
		util.LogWarning("invalid relay URL %q: %v", endpointURL, err)
		go t.finish(s, err)
		return s.id
	}

	util.LogDebug("connecting to relay: %s", target)
	go t.run(ctx, s, target)
	return s.id
}

// Disconnect closes the active socket or aborts an in-flight dial. It is a
// no-op when nothing is connected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	s := t.cur
	t.mu.Unlock()

	if s == nil {
		return
	}
	t.closeSocket(s)
}

// Send stamps the relay routing metadata onto msg and writes it as one JSON
// text frame. It fails with ErrNotConnected if no socket is open.
func (t *Transport) Send(msg Message) error {
	t.mu.Lock()
	s := t.cur
	var conn *websocket.Conn
	if s != nil && s.state == StateOpen {
		conn = s.conn
	}
	t.mu.Unlock()

	if conn == nil {
		util.LogWarning("dropping outbound %s message: %v", msg.Event, ErrNotConnected)
		return ErrNotConnected
	}

	msg.Type = TypePublish
	msg.Topic = TopicBroadcast

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Event, err)
	}

	util.Stats.AddSignalSent()
	return nil
}

// State returns the readiness of the current socket, or StateClosed.
func (t *Transport) State() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return StateClosed
	}
	return t.cur.state
}

// Close disconnects and stops event delivery. Safe to call multiple times.
func (t *Transport) Close() {
	t.once.Do(func() { close(t.done) })
	t.Disconnect()
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

// run dials, reports open, then reads frames until the socket dies.
func (t *Transport) run(ctx context.Context, s *socket, target string) {
	conn, _, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		t.finish(s, fmt.Errorf("failed to connect to relay: %w", err))
		return
	}

	t.mu.Lock()
	if s.closing.Load() {
		t.mu.Unlock()
		conn.Close()
		t.finish(s, nil)
		return
	}
	s.conn = conn
	s.state = StateOpen
	t.mu.Unlock()

	util.LogInfo("relay connected: %s", target)
	t.emit(s, Event{Kind: EventOpen, State: StateOpen})

	if t.opts.PingInterval > 0 {
		go t.keepalive(ctx, s, conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.finish(s, err)
			return
		}
		util.Stats.AddSignalRecv()
		t.emit(s, Event{Kind: EventMessage, State: StateOpen, Data: data})
	}
}

// keepalive sends periodic ping control frames until the socket ends.
func (t *Transport) keepalive(ctx context.Context, s *socket, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				util.LogDebug("relay ping failed: %v", err)
				return
			}
		}
	}
}

// closeSocket initiates a local close. The read loop then reports Close.
func (t *Transport) closeSocket(s *socket) {
	t.mu.Lock()
	s.closing.Store(true)
	conn := s.conn
	if s.state == StateOpen || s.state == StateConnecting {
		s.state = StateClosing
	}
	t.mu.Unlock()

	s.cancel()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.opts.WriteTimeout))
	s.writeMu.Unlock()
	conn.Close()
}

// finish releases the socket and reports Error (for unexpected failures)
// followed by Close.
func (t *Transport) finish(s *socket, err error) {
	s.cancel()

	t.mu.Lock()
	conn := s.conn
	s.state = StateClosed
	if t.cur == s {
		t.cur = nil
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if err != nil && !s.closing.Load() && !isNormalClose(err) {
		util.LogWarning("relay connection error: %v", err)
		t.emit(s, Event{Kind: EventError, State: StateClosed, Err: err})
	}
	util.LogInfo("relay connection closed")
	t.emit(s, Event{Kind: EventClose, State: StateClosed})
}

// emit delivers ev unless the socket has been superseded or the transport
// was closed.
func (t *Transport) emit(s *socket, ev Event) {
	if s.superseded.Load() {
		return
	}
	ev.Conn = s.id
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// DialURL builds the relay URL with the identity as the name query parameter.
// http(s) schemes are mapped to ws(s).
func DialURL(endpointURL, identity string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpointURL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}

	q := u.Query()
	q.Set("name", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
