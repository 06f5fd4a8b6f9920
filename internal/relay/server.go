// Package relay is a small pub/sub WebSocket broadcast relay. It speaks the
// same contract as the production signaling relay and is used for local
// development and tests.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/util"
)

const (
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
	typePublish     = "publish"
	typePing        = "ping"
	typePong        = "pong"

	defaultTopic = "broadcast"
	writeTimeout = 5 * time.Second
	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server relays publish frames to every subscriber of the frame's topic,
// including the sender.
type Server struct {
	listener net.Listener
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	topics  map[string]map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	name    string
	writeMu sync.Mutex
	topics  map[string]struct{} // guarded by Server.mu
}

// control is the subset of a frame the relay inspects.
type control struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic"`
	Topics []string `json:"topics"`
}

// NewServer creates a relay with no listener. Use Start, or mount Handler on
// an existing server.
func NewServer() *Server {
	return &Server{
		clients: make(map[*client]struct{}),
		topics:  make(map[string]map[*client]struct{}),
	}
}

// Handler upgrades every request, regardless of path, to a relay connection.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Start begins listening on addr (":0" picks a random port). Returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay stopped: %v", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	util.LogInfo("relay listening on port %d", port)
	return port, nil
}

// Close stops the listener and drops every connected client.
func (s *Server) Close() {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}

	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("relay upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{conn: conn, name: r.URL.Query().Get("name"), topics: make(map[string]struct{})}
	s.register(c)
	defer s.unregister(c)

	util.LogInfo("relay client joined: %q (%s)", c.name, conn.RemoteAddr())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			util.LogInfo("relay client left: %q", c.name)
			return
		}
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *client, data []byte) {
	var ctl control
	if err := json.Unmarshal(data, &ctl); err != nil {
		util.LogDebug("relay ignoring malformed frame from %q: %v", c.name, err)
		return
	}

	switch ctl.Type {
	case typeSubscribe:
		s.subscribe(c, ctl.Topics...)
	case typeUnsubscribe:
		s.unsubscribe(c, ctl.Topics...)
	case typePing:
		_ = c.write([]byte(`{"type":"` + typePong + `"}`))
	case typePublish:
		if ctl.Topic == "" {
			util.LogDebug("relay ignoring publish without topic from %q", c.name)
			return
		}
		payload, err := stripRouting(data)
		if err != nil {
			util.LogDebug("relay ignoring publish from %q: %v", c.name, err)
			return
		}
		s.publish(ctl.Topic, payload)
	default:
		util.LogDebug("relay ignoring frame type %q from %q", ctl.Type, c.name)
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.subscribe(c, defaultTopic)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	for topic := range c.topics {
		s.removeLocked(c, topic)
	}
	s.mu.Unlock()
	c.conn.Close()
}

func (s *Server) subscribe(c *client, topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subs, ok := s.topics[topic]
		if !ok {
			subs = make(map[*client]struct{})
			s.topics[topic] = subs
		}
		subs[c] = struct{}{}
		c.topics[topic] = struct{}{}
	}
}

func (s *Server) unsubscribe(c *client, topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		s.removeLocked(c, topic)
	}
}

func (s *Server) removeLocked(c *client, topic string) {
	delete(c.topics, topic)
	if subs, ok := s.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
}

// publish writes payload to every subscriber of topic. A failed write only
// affects that subscriber; its read loop notices the dead socket.
func (s *Server) publish(topic string, payload []byte) {
	s.mu.Lock()
	subs := make([]*client, 0, len(s.topics[topic]))
	for c := range s.topics[topic] {
		subs = append(subs, c)
	}
	s.mu.Unlock()

	for _, c := range subs {
		if err := c.write(payload); err != nil {
			util.LogDebug("relay write to %q failed: %v", c.name, err)
		}
	}
}

func (c *client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// stripRouting removes the type and topic fields and leaves every other field
// value untouched.
func stripRouting(data []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	delete(fields, "type")
	delete(fields, "topic")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
