package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/signaling"
)

// ---------------------------------------------------------------------------
// Fake transport
// ---------------------------------------------------------------------------

type connectCall struct {
	url      string
	identity string
}

type fakeTransport struct {
	events chan signaling.Event

	mu          sync.Mutex
	open        bool
	nextID      uint64
	connects    []connectCall
	disconnects int
	sent        []signaling.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan signaling.Event, 64)}
}

func (f *fakeTransport) Connect(url, identity string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.connects = append(f.connects, connectCall{url: url, identity: identity})
	return f.nextID
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Send(msg signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return signaling.ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Events() <-chan signaling.Event {
	return f.events
}

func (f *fakeTransport) lastConn() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

func (f *fakeTransport) emitOpen() {
	f.mu.Lock()
	f.open = true
	id := f.nextID
	f.mu.Unlock()
	f.events <- signaling.Event{Conn: id, Kind: signaling.EventOpen, State: signaling.StateOpen}
}

func (f *fakeTransport) emitClose() {
	f.mu.Lock()
	f.open = false
	id := f.nextID
	f.mu.Unlock()
	f.events <- signaling.Event{Conn: id, Kind: signaling.EventClose, State: signaling.StateClosed}
}

func (f *fakeTransport) emitMessage(raw string) {
	f.events <- signaling.Event{Conn: f.lastConn(), Kind: signaling.EventMessage, State: signaling.StateOpen, Data: []byte(raw)}
}

func (f *fakeTransport) sentMessages() []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signaling.Message(nil), f.sent...)
}

// ---------------------------------------------------------------------------
// Fake peer session
// ---------------------------------------------------------------------------

type peerCall struct {
	op   string
	data string
}

type fakePeer struct {
	mu          sync.Mutex
	initialized bool
	handlers    peer.Handlers
	calls       []peerCall
	sent        [][]byte

	offer     json.RawMessage
	answer    json.RawMessage
	offerErr  error
	acceptErr error
	answerErr error
	sendErr   error

	// When set, CreateOffer blocks until the channel is closed or ctx ends.
	gate chan struct{}
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		offer:  json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}`),
		answer: json.RawMessage(`{"type":"answer","sdp":"v=0\r\no=- 2 2 IN IP4 0.0.0.0\r\n"}`),
	}
}

func (p *fakePeer) record(op string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, peerCall{op: op, data: string(data)})
}

func (p *fakePeer) Initialize(_ []webrtc.ICEServer, h peer.Handlers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return peer.ErrAlreadyInitialized
	}
	p.initialized = true
	p.handlers = h
	p.calls = append(p.calls, peerCall{op: "initialize"})
	return nil
}

func (p *fakePeer) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

func (p *fakePeer) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	p.record("createOffer", nil)

	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offer, p.offerErr
}

func (p *fakePeer) AcceptOfferAndAnswer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	p.record("acceptOffer", offer)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answer, p.acceptErr
}

func (p *fakePeer) AcceptAnswer(_ context.Context, answer json.RawMessage) error {
	p.record("acceptAnswer", answer)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answerErr
}

func (p *fakePeer) AddRemoteCandidate(_ context.Context, candidate json.RawMessage) error {
	p.record("addCandidate", candidate)
	return nil
}

func (p *fakePeer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, payload)
	return nil
}

func (p *fakePeer) Close() error {
	return nil
}

func (p *fakePeer) callLog() []peerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]peerCall(nil), p.calls...)
}

func (p *fakePeer) handler() peer.Handlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeTransport, *fakePeer) {
	t.Helper()
	if cfg.RelayURL == "" {
		cfg.RelayURL = "ws://localhost:4444"
	}
	if cfg.Identity == "" {
		cfg.Identity = "alice"
	}
	tr, ps := newFakeTransport(), newFakePeer()
	c := New(cfg, tr, ps)
	t.Cleanup(func() { _ = c.Close() })
	return c, tr, ps
}

// openCoordinator connects c and delivers the Open event.
func openCoordinator(t *testing.T, c *Coordinator, tr *fakeTransport) {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.emitOpen()
	waitSnapshot(t, c, "state Open", func(s Snapshot) bool {
		return s.ConnectionState == signaling.StateOpen
	})
}

func waitSnapshot(t *testing.T, c *Coordinator, what string, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := c.Snapshot()
		if ok(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitCalls(t *testing.T, p *fakePeer, op string, n int) []peerCall {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var matched []peerCall
		for _, call := range p.callLog() {
			if call.op == op {
				matched = append(matched, call)
			}
		}
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s calls, got %d", n, op, len(matched))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// settle waits until every event and post queued so far has been handled.
func settle(t *testing.T, c *Coordinator, tr *fakeTransport) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(tr.events) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("transport events not drained")
		}
		time.Sleep(time.Millisecond)
	}
	c.Snapshot()
}
