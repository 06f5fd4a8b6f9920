// Package coordinator drives one signaling session: it owns the relay
// connection state and the pending offers, routes inbound signaling messages
// to the peer session, and publishes snapshots of its state to the UI.
//
// All state is owned by a single event-loop goroutine. Commands, transport
// events and peer callbacks are posted into the loop; negotiation steps run
// on a separate FIFO worker so the loop never waits on the WebRTC engine.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	DefaultMaxPendingOffers = 32
	opsBuffer               = 256
)

var (
	ErrNotOpen               = errors.New("relay connection is not open")
	ErrNegotiationInProgress = errors.New("a negotiation is already in progress")
	ErrUnknownOffer          = errors.New("no such pending offer")
	ErrClosed                = errors.New("coordinator closed")
)

// SignalingTransport is the relay connection used by the Coordinator.
type SignalingTransport interface {
	Connect(endpointURL, identity string) uint64
	Disconnect()
	Send(msg signaling.Message) error
	Events() <-chan signaling.Event
}

// PeerSession is the WebRTC side of the negotiation.
type PeerSession interface {
	Initialize(iceServers []webrtc.ICEServer, h peer.Handlers) error
	Initialized() bool
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptOfferAndAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	AddRemoteCandidate(ctx context.Context, candidate json.RawMessage) error
	Send(payload []byte) error
	Close() error
}

// Config holds the initial settings of a Coordinator.
type Config struct {
	RelayURL   string
	Identity   string
	ICEServers []webrtc.ICEServer

	MaxPendingOffers   int           // oldest entries are dropped beyond this; 0 means DefaultMaxPendingOffers
	PendingOfferTTL    time.Duration // 0 keeps offers until consumed or disconnected
	NegotiationTimeout time.Duration // 0 lets a negotiation step wait indefinitely
}

// PendingOffer is an offer received from another peer and not yet accepted.
type PendingOffer struct {
	ID         uint64
	Sender     string
	Offer      json.RawMessage
	ReceivedAt time.Time
}

// Snapshot is a copy of the observable state.
type Snapshot struct {
	ConnectionState signaling.ReadyState
	Identity        string
	RelayURL        string
	PendingOffers   []PendingOffer
	LastPayload     []byte
	ChannelOpen     bool
	PeerState       string
	Notice          string
}

// Coordinator mediates between the relay transport and the peer session.
type Coordinator struct {
	cfg    Config
	tr     SignalingTransport
	ps     PeerSession
	origin string
	now    func() time.Time

	ops    chan func()
	work   *worker
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// Owned by the event loop.
	state       signaling.ReadyState
	conn        uint64
	identity    string
	relayURL    string
	pending     []PendingOffer
	nextOfferID uint64
	lastPayload []byte
	channelOpen bool
	peerState   string
	notice      string
	negotiating bool
	outbox      []json.RawMessage
	subs        map[int]chan Snapshot
	nextSub     int
}

// New creates a Coordinator and starts its event loop and negotiation
// worker. Call Close at application exit.
func New(cfg Config, tr SignalingTransport, ps PeerSession) *Coordinator {
	return newCoordinator(cfg, tr, ps, time.Now)
}

func newCoordinator(cfg Config, tr SignalingTransport, ps PeerSession, now func() time.Time) *Coordinator {
	if cfg.MaxPendingOffers <= 0 {
		cfg.MaxPendingOffers = DefaultMaxPendingOffers
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		tr:        tr,
		ps:        ps,
		origin:    uuid.NewString(),
		now:       now,
		ops:       make(chan func(), opsBuffer),
		work:      newWorker(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     signaling.StateClosed,
		identity:  cfg.Identity,
		relayURL:  cfg.RelayURL,
		peerState: webrtc.PeerConnectionStateNew.String(),
		subs:      make(map[int]chan Snapshot),
	}

	c.wg.Add(2)
	go c.loop()
	go func() {
		defer c.wg.Done()
		c.work.run(c.done)
	}()

	return c
}

// Origin returns the tag stamped on every outbound message.
func (c *Coordinator) Origin() string {
	return c.origin
}

// Close stops the loop and the worker and closes the peer session. Safe to
// call multiple times.
func (c *Coordinator) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		c.wg.Wait()

		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.tr.Disconnect()
		err = c.ps.Close()
	})
	return err
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (c *Coordinator) loop() {
	defer c.wg.Done()

	events := c.tr.Events()
	for {
		select {
		case fn := <-c.ops:
			fn()
		case ev := <-events:
			c.handleEvent(ev)
		case <-c.done:
			return
		}
	}
}

// post schedules fn on the event loop. It reports false once the
// Coordinator is closed.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.ops <- fn:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the event loop and waits for it to finish.
func (c *Coordinator) do(fn func()) error {
	ran := make(chan struct{})
	if !c.post(func() {
		fn()
		close(ran)
	}) {
		return ErrClosed
	}

	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) handleEvent(ev signaling.Event) {
	if ev.Conn != c.conn {
		util.LogDebug("ignoring %s event from stale connection %d", ev.Kind, ev.Conn)
		return
	}

	switch ev.Kind {
	case signaling.EventOpen:
		if c.state != signaling.StateConnecting {
			return
		}
		c.state = signaling.StateOpen
		c.flushOutbox()
		c.publish()

	case signaling.EventError:
		c.setNotice("relay connection error: %v", ev.Err)
		c.publish()

	case signaling.EventClose:
		c.state = signaling.StateClosed
		c.conn = 0
		if len(c.pending) > 0 {
			util.LogInfo("discarding %d pending offers", len(c.pending))
			c.pending = nil
		}
		c.publish()

	case signaling.EventMessage:
		c.route(ev.Data)
	}
}

// route dispatches one inbound signaling frame by its event.
func (c *Coordinator) route(raw []byte) {
	msg, err := signaling.ParseMessage(raw)
	switch {
	case errors.Is(err, signaling.ErrUnknownEvent):
		util.LogWarning("ignoring signaling message with unknown event %q", msg.Event)
		util.Stats.AddSignalDrop()
		return
	case err != nil:
		util.LogWarning("dropping signaling message: %v", err)
		util.Stats.AddSignalDrop()
		return
	}

	if msg.Origin != "" && msg.Origin == c.origin {
		util.LogDebug("dropping echo of own %s", msg.Event)
		util.Stats.AddSignalDrop()
		return
	}

	// Offers publish below; other events publish only if offers expired.
	if c.prunePending() && msg.Event != signaling.EventOffer {
		c.publish()
	}

	switch msg.Event {
	case signaling.EventOffer:
		c.addPending(msg.Name, msg.Data)
		c.publish()

	case signaling.EventAnswer:
		answer := msg.Data
		c.enqueue(func(ctx context.Context) {
			err := c.ps.AcceptAnswer(ctx, answer)
			c.post(func() { c.answerApplied(err) })
		})

	case signaling.EventCandidate:
		candidate := msg.Data
		c.enqueue(func(ctx context.Context) {
			if err := c.ps.AddRemoteCandidate(ctx, candidate); err != nil {
				util.LogWarning("failed to add remote candidate: %v", err)
			}
		})
	}
}

func (c *Coordinator) answerApplied(err error) {
	switch {
	case err == nil:
		util.LogInfo("remote answer applied")
		c.notice = ""
		c.publish()
	case errors.Is(err, peer.ErrNoLocalOffer):
		// Answers to other peers' offers reach us through the broadcast relay.
		util.LogDebug("ignoring answer: %v", err)
	default:
		c.setNotice("failed to apply answer: %v", err)
		c.publish()
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// SetRelayURL sets the relay endpoint used by the next Connect.
func (c *Coordinator) SetRelayURL(url string) error {
	return c.do(func() {
		c.relayURL = url
		c.publish()
	})
}

// SetIdentity sets the name used by the next Connect and by outbound offers.
func (c *Coordinator) SetIdentity(name string) error {
	return c.do(func() {
		c.identity = name
		c.publish()
	})
}

// Connect initializes the peer session if needed and starts connecting to
// the relay. The outcome is observed through Snapshot.
func (c *Coordinator) Connect() error {
	return c.do(func() {
		if !c.ps.Initialized() {
			if err := c.ps.Initialize(c.cfg.ICEServers, c.peerHandlers()); err != nil {
				c.setNotice("failed to initialize peer session: %v", err)
			}
		}

		c.state = signaling.StateConnecting
		c.conn = c.tr.Connect(c.relayURL, c.identity)
		util.LogInfo("connecting to %s as %q", c.relayURL, c.identity)
		c.publish()
	})
}

// Disconnect closes the relay connection. The peer session and any running
// negotiation are left alone.
func (c *Coordinator) Disconnect() error {
	return c.do(c.tr.Disconnect)
}

// MakeOffer creates an offer and publishes it to the relay. It waits until
// the offer is sent or the step fails.
func (c *Coordinator) MakeOffer(ctx context.Context) error {
	result := make(chan error, 1)

	err := c.do(func() {
		if err := c.beginNegotiation("make offer"); err != nil {
			result <- err
			return
		}
		identity := c.identity

		c.enqueueWith(ctx, func(ctx context.Context) {
			offer, err := c.ps.CreateOffer(ctx)
			c.post(func() {
				c.negotiating = false
				if err != nil {
					c.setNotice("failed to create offer: %v", err)
					c.publish()
					result <- err
					return
				}
				if err := c.send(signaling.Message{Event: signaling.EventOffer, Name: identity, Data: offer}); err != nil {
					result <- err
					return
				}
				c.notice = ""
				c.publish()
				result <- nil
			})
		})
	})
	if err != nil {
		return err
	}

	return c.wait(ctx, result)
}

// AcceptOffer answers the pending offer with the given id. The entry is
// removed only once the answer has been sent.
func (c *Coordinator) AcceptOffer(ctx context.Context, id uint64) error {
	result := make(chan error, 1)

	err := c.do(func() {
		if err := c.beginNegotiation("accept offer"); err != nil {
			result <- err
			return
		}
		if c.prunePending() {
			c.publish()
		}
		entry, ok := c.findPending(id)
		if !ok {
			c.negotiating = false
			result <- fmt.Errorf("%w: %d", ErrUnknownOffer, id)
			return
		}

		c.enqueueWith(ctx, func(ctx context.Context) {
			answer, err := c.ps.AcceptOfferAndAnswer(ctx, entry.Offer)
			c.post(func() {
				c.negotiating = false
				if err != nil {
					c.setNotice("failed to accept offer from %q: %v", entry.Sender, err)
					c.publish()
					result <- err
					return
				}
				if err := c.send(signaling.Message{Event: signaling.EventAnswer, Data: answer}); err != nil {
					result <- err
					return
				}
				c.removePending(entry.ID)
				util.LogInfo("answered offer from %q", entry.Sender)
				c.notice = ""
				c.publish()
				result <- nil
			})
		})
	})
	if err != nil {
		return err
	}

	return c.wait(ctx, result)
}

// SendPayload writes payload to the peer over the data channel.
func (c *Coordinator) SendPayload(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.ps.Send(payload)
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	var snap Snapshot
	if err := c.do(func() { snap = c.snapshot() }); err != nil {
		return Snapshot{ConnectionState: signaling.StateClosed}
	}
	return snap
}

// Subscribe returns a channel that receives a snapshot after every state
// change. Slow readers only see the latest one. The returned func cancels
// the subscription.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	id := -1

	err := c.do(func() {
		id = c.nextSub
		c.nextSub++
		c.subs[id] = ch
		ch <- c.snapshot()
	})
	if err != nil {
		close(ch)
		return ch, func() {}
	}

	return ch, func() {
		c.post(func() {
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Coordinator) beginNegotiation(what string) error {
	if c.state != signaling.StateOpen {
		util.LogWarning("%s ignored: relay connection is %s", what, c.state)
		return ErrNotOpen
	}
	if c.negotiating {
		return ErrNegotiationInProgress
	}
	c.negotiating = true
	return nil
}

func (c *Coordinator) wait(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// ---------------------------------------------------------------------------
// Negotiation tasks
// ---------------------------------------------------------------------------

func (c *Coordinator) enqueue(task func(ctx context.Context)) {
	c.enqueueWith(context.Background(), task)
}

// enqueueWith queues task on the worker. Its context ends when parent ends,
// when the Coordinator closes, or after NegotiationTimeout.
func (c *Coordinator) enqueueWith(parent context.Context, task func(ctx context.Context)) {
	c.work.enqueue(func() {
		ctx, cancel := context.WithCancel(parent)
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()

		if c.cfg.NegotiationTimeout > 0 {
			var cancelTimeout context.CancelFunc
			ctx, cancelTimeout = context.WithTimeout(ctx, c.cfg.NegotiationTimeout)
			defer cancelTimeout()
		}

		task(ctx)
	})
}

// ---------------------------------------------------------------------------
// Peer callbacks
// ---------------------------------------------------------------------------

func (c *Coordinator) peerHandlers() peer.Handlers {
	return peer.Handlers{
		OnICECandidate: func(candidate json.RawMessage) {
			c.post(func() { c.sendCandidate(candidate) })
		},
		OnChannelOpen: func(string) {
			c.post(func() {
				c.channelOpen = true
				c.publish()
			})
		},
		OnChannelMessage: func(payload []byte) {
			payload = append([]byte(nil), payload...)
			c.post(func() {
				c.lastPayload = payload
				c.publish()
			})
		},
		OnChannelClose: func() {
			c.post(func() {
				c.channelOpen = false
				c.publish()
			})
		},
		OnChannelError: func(err error) {
			c.post(func() {
				c.setNotice("data channel error: %v", err)
				c.publish()
			})
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			c.post(func() {
				c.peerState = state.String()
				c.publish()
			})
		},
	}
}

// sendCandidate forwards a local candidate, holding it until the relay is
// open.
func (c *Coordinator) sendCandidate(candidate json.RawMessage) {
	if c.state != signaling.StateOpen {
		c.outbox = append(c.outbox, candidate)
		return
	}
	if err := c.send(signaling.Message{Event: signaling.EventCandidate, Data: candidate}); err != nil {
		c.outbox = append(c.outbox, candidate)
	}
}

func (c *Coordinator) flushOutbox() {
	queued := c.outbox
	c.outbox = nil
	for _, candidate := range queued {
		c.sendCandidate(candidate)
	}
}

// ---------------------------------------------------------------------------
// State helpers (event loop only)
// ---------------------------------------------------------------------------

func (c *Coordinator) send(msg signaling.Message) error {
	msg.Origin = c.origin
	if err := c.tr.Send(msg); err != nil {
		c.setNotice("failed to send %s: %v", msg.Event, err)
		c.publish()
		return err
	}
	return nil
}

func (c *Coordinator) setNotice(format string, args ...any) {
	c.notice = fmt.Sprintf(format, args...)
	util.LogWarning("%s", c.notice)
}

func (c *Coordinator) addPending(sender string, offer json.RawMessage) {
	c.nextOfferID++
	c.pending = append(c.pending, PendingOffer{
		ID:         c.nextOfferID,
		Sender:     sender,
		Offer:      offer,
		ReceivedAt: c.now(),
	})
	util.LogInfo("offer received from %q", sender)

	if over := len(c.pending) - c.cfg.MaxPendingOffers; over > 0 {
		util.LogWarning("pending offers full, dropping %d oldest", over)
		c.pending = append([]PendingOffer(nil), c.pending[over:]...)
	}
}

// prunePending drops expired offers and reports whether any were dropped.
func (c *Coordinator) prunePending() bool {
	if c.cfg.PendingOfferTTL <= 0 {
		return false
	}
	cutoff := c.now().Add(-c.cfg.PendingOfferTTL)
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.ReceivedAt.After(cutoff) {
			kept = append(kept, p)
		}
	}
	dropped := len(c.pending) - len(kept)
	if dropped > 0 {
		util.LogDebug("expired %d pending offers", dropped)
	}
	c.pending = kept
	return dropped > 0
}

func (c *Coordinator) findPending(id uint64) (PendingOffer, bool) {
	for _, p := range c.pending {
		if p.ID == id {
			return p, true
		}
	}
	return PendingOffer{}, false
}

func (c *Coordinator) removePending(id uint64) {
	for i, p := range c.pending {
		if p.ID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) snapshot() Snapshot {
	pending := make([]PendingOffer, len(c.pending))
	copy(pending, c.pending)

	var last []byte
	if c.lastPayload != nil {
		last = append([]byte(nil), c.lastPayload...)
	}

	return Snapshot{
		ConnectionState: c.state,
		Identity:        c.identity,
		RelayURL:        c.relayURL,
		PendingOffers:   pending,
		LastPayload:     last,
		ChannelOpen:     c.channelOpen,
		PeerState:       c.peerState,
		Notice:          c.notice,
	}
}

// publish hands the latest snapshot to every subscriber without blocking.
func (c *Coordinator) publish() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshot()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
