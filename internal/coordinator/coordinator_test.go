package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

const bobOffer = `{"event":"offer","name":"bob","data":{"type":"offer","sdp":"..."}}`

func TestConnectOpenAndMakeOffer(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	snap := c.Snapshot()
	if snap.ConnectionState != signaling.StateConnecting {
		t.Errorf("state after Connect = %v, want Connecting", snap.ConnectionState)
	}
	if len(tr.connects) != 1 || tr.connects[0] != (connectCall{url: "ws://localhost:4444", identity: "alice"}) {
		t.Errorf("transport connects = %+v", tr.connects)
	}
	if !ps.Initialized() {
		t.Error("peer session not initialized by Connect")
	}

	tr.emitOpen()
	waitSnapshot(t, c, "state Open", func(s Snapshot) bool { return s.ConnectionState == signaling.StateOpen })

	if err := c.MakeOffer(context.Background()); err != nil {
		t.Fatalf("MakeOffer: %v", err)
	}

	sent := tr.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Event != signaling.EventOffer || sent[0].Name != "alice" {
		t.Errorf("sent %s from %q, want offer from alice", sent[0].Event, sent[0].Name)
	}
	if string(sent[0].Data) != string(ps.offer) {
		t.Errorf("offer data = %s, want %s", sent[0].Data, ps.offer)
	}
	if sent[0].Origin != c.Origin() || c.Origin() == "" {
		t.Errorf("origin = %q, want %q", sent[0].Origin, c.Origin())
	}
}

func TestInboundOfferBecomesPending(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	tr.emitMessage(bobOffer)
	snap := waitSnapshot(t, c, "pending offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })

	got := snap.PendingOffers[0]
	if got.Sender != "bob" {
		t.Errorf("sender = %q, want bob", got.Sender)
	}
	if string(got.Offer) != `{"type":"offer","sdp":"..."}` {
		t.Errorf("offer = %s", got.Offer)
	}
}

func TestAcceptOfferSendsAnswerAndConsumesEntry(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	tr.emitMessage(bobOffer)
	snap := waitSnapshot(t, c, "pending offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })

	if err := c.AcceptOffer(context.Background(), snap.PendingOffers[0].ID); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	calls := waitCalls(t, ps, "acceptOffer", 1)
	if calls[0].data != `{"type":"offer","sdp":"..."}` {
		t.Errorf("peer received offer %s", calls[0].data)
	}

	sent := tr.sentMessages()
	if len(sent) != 1 || sent[0].Event != signaling.EventAnswer {
		t.Fatalf("sent = %+v, want one answer", sent)
	}
	if string(sent[0].Data) != string(ps.answer) {
		t.Errorf("answer data = %s, want %s", sent[0].Data, ps.answer)
	}
	if n := len(c.Snapshot().PendingOffers); n != 0 {
		t.Errorf("pending offers after accept = %d, want 0", n)
	}
}

func TestMalformedMessageChangesNothing(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)
	before := c.Snapshot()
	drops := util.Stats.SignalsDrop.Load()

	tr.emitMessage("not json")
	tr.emitMessage(`{"event":"bye","data":{}}`)
	settle(t, c, tr)

	after := c.Snapshot()
	if after.ConnectionState != before.ConnectionState || len(after.PendingOffers) != 0 || after.Notice != before.Notice {
		t.Errorf("state changed: before %+v, after %+v", before, after)
	}
	if got := util.Stats.SignalsDrop.Load() - drops; got != 2 {
		t.Errorf("dropped %d frames, want 2", got)
	}
}

func TestDisconnectWithoutConnectionIsNoop(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if c.Snapshot().ConnectionState != signaling.StateClosed {
		t.Error("state changed by Disconnect without a connection")
	}
	if tr.disconnects != 2 {
		t.Errorf("transport disconnects = %d, want 2", tr.disconnects)
	}
}

func TestConnectionStateIsMonotonicPerConnect(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	staleConn := tr.lastConn()
	tr.emitClose()
	waitSnapshot(t, c, "state Closed", func(s Snapshot) bool { return s.ConnectionState == signaling.StateClosed })

	// Late events from the closed connection must not reopen it.
	tr.events <- signaling.Event{Conn: staleConn, Kind: signaling.EventOpen, State: signaling.StateOpen}
	settle(t, c, tr)
	if c.Snapshot().ConnectionState != signaling.StateClosed {
		t.Fatal("stale Open moved Closed back to Open")
	}

	// A new cycle ignores events of the previous connection.
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.events <- signaling.Event{Conn: staleConn, Kind: signaling.EventOpen, State: signaling.StateOpen}
	settle(t, c, tr)
	if got := c.Snapshot().ConnectionState; got != signaling.StateConnecting {
		t.Fatalf("state = %v, want Connecting", got)
	}

	tr.emitClose()
	waitSnapshot(t, c, "Connecting -> Closed", func(s Snapshot) bool { return s.ConnectionState == signaling.StateClosed })
}

func TestErrorEventSetsNoticeAndCloseFollows(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.events <- signaling.Event{Conn: tr.lastConn(), Kind: signaling.EventError, State: signaling.StateClosed, Err: errors.New("refused")}
	snap := waitSnapshot(t, c, "notice", func(s Snapshot) bool { return s.Notice != "" })
	if snap.ConnectionState != signaling.StateConnecting {
		t.Errorf("state after error = %v, want Connecting until Close", snap.ConnectionState)
	}

	tr.emitClose()
	waitSnapshot(t, c, "state Closed", func(s Snapshot) bool { return s.ConnectionState == signaling.StateClosed })
}

func TestPendingOffersKeepArrivalOrderWithoutDedup(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	for _, name := range []string{"A", "B", "A"} {
		tr.emitMessage(fmt.Sprintf(`{"event":"offer","name":%q,"data":{"type":"offer","sdp":"%s"}}`, name, name))
	}
	snap := waitSnapshot(t, c, "three offers", func(s Snapshot) bool { return len(s.PendingOffers) == 3 })

	for i, want := range []string{"A", "B", "A"} {
		if snap.PendingOffers[i].Sender != want {
			t.Errorf("offer %d from %q, want %q", i, snap.PendingOffers[i].Sender, want)
		}
	}
	if snap.PendingOffers[0].ID == snap.PendingOffers[2].ID {
		t.Error("repeated sender should get a distinct entry id")
	}
}

func TestOwnEchoIsDropped(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	own := c.Origin()
	tr.emitMessage(fmt.Sprintf(`{"event":"offer","name":"alice","origin":%q,"data":{"type":"offer","sdp":"x"}}`, own))
	tr.emitMessage(fmt.Sprintf(`{"event":"answer","origin":%q,"data":{"type":"answer","sdp":"x"}}`, own))
	tr.emitMessage(`{"event":"offer","name":"alice","origin":"someone-else","data":{"type":"offer","sdp":"y"}}`)

	snap := waitSnapshot(t, c, "foreign offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })
	if string(snap.PendingOffers[0].Offer) != `{"type":"offer","sdp":"y"}` {
		t.Errorf("admitted offer %s, want only the foreign one", snap.PendingOffers[0].Offer)
	}
	for _, call := range ps.callLog() {
		if call.op == "acceptAnswer" {
			t.Error("own answer echo reached the peer session")
		}
	}
}

func TestPendingOffersCapDropsOldest(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{MaxPendingOffers: 2})
	openCoordinator(t, c, tr)

	for _, name := range []string{"A", "B", "C"} {
		tr.emitMessage(fmt.Sprintf(`{"event":"offer","name":%q,"data":{}}`, name))
	}
	settle(t, c, tr)

	snap := c.Snapshot()
	if len(snap.PendingOffers) != 2 || snap.PendingOffers[0].Sender != "B" || snap.PendingOffers[1].Sender != "C" {
		t.Errorf("pending = %+v, want [B C]", snap.PendingOffers)
	}
}

func TestPendingOffersExpire(t *testing.T) {
	tr, ps := newFakeTransport(), newFakePeer()
	now := time.Unix(1000, 0)
	clock := make(chan time.Time, 1)
	clock <- now
	c := newCoordinator(Config{RelayURL: "ws://relay", Identity: "alice", PendingOfferTTL: time.Minute}, tr, ps, func() time.Time {
		ts := <-clock
		clock <- ts
		return ts
	})
	t.Cleanup(func() { _ = c.Close() })
	openCoordinator(t, c, tr)

	tr.emitMessage(`{"event":"offer","name":"old","data":{}}`)
	waitSnapshot(t, c, "first offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })

	<-clock
	clock <- now.Add(2 * time.Minute)

	tr.emitMessage(`{"event":"offer","name":"new","data":{}}`)
	snap := waitSnapshot(t, c, "second offer", func(s Snapshot) bool {
		return len(s.PendingOffers) == 1 && s.PendingOffers[0].Sender == "new"
	})
	if snap.PendingOffers[0].ReceivedAt != now.Add(2*time.Minute) {
		t.Errorf("ReceivedAt = %v", snap.PendingOffers[0].ReceivedAt)
	}
}

func TestExpiredOffersPublishedOnOtherMessages(t *testing.T) {
	tr, ps := newFakeTransport(), newFakePeer()
	now := time.Unix(1000, 0)
	clock := make(chan time.Time, 1)
	clock <- now
	c := newCoordinator(Config{RelayURL: "ws://relay", Identity: "alice", PendingOfferTTL: time.Minute}, tr, ps, func() time.Time {
		ts := <-clock
		clock <- ts
		return ts
	})
	t.Cleanup(func() { _ = c.Close() })
	openCoordinator(t, c, tr)

	tr.emitMessage(bobOffer)
	waitSnapshot(t, c, "pending offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })

	updates, cancel := c.Subscribe()
	defer cancel()
	<-updates

	<-clock
	clock <- now.Add(2 * time.Minute)
	tr.emitMessage(`{"event":"candidate","data":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}`)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case snap := <-updates:
			if len(snap.PendingOffers) == 0 {
				return
			}
		case <-timeout:
			t.Fatal("expired offer never published to subscribers")
		}
	}
}

func TestPendingOffersClearedOnClose(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	tr.emitMessage(bobOffer)
	waitSnapshot(t, c, "pending offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })

	tr.emitClose()
	snap := waitSnapshot(t, c, "state Closed", func(s Snapshot) bool { return s.ConnectionState == signaling.StateClosed })
	if len(snap.PendingOffers) != 0 {
		t.Errorf("pending offers survived disconnect: %+v", snap.PendingOffers)
	}
}

func TestCommandsRequireOpenConnection(t *testing.T) {
	c, _, ps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if err := c.MakeOffer(ctx); !errors.Is(err, ErrNotOpen) {
		t.Errorf("MakeOffer = %v, want ErrNotOpen", err)
	}
	if err := c.AcceptOffer(ctx, 1); !errors.Is(err, ErrNotOpen) {
		t.Errorf("AcceptOffer = %v, want ErrNotOpen", err)
	}
	if len(ps.callLog()) != 0 {
		t.Errorf("peer session touched: %+v", ps.callLog())
	}
}

func TestAcceptUnknownOffer(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	if err := c.AcceptOffer(context.Background(), 42); !errors.Is(err, ErrUnknownOffer) {
		t.Fatalf("AcceptOffer = %v, want ErrUnknownOffer", err)
	}
	// The failed lookup must not leave a negotiation marked as running.
	if err := c.MakeOffer(context.Background()); err != nil {
		t.Fatalf("MakeOffer after unknown offer: %v", err)
	}
}

func TestSecondNegotiationIsRejected(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)
	tr.emitMessage(bobOffer)
	snap := waitSnapshot(t, c, "pending offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })

	gate := make(chan struct{})
	ps.mu.Lock()
	ps.gate = gate
	ps.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- c.MakeOffer(context.Background()) }()
	waitCalls(t, ps, "createOffer", 1)

	if err := c.MakeOffer(context.Background()); !errors.Is(err, ErrNegotiationInProgress) {
		t.Errorf("second MakeOffer = %v, want ErrNegotiationInProgress", err)
	}
	if err := c.AcceptOffer(context.Background(), snap.PendingOffers[0].ID); !errors.Is(err, ErrNegotiationInProgress) {
		t.Errorf("AcceptOffer during offer = %v, want ErrNegotiationInProgress", err)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first MakeOffer: %v", err)
	}
	if n := len(c.Snapshot().PendingOffers); n != 1 {
		t.Errorf("rejected accept consumed the offer: %d left", n)
	}
}

func TestFailedAcceptKeepsPendingOffer(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)
	ps.mu.Lock()
	ps.acceptErr = fmt.Errorf("%w: bad sdp", peer.ErrNegotiation)
	ps.mu.Unlock()

	tr.emitMessage(bobOffer)
	snap := waitSnapshot(t, c, "pending offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 })

	err := c.AcceptOffer(context.Background(), snap.PendingOffers[0].ID)
	if !errors.Is(err, peer.ErrNegotiation) {
		t.Fatalf("AcceptOffer = %v, want negotiation error", err)
	}

	after := c.Snapshot()
	if len(after.PendingOffers) != 1 {
		t.Errorf("pending offers = %d, want 1", len(after.PendingOffers))
	}
	if after.Notice == "" {
		t.Error("failure not surfaced as a notice")
	}
	if len(tr.sentMessages()) != 0 {
		t.Error("answer sent despite failure")
	}
}

func TestSuccessfulNegotiationClearsNotice(t *testing.T) {
	ctx := context.Background()
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)
	ps.mu.Lock()
	ps.acceptErr = fmt.Errorf("%w: bad sdp", peer.ErrNegotiation)
	ps.mu.Unlock()

	tr.emitMessage(bobOffer)
	id := waitSnapshot(t, c, "pending offer", func(s Snapshot) bool { return len(s.PendingOffers) == 1 }).PendingOffers[0].ID

	if err := c.AcceptOffer(ctx, id); err == nil {
		t.Fatal("AcceptOffer succeeded, want failure")
	}
	if c.Snapshot().Notice == "" {
		t.Fatal("failure not surfaced as a notice")
	}

	if err := c.MakeOffer(ctx); err != nil {
		t.Fatalf("MakeOffer: %v", err)
	}
	if n := c.Snapshot().Notice; n != "" {
		t.Errorf("notice after a sent offer = %q, want empty", n)
	}

	if err := c.AcceptOffer(ctx, id); err == nil {
		t.Fatal("AcceptOffer succeeded, want failure")
	}
	if c.Snapshot().Notice == "" {
		t.Fatal("second failure not surfaced as a notice")
	}

	ps.mu.Lock()
	ps.acceptErr = nil
	ps.mu.Unlock()
	if err := c.AcceptOffer(ctx, id); err != nil {
		t.Fatalf("AcceptOffer retry: %v", err)
	}
	if n := c.Snapshot().Notice; n != "" {
		t.Errorf("notice after an accepted offer = %q, want empty", n)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{NegotiationTimeout: 50 * time.Millisecond})
	openCoordinator(t, c, tr)

	ps.mu.Lock()
	ps.gate = make(chan struct{})
	ps.mu.Unlock()

	if err := c.MakeOffer(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("MakeOffer = %v, want deadline exceeded", err)
	}

	ps.mu.Lock()
	ps.gate = nil
	ps.mu.Unlock()
	if err := c.MakeOffer(context.Background()); err != nil {
		t.Fatalf("MakeOffer after timeout: %v", err)
	}
}

func TestAnswerAndCandidatesReachPeerInOrder(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)

	tr.emitMessage(`{"event":"candidate","data":{"candidate":"c1"}}`)
	tr.emitMessage(`{"event":"answer","data":{"type":"answer","sdp":"a"}}`)
	tr.emitMessage(`{"event":"candidate","data":{"candidate":"c2"}}`)
	tr.emitMessage(`{"event":"candidate","data":{"candidate":"c3"}}`)
	waitCalls(t, ps, "addCandidate", 3)

	var got []string
	for _, call := range ps.callLog() {
		if call.op == "acceptAnswer" || call.op == "addCandidate" {
			got = append(got, call.data)
		}
	}
	want := []string{
		`{"candidate":"c1"}`,
		`{"type":"answer","sdp":"a"}`,
		`{"candidate":"c2"}`,
		`{"candidate":"c3"}`,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("peer calls = %v, want %v", got, want)
	}
}

func TestStrayAnswerIsNotANotice(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)
	ps.mu.Lock()
	ps.answerErr = peer.ErrNoLocalOffer
	ps.mu.Unlock()

	tr.emitMessage(`{"event":"answer","data":{"type":"answer","sdp":"a"}}`)
	waitCalls(t, ps, "acceptAnswer", 1)
	settle(t, c, tr)

	if n := c.Snapshot().Notice; n != "" {
		t.Errorf("notice = %q, want none", n)
	}
}

func TestLocalCandidatesBufferedUntilOpen(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h := ps.handler()
	h.OnICECandidate([]byte(`{"candidate":"early"}`))
	settle(t, c, tr)
	if n := len(tr.sentMessages()); n != 0 {
		t.Fatalf("candidate sent before Open: %d messages", n)
	}

	tr.emitOpen()
	waitSnapshot(t, c, "state Open", func(s Snapshot) bool { return s.ConnectionState == signaling.StateOpen })
	h.OnICECandidate([]byte(`{"candidate":"late"}`))
	settle(t, c, tr)

	sent := tr.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	for i, want := range []string{`{"candidate":"early"}`, `{"candidate":"late"}`} {
		if sent[i].Event != signaling.EventCandidate || string(sent[i].Data) != want {
			t.Errorf("message %d = %s %s, want candidate %s", i, sent[i].Event, sent[i].Data, want)
		}
	}
}

func TestChannelEventsUpdateState(t *testing.T) {
	c, tr, ps := newTestCoordinator(t, Config{})
	openCoordinator(t, c, tr)
	h := ps.handler()

	h.OnChannelOpen("dataChannel")
	waitSnapshot(t, c, "channel open", func(s Snapshot) bool { return s.ChannelOpen })

	h.OnChannelMessage([]byte(`{"x":3,"y":4}`))
	snap := waitSnapshot(t, c, "payload", func(s Snapshot) bool { return s.LastPayload != nil })
	if string(snap.LastPayload) != `{"x":3,"y":4}` {
		t.Errorf("last payload = %s", snap.LastPayload)
	}

	h.OnChannelClose()
	waitSnapshot(t, c, "channel closed", func(s Snapshot) bool { return !s.ChannelOpen })
}

func TestSendPayload(t *testing.T) {
	c, _, ps := newTestCoordinator(t, Config{})

	if err := c.SendPayload([]byte(`{"x":0,"y":0}`)); err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	ps.mu.Lock()
	ps.sendErr = peer.ErrChannelNotOpen
	ps.mu.Unlock()
	if err := c.SendPayload([]byte("x")); !errors.Is(err, peer.ErrChannelNotOpen) {
		t.Errorf("SendPayload = %v, want ErrChannelNotOpen", err)
	}
}

func TestSettersAndSubscribe(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, Config{})

	updates, cancel := c.Subscribe()
	defer cancel()
	if first := <-updates; first.Identity != "alice" {
		t.Errorf("initial snapshot identity = %q", first.Identity)
	}

	if err := c.SetIdentity("carol"); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	if err := c.SetRelayURL("ws://relay.example:9000"); err != nil {
		t.Fatalf("SetRelayURL: %v", err)
	}

	select {
	case snap := <-updates:
		if snap.Identity != "carol" || snap.RelayURL != "ws://relay.example:9000" {
			t.Errorf("latest snapshot = %+v", snap)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot after setters")
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.connects[0] != (connectCall{url: "ws://relay.example:9000", identity: "carol"}) {
		t.Errorf("connect used %+v", tr.connects[0])
	}
}

func TestClose(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	updates, _ := c.Subscribe()
	<-updates

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-updates; ok {
		t.Error("subscription not closed")
	}
	if err := c.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
