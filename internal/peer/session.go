// Package peer wraps a single pion PeerConnection and its data channel and
// exposes the offer/answer/candidate steps of one negotiation.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/util"
)

// ChannelLabel is the label of the data channel created at Initialize.
const ChannelLabel = "dataChannel"

// Handlers receives asynchronous events from pion. Every field is optional.
// Handlers run on pion goroutines and must not block.
type Handlers struct {
	OnICECandidate   func(candidate json.RawMessage)
	OnChannelOpen    func(label string)
	OnChannelMessage func(payload []byte)
	OnChannelClose   func()
	OnChannelError   func(err error)
	OnStateChange    func(state webrtc.PeerConnectionState)
}

// Session is one peer connection plus its data channels.
//
// Remote candidates that arrive before a remote description are queued and
// applied in arrival order once one is set.
type Session struct {
	api *webrtc.API

	// negMu serializes negotiation steps and guards the fields below it.
	negMu     sync.Mutex
	remoteSet bool
	queue     []webrtc.ICECandidateInit

	// mu guards pc, the channels and state. It is the only lock taken from
	// pion callbacks.
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	active     *webrtc.DataChannel
	channels   []*webrtc.DataChannel
	state      State
	iceServers []webrtc.ICEServer
	handlers   Handlers

	addCandidate        func(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) error
	setLocalDescription func(pc *webrtc.PeerConnection, d webrtc.SessionDescription) error
}

// New creates an uninitialized Session. A nil api uses pion's defaults.
func New(api *webrtc.API) *Session {
	if api == nil {
		api = webrtc.NewAPI()
	}
	return &Session{
		api:                 api,
		addCandidate:        (*webrtc.PeerConnection).AddICECandidate,
		setLocalDescription: (*webrtc.PeerConnection).SetLocalDescription,
	}
}

// Initialize creates the peer connection and the local data channel and
// registers h. It fails with ErrAlreadyInitialized on a second call.
func (s *Session) Initialize(iceServers []webrtc.ICEServer, h Handlers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc != nil || s.state == StateClosed {
		return ErrAlreadyInitialized
	}

	s.iceServers = iceServers
	s.handlers = h
	return s.openLocked()
}

// openLocked creates the peer connection and the local data channel from
// the stored ICE servers and handlers. Caller holds mu.
func (s *Session) openLocked() error {
	h := s.handlers

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(ChannelLabel, nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create data channel: %w", err)
	}

	s.pc = pc
	s.active = dc
	s.channels = []*webrtc.DataChannel{dc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering and is not forwarded.
		if c == nil {
			util.LogDebug("ICE gathering complete")
			return
		}
		if !s.owns(pc) {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			util.LogWarning("failed to encode local candidate: %v", err)
			return
		}
		if h.OnICECandidate != nil {
			h.OnICECandidate(raw)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		util.LogInfo("remote data channel announced: %s", dc.Label())
		s.mu.Lock()
		if s.pc != pc {
			s.mu.Unlock()
			return
		}
		s.active = dc
		s.channels = append(s.channels, dc)
		s.mu.Unlock()
		s.wireChannel(pc, dc, h)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogInfo("PeerConnection state: %s", state.String())
		s.mu.Lock()
		current := s.pc == pc
		if current && state == webrtc.PeerConnectionStateConnected {
			s.advanceLocked(StateConnected)
		}
		s.mu.Unlock()
		if current && h.OnStateChange != nil {
			h.OnStateChange(state)
		}
	})

	s.wireChannel(pc, dc, h)
	return nil
}

// wireChannel registers the channel callbacks. Every channel, local or
// remote, reports through the same handlers. Close is reported only once no
// channel of the session remains open.
func (s *Session) wireChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, h Handlers) {
	dc.OnOpen(func() {
		util.LogInfo("data channel open: %s", dc.Label())
		if h.OnChannelOpen != nil && s.owns(pc) {
			h.OnChannelOpen(dc.Label())
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddPayloadRecv(len(msg.Data))
		if h.OnChannelMessage != nil && s.owns(pc) {
			h.OnChannelMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		util.LogInfo("data channel closed: %s", dc.Label())
		s.mu.Lock()
		report := s.pc == pc && !s.anyOpenExceptLocked(dc)
		s.mu.Unlock()
		if report && h.OnChannelClose != nil {
			h.OnChannelClose()
		}
	})
	dc.OnError(func(err error) {
		util.LogWarning("data channel error: %v", err)
		if h.OnChannelError != nil && s.owns(pc) {
			h.OnChannelError(err)
		}
	})
}

// owns reports whether pc is still the session's peer connection.
func (s *Session) owns(pc *webrtc.PeerConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc == pc
}

func (s *Session) anyOpenExceptLocked(closed *webrtc.DataChannel) bool {
	for _, dc := range s.channels {
		if dc != closed && dc.ReadyState() == webrtc.DataChannelStateOpen {
			return true
		}
	}
	return false
}

// ChannelOpen reports whether any data channel is open.
func (s *Session) ChannelOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openChannelLocked() != nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer creates an offer and applies it as the local description.
func (s *Session) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if !s.negMu.TryLock() {
		return nil, ErrNegotiationInProgress
	}
	defer s.negMu.Unlock()

	pc, state := s.current()
	switch {
	case pc == nil:
		return nil, ErrNotInitialized
	case state == StateHaveLocalOffer:
		return nil, ErrNegotiationInProgress
	case state != StateNew:
		return nil, fmt.Errorf("%w: cannot offer in state %s", ErrInvalidState, state)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	if err := s.setLocalDescription(pc, offer); err != nil {
		return nil, fmt.Errorf("%w: set local offer: %w", ErrNegotiation, err)
	}
	s.advance(StateHaveLocalOffer)

	return encodeDescription(offer)
}

// AcceptOfferAndAnswer applies a remote offer, flushes queued candidates,
// then creates and applies the answer. ctx is only honoured until the offer
// is applied; a later failure resets the session to StateNew.
func (s *Session) AcceptOfferAndAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	if !s.negMu.TryLock() {
		return nil, ErrNegotiationInProgress
	}
	defer s.negMu.Unlock()

	pc, state := s.current()
	switch {
	case pc == nil:
		return nil, ErrNotInitialized
	case s.remoteSet || state != StateNew:
		return nil, fmt.Errorf("%w: cannot accept an offer in state %s", ErrInvalidState, state)
	}

	desc, err := decodeDescription(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("%w: set remote offer: %w", ErrNegotiation, err)
	}
	s.remoteSet = true
	s.advance(StateHaveRemoteOffer)
	s.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.reset(pc)
		return nil, fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
	}
	if err := s.setLocalDescription(pc, answer); err != nil {
		s.reset(pc)
		return nil, fmt.Errorf("%w: set local answer: %w", ErrNegotiation, err)
	}
	s.advance(StateHaveLocalAnswer)

	return encodeDescription(answer)
}

// reset replaces a peer connection left half-negotiated by a failed answer
// with a fresh one in StateNew. If that fails the session is left
// uninitialized. Caller holds negMu.
func (s *Session) reset(old *webrtc.PeerConnection) {
	s.remoteSet = false
	s.queue = nil

	s.mu.Lock()
	if s.pc != old || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.pc, s.active, s.channels = nil, nil, nil
	s.state = StateNew
	err := s.openLocked()
	s.mu.Unlock()

	if cerr := old.Close(); cerr != nil {
		util.LogDebug("closing abandoned peer connection: %v", cerr)
	}
	if err != nil {
		util.LogError("failed to reset peer session: %v", err)
		return
	}
	util.LogInfo("peer session reset after failed negotiation")
}

// AcceptAnswer applies the remote answer to our outstanding offer and
// flushes queued candidates.
func (s *Session) AcceptAnswer(ctx context.Context, answer json.RawMessage) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	pc, state := s.current()
	switch {
	case pc == nil:
		return ErrNotInitialized
	case state != StateHaveLocalOffer || s.remoteSet:
		return ErrNoLocalOffer
	}

	desc, err := decodeDescription(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote answer: %w", ErrNegotiation, err)
	}
	s.remoteSet = true
	s.advance(StateHaveRemoteAnswer)
	s.flushCandidates(pc)
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate, or queues it until a
// remote description is set.
func (s *Session) AddRemoteCandidate(ctx context.Context, candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("%w: decode candidate: %w", ErrNegotiation, err)
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	pc, _ := s.current()
	if pc == nil {
		return ErrNotInitialized
	}

	if !s.remoteSet {
		s.queue = append(s.queue, init)
		util.LogDebug("queued remote candidate (%d pending)", len(s.queue))
		return nil
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	if err := s.addCandidate(pc, init); err != nil {
		return fmt.Errorf("%w: add candidate: %w", ErrNegotiation, err)
	}
	return nil
}

// flushCandidates applies every queued candidate in arrival order. A
// candidate that fails is logged and the flush continues.
func (s *Session) flushCandidates(pc *webrtc.PeerConnection) {
	queued := s.queue
	s.queue = nil

	for i, c := range queued {
		if err := s.addCandidate(pc, c); err != nil {
			util.LogWarning("failed to apply queued candidate %d/%d: %v", i+1, len(queued), err)
		}
	}
	if len(queued) > 0 {
		util.LogDebug("flushed %d queued remote candidates", len(queued))
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send writes payload as a text message on the active data channel.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	dc := s.openChannelLocked()
	s.mu.Unlock()

	if dc == nil {
		return ErrChannelNotOpen
	}
	if err := dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("failed to send payload: %w", err)
	}
	util.Stats.AddPayloadSent(len(payload))
	return nil
}

// openChannelLocked prefers the active channel and falls back to any other
// open one.
func (s *Session) openChannelLocked() *webrtc.DataChannel {
	if s.active != nil && s.active.ReadyState() == webrtc.DataChannelStateOpen {
		return s.active
	}
	for _, dc := range s.channels {
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			return dc
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialized reports whether Initialize has succeeded.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc != nil
}

// Close shuts down the peer connection and its data channels. The session
// cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	pc := s.pc
	s.state = StateClosed
	s.mu.Unlock()

	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (s *Session) current() (*webrtc.PeerConnection, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc, s.state
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	s.advanceLocked(to)
	s.mu.Unlock()
}

// advanceLocked never moves a connected or closed session backwards.
func (s *Session) advanceLocked(to State) {
	if s.state == StateConnected || s.state == StateClosed {
		return
	}
	s.state = to
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func encodeDescription(desc webrtc.SessionDescription) (json.RawMessage, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrNegotiation, desc.Type, err)
	}
	return raw, nil
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("%w: decode %s: %w", ErrNegotiation, want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: expected %s, got %s", ErrNegotiation, want, desc.Type)
	}
	return desc, nil
}
