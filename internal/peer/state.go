package peer

import (
	"errors"
	"fmt"
)

// State is the negotiation progress of a Session. It only moves forward;
// renegotiation is not supported.
type State int

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteAnswer
	StateHaveRemoteOffer
	StateHaveLocalAnswer
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteAnswer:
		return "have-remote-answer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateHaveLocalAnswer:
		return "have-local-answer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNegotiation is wrapped by every error produced while applying or
// creating session descriptions and candidates.
var ErrNegotiation = errors.New("negotiation failed")

var (
	ErrNotInitialized        = fmt.Errorf("%w: session not initialized", ErrNegotiation)
	ErrNegotiationInProgress = fmt.Errorf("%w: negotiation already in progress", ErrNegotiation)
	ErrInvalidState          = fmt.Errorf("%w: invalid state for this step", ErrNegotiation)
	ErrNoLocalOffer          = fmt.Errorf("%w: no local offer outstanding", ErrNegotiation)
	ErrClosed                = fmt.Errorf("%w: session closed", ErrNegotiation)

	ErrAlreadyInitialized = errors.New("peer session already initialized")
	ErrChannelNotOpen     = errors.New("data channel not open")
)
