package signaling

// ReadyState mirrors the standard WebSocket readiness numbering.
type ReadyState int

const (
	StateConnecting ReadyState = 0
	StateOpen       ReadyState = 1
	StateClosing    ReadyState = 2
	StateClosed     ReadyState = 3
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EventKind identifies a transport lifecycle or inbound event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventError
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered on Transport.Events. State is the socket readiness at
// the time the event fired.
type Event struct {
	Conn  uint64 // connection id returned by Transport.Connect
	Kind  EventKind
	State ReadyState
	Data  []byte // raw text frame, EventMessage only
	Err   error  // EventError only
}
