package aisstream

// ConnectionState is the client's position in the connect/subscribe/stream
// lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Subscribing
	Streaming
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalText keeps snapshots readable in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition reports whether from→to is a legal edge. Failure edges to
// Disconnected are legal from every state.
func canTransition(from, to ConnectionState) bool {
	if to == Disconnected {
		return true
	}
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Subscribing
	case Subscribing:
		return to == Streaming
	case Streaming:
		return to == Closing
	default:
		return false
	}
}
