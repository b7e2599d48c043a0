package swarm

import (
	"context"
	"time"

	"github.com/datallboy/goswarm/internal/wire"
)

type TransportState int

const (
	StateNew TransportState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the byte pipe to one remote peer. Send must not block on the
// network; implementations queue internally and report the backlog through
// BufferedAmount.
type Transport interface {
	Send(b []byte) error
	State() TransportState
	BufferedAmount() uint64
	Close() error
}

// TransportEvents receives inbound traffic and state changes of every
// transport. The Transport argument lets the receiver ignore replaced ones.
type TransportEvents interface {
	PeerMessage(peerID string, t Transport, data []byte)
	PeerState(peerID string, t Transport, state TransportState)
}

// Connector establishes peer transports out of band through the tracker.
type Connector interface {
	// Dial starts an outbound connection and returns the offer to relay.
	Dial(peerID string, events TransportEvents) (Transport, []byte, error)
	// Signal consumes a relayed payload. An offer yields a new transport and
	// an answer to send back, an answer completes a pending Dial and yields
	// neither.
	Signal(peerID string, payload []byte, events TransportEvents) (Transport, []byte, error)
}

// Tracker is one signaling connection, shared by every hash listing its URL.
type Tracker interface {
	Send(msg wire.TrackerMessage) error
	Close() error
}

// TrackerDialer opens a tracker connection. onMessage receives every inbound
// message, onClose fires once when the connection ends.
type TrackerDialer func(ctx context.Context, url string, onMessage func(wire.TrackerMessage), onClose func(error)) (Tracker, error)

// Timer is the part of *time.Timer the engine uses.
type Timer interface {
	Stop() bool
}

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
