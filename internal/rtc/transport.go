package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/swarm"
)

var ErrNotOpen = errors.New("data channel not open")

// Transport is one peer connection with a single ordered data channel.
type Transport struct {
	peerID string
	pc     *webrtc.PeerConnection
	events swarm.TransportEvents
	log    *logger.Logger

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	state swarm.TransportState
}

func newTransport(peerID string, pc *webrtc.PeerConnection, events swarm.TransportEvents, log *logger.Logger) *Transport {
	t := &Transport{
		peerID: peerID,
		pc:     pc,
		events: events,
		log:    log,
		state:  swarm.StateConnecting,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			t.log.Debug("Connection to %s is %s", peerID, s)
			t.Close()
		}
	})

	return t
}

func (t *Transport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		if t.setState(swarm.StateConnected) {
			t.events.PeerState(t.peerID, t, swarm.StateConnected)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.events.PeerMessage(t.peerID, t, msg.Data)
	})
	dc.OnClose(func() {
		t.Close()
	})
}

// setState moves forward only; it reports whether the state changed.
func (t *Transport) setState(s swarm.TransportState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state >= s {
		return false
	}
	t.state = s
	return true
}

func (t *Transport) Send(b []byte) error {
	t.mu.Lock()
	dc, state := t.dc, t.state
	t.mu.Unlock()

	if dc == nil || state != swarm.StateConnected {
		return ErrNotOpen
	}
	return dc.Send(b)
}

func (t *Transport) State() swarm.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) BufferedAmount() uint64 {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

func (t *Transport) Close() error {
	if !t.setState(swarm.StateClosed) {
		return nil
	}
	err := t.pc.Close()
	t.events.PeerState(t.peerID, t, swarm.StateClosed)
	return err
}
