// Package rtc carries peer traffic over WebRTC data channels. Signaling is
// non-trickle: every offer and answer holds the complete candidate set and
// travels as one tracker sdp message.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/swarm"
)

const (
	channelLabel     = "goswarm"
	gatheringTimeout = 10 * time.Second
)

var (
	ErrNoPendingDial = errors.New("answer without a pending dial")
	ErrGathering     = errors.New("ICE gathering timed out")
)

// Connector creates peer connections and matches answers to pending dials.
type Connector struct {
	localID string
	config  webrtc.Configuration
	log     *logger.Logger

	mu      sync.Mutex
	pending map[string]*Transport
}

func NewConnector(localID string, iceServers []string, log *logger.Logger) *Connector {
	if log == nil {
		log = logger.Nop()
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Connector{
		localID: localID,
		config:  cfg,
		log:     log,
		pending: make(map[string]*Transport),
	}
}

func (c *Connector) Dial(peerID string, events swarm.TransportEvents) (swarm.Transport, []byte, error) {
	pc, err := webrtc.NewPeerConnection(c.config)
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := newTransport(peerID, pc, events, c.log)

	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create data channel: %w", err)
	}
	t.attach(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create offer: %w", err)
	}

	payload, err := c.complete(pc, offer)
	if err != nil {
		pc.Close()
		return nil, nil, err
	}

	c.mu.Lock()
	c.pending[peerID] = t
	c.mu.Unlock()

	return t, payload, nil
}

func (c *Connector) Signal(peerID string, payload []byte, events swarm.TransportEvents) (swarm.Transport, []byte, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return nil, nil, fmt.Errorf("decode session description: %w", err)
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return c.answer(peerID, desc, events)
	case webrtc.SDPTypeAnswer:
		c.mu.Lock()
		t, ok := c.pending[peerID]
		delete(c.pending, peerID)
		c.mu.Unlock()

		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoPendingDial, peerID)
		}
		if err := t.pc.SetRemoteDescription(desc); err != nil {
			t.Close()
			return nil, nil, fmt.Errorf("apply answer: %w", err)
		}
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unexpected session description type %s", desc.Type)
	}
}

func (c *Connector) answer(peerID string, offer webrtc.SessionDescription, events swarm.TransportEvents) (swarm.Transport, []byte, error) {
	c.mu.Lock()
	if _, dialing := c.pending[peerID]; dialing {
		// Both sides dialed at once: the lower ID keeps its own offer
		if c.localID < peerID {
			c.mu.Unlock()
			c.log.Debug("Ignoring crossed offer from %s", peerID)
			return nil, nil, nil
		}
		delete(c.pending, peerID)
	}
	c.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(c.config)
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := newTransport(peerID, pc, events, c.log)
	pc.OnDataChannel(t.attach)

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("apply offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create answer: %w", err)
	}

	payload, err := c.complete(pc, answer)
	if err != nil {
		pc.Close()
		return nil, nil, err
	}
	return t, payload, nil
}

// complete sets the local description and waits for every candidate.
func (c *Connector) complete(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) ([]byte, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatheringTimeout):
		return nil, ErrGathering
	}

	return json.Marshal(pc.LocalDescription())
}
