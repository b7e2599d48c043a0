// Package wire encodes the tracker and peer message sets.
//
// A frame is a one byte type discriminant followed by a bencoded payload.
package wire

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrUnknownMessage = errors.New("unknown message type")
)

func EncodeTracker(m TrackerMessage) ([]byte, error) {
	return encode(byte(m.TrackerType()), m)
}

func EncodePeer(m PeerMessage) ([]byte, error) {
	return encode(byte(m.PeerType()), m)
}

func DecodeTracker(b []byte) (TrackerMessage, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}

	var m TrackerMessage
	switch TrackerType(b[0]) {
	case TrackerKeepAlive:
		m = &KeepAlive{}
	case TrackerHello:
		m = &Hello{}
	case TrackerWelcome:
		m = &Welcome{}
	case TrackerAnnounce:
		m = &Announce{}
	case TrackerDenounce:
		m = &Denounce{}
	case TrackerEnter:
		m = &Enter{}
	case TrackerLeave:
		m = &Leave{}
	case TrackerSdp:
		m = &Sdp{}
	case TrackerRequest:
		m = &SwarmRequest{}
	case TrackerPoke:
		m = &Poke{}
	default:
		return nil, fmt.Errorf("%w: tracker type %d", ErrUnknownMessage, b[0])
	}

	if err := bencode.Unmarshal(b[1:], m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TrackerType(b[0]), err)
	}
	return m, nil
}

func DecodePeer(b []byte) (PeerMessage, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}

	var m PeerMessage
	switch PeerType(b[0]) {
	case PeerPing:
		m = &Ping{}
	case PeerRequest:
		m = &Request{}
	case PeerChunk:
		m = &Chunk{}
	case PeerStop:
		m = &Stop{}
	default:
		return nil, fmt.Errorf("%w: peer type %d", ErrUnknownMessage, b[0])
	}

	if err := bencode.Unmarshal(b[1:], m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", PeerType(b[0]), err)
	}
	return m, nil
}

func encode(kind byte, payload any) ([]byte, error) {
	body, err := bencode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode type %d: %w", kind, err)
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, kind)
	return append(out, body...), nil
}
