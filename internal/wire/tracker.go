package wire

// TrackerType discriminates tracker <-> client messages.
type TrackerType uint8

const (
	TrackerKeepAlive TrackerType = iota
	TrackerHello
	TrackerWelcome
	TrackerAnnounce
	TrackerDenounce
	TrackerEnter
	TrackerLeave
	TrackerSdp
	TrackerRequest
	TrackerPoke
)

func (t TrackerType) String() string {
	switch t {
	case TrackerKeepAlive:
		return "keepalive"
	case TrackerHello:
		return "hello"
	case TrackerWelcome:
		return "welcome"
	case TrackerAnnounce:
		return "announce"
	case TrackerDenounce:
		return "denounce"
	case TrackerEnter:
		return "enter"
	case TrackerLeave:
		return "leave"
	case TrackerSdp:
		return "sdp"
	case TrackerRequest:
		return "request"
	case TrackerPoke:
		return "poke"
	default:
		return "unknown"
	}
}

// TrackerMessage is implemented by every message of the tracker set.
type TrackerMessage interface {
	TrackerType() TrackerType
}

type KeepAlive struct{}

// Hello opens a tracker session. The tracker answers with Welcome.
type Hello struct {
	PeerID string `bencode:"peer_id"`
	Agent  string `bencode:"agent,omitempty"`
}

type Welcome struct {
	PeerID    string `bencode:"peer_id"`
	KeepAlive int64  `bencode:"keepalive"` // seconds
}

// Announce publishes our bitmap for a content hash.
type Announce struct {
	Hash   string `bencode:"hash"`
	Bitmap []byte `bencode:"bitmap"`
}

type Denounce struct {
	Hash string `bencode:"hash"`
}

// Enter reports a peer present in a swarm, with its latest bitmap.
type Enter struct {
	Hash   string            `bencode:"hash"`
	PeerID string            `bencode:"peer_id"`
	Bitmap []byte            `bencode:"bitmap"`
	Meta   map[string]string `bencode:"meta,omitempty"`
}

type Leave struct {
	Hash   string `bencode:"hash"`
	PeerID string `bencode:"peer_id"`
}

// Sdp carries a signaling payload. PeerID is the target when sent and the
// origin when received.
type Sdp struct {
	Hash    string `bencode:"hash"`
	PeerID  string `bencode:"peer_id"`
	Payload []byte `bencode:"payload"`
}

// SwarmRequest asks the tracker to replay Enter for every peer in a swarm.
type SwarmRequest struct {
	Hash string `bencode:"hash"`
}

// Poke is an unsolicited bitmap sent to a peer believed to be interested.
type Poke struct {
	Hash   string `bencode:"hash"`
	PeerID string `bencode:"peer_id"`
	Bitmap []byte `bencode:"bitmap"`
}

func (KeepAlive) TrackerType() TrackerType    { return TrackerKeepAlive }
func (Hello) TrackerType() TrackerType        { return TrackerHello }
func (Welcome) TrackerType() TrackerType      { return TrackerWelcome }
func (Announce) TrackerType() TrackerType     { return TrackerAnnounce }
func (Denounce) TrackerType() TrackerType     { return TrackerDenounce }
func (Enter) TrackerType() TrackerType        { return TrackerEnter }
func (Leave) TrackerType() TrackerType        { return TrackerLeave }
func (Sdp) TrackerType() TrackerType          { return TrackerSdp }
func (SwarmRequest) TrackerType() TrackerType { return TrackerRequest }
func (Poke) TrackerType() TrackerType         { return TrackerPoke }
