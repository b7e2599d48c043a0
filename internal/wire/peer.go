package wire

// PeerType discriminates peer <-> peer messages.
type PeerType uint8

const (
	PeerPing PeerType = iota
	PeerRequest
	PeerChunk
	PeerStop
)

func (t PeerType) String() string {
	switch t {
	case PeerPing:
		return "ping"
	case PeerRequest:
		return "request"
	case PeerChunk:
		return "chunk"
	case PeerStop:
		return "stop"
	default:
		return "unknown"
	}
}

// PeerMessage is implemented by every message of the peer set.
type PeerMessage interface {
	PeerType() PeerType
}

type Ping struct {
	Nonce int64 `bencode:"nonce"`
}

// Request asks the remote peer for one whole chunk.
type Request struct {
	Hash    string `bencode:"hash"`
	Segment int    `bencode:"segment"`
	Chunk   int    `bencode:"chunk"`
}

// Chunk carries one fragment of a chunk. Offset is relative to the chunk start.
type Chunk struct {
	Hash    string `bencode:"hash"`
	Segment int    `bencode:"segment"`
	Chunk   int    `bencode:"chunk"`
	Offset  int    `bencode:"offset"`
	Data    []byte `bencode:"data"`
}

// Stop cancels the chunk currently being served.
type Stop struct {
	Hash    string `bencode:"hash"`
	Segment int    `bencode:"segment"`
	Chunk   int    `bencode:"chunk"`
}

func (Ping) PeerType() PeerType    { return PeerPing }
func (Request) PeerType() PeerType { return PeerRequest }
func (Chunk) PeerType() PeerType   { return PeerChunk }
func (Stop) PeerType() PeerType    { return PeerStop }
