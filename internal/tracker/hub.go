package tracker

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/segmentio/ksuid"

	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/wire"
)

type hubPeer struct {
	id     string
	agent  string
	conn   *websocket.Conn
	out    chan []byte
	hashes map[string]struct{}
}

// Hub is the tracker server. It keeps the member bitmaps of every swarm and
// relays signaling between members.
type Hub struct {
	keepAlive time.Duration
	log       *logger.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	peers  map[string]*hubPeer
	swarms map[string]map[string][]byte
}

func NewHub(keepAlive time.Duration, log *logger.Logger) *Hub {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		keepAlive: keepAlive,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:  make(map[string]*hubPeer),
		swarms: make(map[string]map[string][]byte),
	}
}

// RegisterRoutes mounts the websocket endpoint and a stats endpoint.
func (h *Hub) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Handle)
	e.GET("/stats", h.HandleStats)
}

func (h *Hub) Handle(c *echo.Context) error {
	h.ServeHTTP(c.Response(), c.Request())
	return nil
}

type SwarmStats struct {
	Hash    string `json:"hash"`
	Members int    `json:"members"`
}

type Stats struct {
	Peers  int          `json:"peers"`
	Swarms []SwarmStats `json:"swarms"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Stats{Peers: len(h.peers), Swarms: make([]SwarmStats, 0, len(h.swarms))}
	for hash, members := range h.swarms {
		st.Swarms = append(st.Swarms, SwarmStats{Hash: hash, Members: len(members)})
	}
	sort.Slice(st.Swarms, func(i, j int) bool { return st.Swarms[i].Hash < st.Swarms[j].Hash })
	return st
}

func (h *Hub) HandleStats(c *echo.Context) error {
	return c.JSON(http.StatusOK, h.Stats())
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Websocket upgrade failed: %v", err)
		return
	}

	p, err := h.handshake(conn)
	if err != nil {
		h.log.Debug("Handshake with %s failed: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}

	h.log.Info("Peer %s (%s) connected from %s", p.id, p.agent, r.RemoteAddr)
	go h.writeLoop(p)
	h.readLoop(p)
}

func (h *Hub) handshake(conn *websocket.Conn) (*hubPeer, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	msg, err := wire.DecodeTracker(data)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		return nil, wire.ErrUnknownMessage
	}

	id := hello.PeerID
	if id == "" {
		id = ksuid.New().String()
	}

	p := &hubPeer{
		id:     id,
		agent:  hello.Agent,
		conn:   conn,
		out:    make(chan []byte, sendQueueSize),
		hashes: make(map[string]struct{}),
	}

	welcome, err := wire.EncodeTracker(wire.Welcome{PeerID: id, KeepAlive: h.keepAlive.Milliseconds()})
	if err != nil {
		return nil, err
	}

	// Registered before the welcome goes out so relays to p queue up behind it
	h.mu.Lock()
	if old, ok := h.peers[id]; ok {
		// Same ID reconnected, the old socket is dead to us
		h.dropLocked(old)
	}
	h.peers[id] = p
	h.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, welcome); err != nil {
		h.mu.Lock()
		if h.peers[id] == p {
			h.dropLocked(p)
		}
		h.mu.Unlock()
		return nil, err
	}

	return p, nil
}

func (h *Hub) readLoop(p *hubPeer) {
	defer func() {
		h.mu.Lock()
		if h.peers[p.id] == p {
			h.dropLocked(p)
		}
		h.mu.Unlock()
		p.conn.Close()
		h.log.Info("Peer %s disconnected", p.id)
	}()

	for {
		p.conn.SetReadDeadline(time.Now().Add(2 * h.keepAlive))
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := wire.DecodeTracker(data)
		if err != nil {
			h.log.Warn("Dropping message from %s: %v", p.id, err)
			continue
		}
		h.dispatch(p, msg)
	}
}

func (h *Hub) writeLoop(p *hubPeer) {
	for b := range p.out {
		p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			p.conn.Close()
			return
		}
	}
}

func (h *Hub) dispatch(p *hubPeer, msg wire.TrackerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch m := msg.(type) {
	case *wire.KeepAlive:
	case *wire.Announce:
		h.announceLocked(p, m)
	case *wire.Denounce:
		h.leaveLocked(p, m.Hash)
	case *wire.Sdp:
		if target, ok := h.peers[m.PeerID]; ok {
			h.sendLocked(target, wire.Sdp{Hash: m.Hash, PeerID: p.id, Payload: m.Payload})
		}
	case *wire.Poke:
		if target, ok := h.peers[m.PeerID]; ok {
			h.sendLocked(target, wire.Poke{Hash: m.Hash, PeerID: p.id, Bitmap: m.Bitmap})
		}
	case *wire.SwarmRequest:
		h.sendSwarmLocked(p, m.Hash)
	default:
		h.log.Debug("Ignoring %s from %s", msg.TrackerType(), p.id)
	}
}

func (h *Hub) announceLocked(p *hubPeer, m *wire.Announce) {
	members, ok := h.swarms[m.Hash]
	if !ok {
		members = make(map[string][]byte)
		h.swarms[m.Hash] = members
	}

	_, known := members[p.id]
	members[p.id] = m.Bitmap
	p.hashes[m.Hash] = struct{}{}

	if !known {
		h.sendSwarmLocked(p, m.Hash)
	}

	for id := range members {
		if id == p.id {
			continue
		}
		if other, ok := h.peers[id]; ok {
			h.sendLocked(other, wire.Enter{Hash: m.Hash, PeerID: p.id, Bitmap: m.Bitmap, Meta: map[string]string{"agent": p.agent}})
		}
	}
}

// sendSwarmLocked tells p about every other member of hash.
func (h *Hub) sendSwarmLocked(p *hubPeer, hash string) {
	for id, bm := range h.swarms[hash] {
		if id == p.id {
			continue
		}
		meta := map[string]string{}
		if other, ok := h.peers[id]; ok {
			meta["agent"] = other.agent
		}
		h.sendLocked(p, wire.Enter{Hash: hash, PeerID: id, Bitmap: bm, Meta: meta})
	}
}

func (h *Hub) leaveLocked(p *hubPeer, hash string) {
	members, ok := h.swarms[hash]
	if !ok {
		return
	}
	delete(members, p.id)
	delete(p.hashes, hash)

	for id := range members {
		if other, ok := h.peers[id]; ok {
			h.sendLocked(other, wire.Leave{Hash: hash, PeerID: p.id})
		}
	}
	if len(members) == 0 {
		delete(h.swarms, hash)
	}
}

func (h *Hub) dropLocked(p *hubPeer) {
	for hash := range p.hashes {
		h.leaveLocked(p, hash)
	}
	delete(h.peers, p.id)
	close(p.out)
	p.conn.Close()
}

// sendLocked queues msg for p; a peer that cannot keep up loses the message.
func (h *Hub) sendLocked(p *hubPeer, msg wire.TrackerMessage) {
	b, err := wire.EncodeTracker(msg)
	if err != nil {
		h.log.Error("Failed to encode %s: %v", msg.TrackerType(), err)
		return
	}
	select {
	case p.out <- b:
	default:
		h.log.Warn("Send queue of %s full, dropping %s", p.id, msg.TrackerType())
	}
}
