// Package tracker implements the signaling side of the swarm: a websocket
// client used by every node and a hub that relays between them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	sendQueueSize    = 256
)

var (
	ErrClosed    = errors.New("tracker connection closed")
	ErrQueueFull = errors.New("tracker send queue full")
	ErrNoWelcome = errors.New("tracker did not welcome us")
)

type ClientOptions struct {
	PeerID    string
	Agent     string
	KeepAlive time.Duration
	Logger    *logger.Logger
}

// Client is one websocket connection to a tracker. Writes go through a queue
// so Send never blocks on the network.
type Client struct {
	url  string
	conn *websocket.Conn
	log  *logger.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// KeepAlive is the interval the tracker asked for in its welcome
	KeepAlive time.Duration
}

// Dial connects, performs the hello/welcome handshake and starts the read
// and write loops. onMessage gets every message after the welcome; onClose
// fires once when the connection ends for any reason.
func Dial(ctx context.Context, url string, opts ClientOptions, onMessage func(wire.TrackerMessage), onClose func(error)) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	hello, err := wire.EncodeTracker(wire.Hello{PeerID: opts.PeerID, Agent: opts.Agent})
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	msg, err := wire.DecodeTracker(data)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	welcome, ok := msg.(*wire.Welcome)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: got %s", ErrNoWelcome, msg.TrackerType())
	}
	conn.SetReadDeadline(time.Time{})

	c := &Client{
		url:       url,
		conn:      conn,
		log:       opts.Logger,
		out:       make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		KeepAlive: opts.KeepAlive,
	}
	if welcome.KeepAlive > 0 {
		c.KeepAlive = time.Duration(welcome.KeepAlive) * time.Millisecond
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}

	go c.writeLoop()
	go c.readLoop(onMessage, onClose)

	return c, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) Send(msg wire.TrackerMessage) error {
	b, err := wire.EncodeTracker(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop(onMessage func(wire.TrackerMessage), onClose func(error)) {
	var cause error
	defer func() {
		c.Close()
		if onClose != nil {
			onClose(cause)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			return
		}

		msg, err := wire.DecodeTracker(data)
		if err != nil {
			c.log.Warn("Dropping message from tracker %s: %v", c.url, err)
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.KeepAlive)
	defer ticker.Stop()

	keepAlive, _ := wire.EncodeTracker(wire.KeepAlive{})

	for {
		var b []byte
		select {
		case <-c.done:
			return
		case b = <-c.out:
		case <-ticker.C:
			b = keepAlive
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			c.log.Debug("Write to tracker %s failed: %v", c.url, err)
			c.conn.Close()
			return
		}
	}
}
