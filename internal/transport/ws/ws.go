// Package ws is the direct-mode transport: a websocket hub hosted by one
// peer, with every other peer dialing in. The hub relays frames between
// peers, so clients see the same Broadcast/SendTo surface the host does.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roomlink/roomlink/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// frame is the wire envelope for one application payload. An empty Target
// means broadcast.
type frame struct {
	From    string `json:"from"`
	Target  string `json:"target,omitempty"`
	Payload []byte `json:"payload"`
}

// Transport implements transport.Transport over websockets. One instance is
// either hosting or connected, never both.
type Transport struct {
	self   string
	logger zerolog.Logger

	handler     transport.Handler
	peerHandler transport.PeerHandler

	mu       sync.Mutex
	hosting  bool
	closed   bool
	server   *hubServer
	dialConn *peerConn
}

// New returns a transport identified on the wire as peer self.
func New(self string, logger zerolog.Logger) *Transport {
	return &Transport{self: self, logger: logger.With().Str("transport", "ws").Str("peer", self).Logger()}
}

func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) SetPeerHandler(h transport.PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerHandler = h
}

func (t *Transport) deliver(peer string, data []byte) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(peer, data)
	}
}

func (t *Transport) peerJoined(peer string) {
	t.mu.Lock()
	h := t.peerHandler
	t.mu.Unlock()
	if h != nil {
		h(peer)
	}
}

// Broadcast sends data to every other peer in the session.
func (t *Transport) Broadcast(data []byte) error {
	return t.send(frame{From: t.self, Payload: data})
}

// SendTo sends data to exactly one peer.
func (t *Transport) SendTo(peer string, data []byte) error {
	return t.send(frame{From: t.self, Target: peer, Payload: data})
}

func (t *Transport) send(f frame) error {
	t.mu.Lock()
	hosting, server, dial := t.hosting, t.server, t.dialConn
	t.mu.Unlock()

	if hosting && server != nil {
		return server.route(f)
	}
	if dial != nil {
		raw, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return dial.write(raw)
	}
	return transport.ErrNotConnected
}

// TransferOwnership records transport-level ownership on the hub. Only the
// hosting peer may call it.
func (t *Transport) TransferOwnership(objectID, peerID string) error {
	t.mu.Lock()
	server := t.server
	hosting := t.hosting
	t.mu.Unlock()
	if !hosting || server == nil {
		return transport.ErrNotHosting
	}
	server.setOwner(objectID, peerID)
	return nil
}

// Owner reports the transport-level owner of an object on the hub.
func (t *Transport) Owner(objectID string) (string, bool) {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return "", false
	}
	return server.owner(objectID)
}

// Shutdown closes the hub or the dialed connection. Safe to call twice.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server, dial := t.server, t.dialConn
	t.server, t.dialConn = nil, nil
	t.hosting = false
	t.mu.Unlock()

	if server != nil {
		return server.close()
	}
	if dial != nil {
		return dial.close()
	}
	return nil
}

// peerConn wraps one websocket connection with a write lock.
type peerConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *peerConn) write(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *peerConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *peerConn) close() error {
	return c.conn.Close()
}
