// Package natsrelay is the relay-mode transport: peers never learn each
// other's addresses and instead exchange frames over subjects scoped by the
// relay allocation id.
package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/roomlink/roomlink/internal/transport"
)

// Subscription is the slice of nats.Subscription this transport needs.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the slice of nats.Conn this transport needs; wrap a real
// connection with WrapConn.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
}

type natsConn struct {
	nc *nats.Conn
}

func (c natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c natsConn) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
}

// WrapConn adapts a NATS connection to the Conn interface.
func WrapConn(nc *nats.Conn) Conn {
	return natsConn{nc: nc}
}

type frame struct {
	From    string `json:"from"`
	Payload []byte `json:"payload"`
}

// Transport implements transport.Transport over a relay allocation. All
// peers of one allocation share a bus subject for broadcasts and each peer
// owns a direct subject.
type Transport struct {
	self   string
	alloc  string
	conn   Conn
	logger zerolog.Logger

	handler     transport.Handler
	peerHandler transport.PeerHandler

	mu     sync.Mutex
	subs   []Subscription
	owners map[string]string
	active bool
}

// New returns a relay transport for one allocation.
func New(self, allocationID string, conn Conn, logger zerolog.Logger) *Transport {
	return &Transport{
		self:   self,
		alloc:  allocationID,
		conn:   conn,
		logger: logger.With().Str("transport", "natsrelay").Str("peer", self).Logger(),
		owners: make(map[string]string),
	}
}

func busSubject(alloc string) string {
	return fmt.Sprintf("roomlink.relay.%s.bus", alloc)
}

func peerSubject(alloc, peer string) string {
	return fmt.Sprintf("roomlink.relay.%s.peer.%s", alloc, peer)
}

func joinSubject(alloc string) string {
	return fmt.Sprintf("roomlink.relay.%s.join", alloc)
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

// Host attaches the hosting peer to the allocation's subjects. The address
// and port are the relay endpoint and are not used by this transport.
func (t *Transport) Host(ctx context.Context, _ string, _ uint16) error {
	if err := t.attach(ctx); err != nil {
		return err
	}
	// Hosts additionally watch the join subject so late joiners are
	// announced.
	sub, err := t.conn.Subscribe(joinSubject(t.alloc), func(data []byte) {
		peer := string(data)
		if peer == "" || peer == t.self {
			return
		}
		t.mu.Lock()
		h := t.peerHandler
		t.mu.Unlock()
		if h != nil {
			h(peer)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe join subject: %w", err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return nil
}

// Connect attaches a joining peer and announces it on the join subject.
func (t *Transport) Connect(ctx context.Context, _ string, _ uint16) error {
	if err := t.attach(ctx); err != nil {
		return err
	}
	if err := t.conn.Publish(joinSubject(t.alloc), []byte(t.self)); err != nil {
		return fmt.Errorf("announce join: %w", err)
	}
	return nil
}

func (t *Transport) attach(_ context.Context) error {
	inbound := func(data []byte) {
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn().Err(err).Msg("dropping undecodable frame")
			return
		}
		if f.From == t.self {
			return
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(f.From, f.Payload)
		}
	}

	busSub, err := t.conn.Subscribe(busSubject(t.alloc), inbound)
	if err != nil {
		return fmt.Errorf("subscribe bus subject: %w", err)
	}
	peerSub, err := t.conn.Subscribe(peerSubject(t.alloc, t.self), inbound)
	if err != nil {
		_ = busSub.Unsubscribe()
		return fmt.Errorf("subscribe peer subject: %w", err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, busSub, peerSub)
	t.active = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Broadcast(data []byte) error {
	return t.publish(busSubject(t.alloc), data)
}

func (t *Transport) SendTo(peer string, data []byte) error {
	return t.publish(peerSubject(t.alloc, peer), data)
}

func (t *Transport) publish(subject string, data []byte) error {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if !active {
		return transport.ErrNotConnected
	}
	raw, err := json.Marshal(frame{From: t.self, Payload: data})
	if err != nil {
		return err
	}
	return t.conn.Publish(subject, raw)
}

// TransferOwnership records transport-level ownership. The relay does not
// track object ownership itself, so the record lives with the hosting peer.
func (t *Transport) TransferOwnership(objectID, peerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return transport.ErrNotConnected
	}
	t.owners[objectID] = peerID
	return nil
}

// Owner reports the recorded transport-level owner of an object.
func (t *Transport) Owner(objectID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.owners[objectID]
	return id, ok
}

// Shutdown drops every subscription. Safe to call twice.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.active = false
	t.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn().Err(err).Msg("unsubscribe")
		}
	}
	return nil
}
