// Package transport defines the reliable-transport boundary the session
// core talks through. Implementations own connection setup and framing; the
// core only decides what to send and when.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrUnknownPeer  = errors.New("transport: unknown peer")
	ErrNotHosting   = errors.New("transport: not hosting")
)

// Handler receives inbound application frames with the sending peer's id.
type Handler func(peer string, data []byte)

// PeerHandler is notified when a peer joins the session.
type PeerHandler func(peer string)

// Transport is the session-facing surface of a reliable transport.
type Transport interface {
	// Host starts accepting peers on the given address and port.
	Host(ctx context.Context, addr string, port uint16) error

	// Connect joins a hosted session at the given address and port.
	Connect(ctx context.Context, addr string, port uint16) error

	// Shutdown tears down all connections. Safe to call more than once.
	Shutdown() error

	// TransferOwnership reassigns transport-level ownership of an object.
	TransferOwnership(objectID, peerID string) error

	// Broadcast sends a frame to every other peer in the session.
	Broadcast(data []byte) error

	// SendTo sends a frame to exactly one peer.
	SendTo(peer string, data []byte) error

	// SetHandler installs the inbound frame handler. Must be called before
	// Host or Connect.
	SetHandler(h Handler)

	// SetPeerHandler installs the peer-joined callback. Optional.
	SetPeerHandler(h PeerHandler)
}
