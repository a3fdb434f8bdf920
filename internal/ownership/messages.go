package ownership

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PeerID identifies a peer within a session.
type PeerID string

// ObjectID is the network-unique identifier of a shared object.
type ObjectID string

// MsgType identifies the semantic kind of an ownership message.
type MsgType string

const (
	MsgRequestHold MsgType = "request_hold"
	MsgRelease     MsgType = "release"
	MsgStateSync   MsgType = "state_sync"
)

var validMsgTypes = map[MsgType]struct{}{
	MsgRequestHold: {},
	MsgRelease:     {},
	MsgStateSync:   {},
}

var ErrInvalidMsgType = errors.New("ownership: invalid message type")

// Envelope is the wire form of every ownership message. Sender and Target
// are explicit so dispatch never depends on transport-level call semantics;
// Holder is only meaningful for state_sync and is empty when the object is
// free.
type Envelope struct {
	Type   MsgType  `json:"type"`
	Object ObjectID `json:"object"`
	Sender PeerID   `json:"sender"`
	Target PeerID   `json:"target,omitempty"`
	Holder PeerID   `json:"holder,omitempty"`
}

// MarshalEnvelope validates and serializes an envelope.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	if _, ok := validMsgTypes[env.Type]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMsgType, env.Type)
	}
	if env.Object == "" {
		return nil, fmt.Errorf("ownership: envelope missing object id")
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope deserializes and validates an envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if _, ok := validMsgTypes[env.Type]; !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrInvalidMsgType, env.Type)
	}
	if env.Object == "" {
		return Envelope{}, fmt.Errorf("ownership: envelope missing object id")
	}
	return env, nil
}
