package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the semantic event kind.
type EventType string

const (
	EventLobbyCreated       EventType = "lobby.created"
	EventLobbyPlayerJoined  EventType = "lobby.player_joined"
	EventLobbyPlayerRemoved EventType = "lobby.player_removed"
	EventLobbyClosed        EventType = "lobby.closed"
	EventRelayAllocated     EventType = "relay.allocated"
)

var validEventTypes = map[EventType]struct{}{
	EventLobbyCreated:       {},
	EventLobbyPlayerJoined:  {},
	EventLobbyPlayerRemoved: {},
	EventLobbyClosed:        {},
	EventRelayAllocated:     {},
}

// Envelope is the JSON-serializable event envelope shared across services.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id"`
	PlayerID      *string         `json:"player_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

var ErrInvalidEventType = errors.New("invalid event type")

// ValidateEventType verifies whether the provided event type is known.
func ValidateEventType(eventType EventType) error {
	if _, ok := validEventTypes[eventType]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
	return nil
}

// MarshalV1 marshals an envelope with a v1 payload struct.
func MarshalV1[T any](id string, eventType EventType, ts time.Time, correlationID string, playerID *string, payload T) ([]byte, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		ID:            id,
		Type:          eventType,
		TS:            ts,
		CorrelationID: correlationID,
		PlayerID:      playerID,
		Payload:       payloadRaw,
	}

	return json.Marshal(env)
}

// UnmarshalEnvelope unmarshals and validates an event envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := ValidateEventType(env.Type); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// V1 payload schemas.
type LobbyCreatedV1 struct {
	LobbyID      string `json:"lobby_id"`
	Name         string `json:"name"`
	MaxPeers     int    `json:"max_peers"`
	HasPassword  bool   `json:"has_password"`
	AllocationID string `json:"allocation_id,omitempty"`
}

type LobbyPlayerJoinedV1 struct {
	LobbyID  string `json:"lobby_id"`
	PlayerID string `json:"player_id"`
}

type LobbyPlayerRemovedV1 struct {
	LobbyID  string `json:"lobby_id"`
	PlayerID string `json:"player_id"`
	Reason   string `json:"reason,omitempty"`
}

type LobbyClosedV1 struct {
	LobbyID string `json:"lobby_id"`
	Reason  string `json:"reason,omitempty"`
}

type RelayAllocatedV1 struct {
	AllocationID string `json:"allocation_id"`
	Host         string `json:"host"`
	Port         uint16 `json:"port"`
}

// DecodeV1Payload decodes the payload into a v1 schema by event type.
func DecodeV1Payload(env Envelope) (any, error) {
	switch env.Type {
	case EventLobbyCreated:
		var payload LobbyCreatedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventLobbyPlayerJoined:
		var payload LobbyPlayerJoinedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventLobbyPlayerRemoved:
		var payload LobbyPlayerRemovedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventLobbyClosed:
		var payload LobbyClosedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventRelayAllocated:
		var payload RelayAllocatedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, env.Type)
	}
}

// NATS subject mapping.
const (
	SubjectLobbyCreated       = "roomlink.lobby.created"
	SubjectLobbyPlayerJoined  = "roomlink.lobby.player_joined"
	SubjectLobbyPlayerRemoved = "roomlink.lobby.player_removed"
	SubjectLobbyClosed        = "roomlink.lobby.closed"
	SubjectRelayAllocated     = "roomlink.relay.allocated"
)

// SubjectForType maps a contract event type to its NATS subject.
func SubjectForType(eventType EventType) (string, error) {
	switch eventType {
	case EventLobbyCreated:
		return SubjectLobbyCreated, nil
	case EventLobbyPlayerJoined:
		return SubjectLobbyPlayerJoined, nil
	case EventLobbyPlayerRemoved:
		return SubjectLobbyPlayerRemoved, nil
	case EventLobbyClosed:
		return SubjectLobbyClosed, nil
	case EventRelayAllocated:
		return SubjectRelayAllocated, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
}
