// Package relay is the client side of the relay/lobby backend. The session
// orchestrator consumes the Client interface; the HTTP implementation talks
// to lobbyd.
package relay

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRelayUnavailable reports that the relay backend could not be
	// reached at all.
	ErrRelayUnavailable = errors.New("relay: service unavailable")

	// ErrLobbyService reports a failure inside the lobby backend.
	ErrLobbyService = errors.New("relay: lobby service error")

	// ErrNotFound reports an unknown lobby, allocation or join code.
	ErrNotFound = errors.New("relay: not found")

	// ErrLobbyFull reports a join attempt against a full lobby.
	ErrLobbyFull = errors.New("relay: lobby full")

	// ErrNoOpenLobby reports that quick join found nothing to join.
	ErrNoOpenLobby = errors.New("relay: no open lobby")
)

// Metadata keys the orchestrator reads and writes on lobbies.
const (
	MetaRoomCode       = "RoomCode"       // public
	MetaHasPassword    = "HasPassword"    // public, "true"/"false"
	MetaHashedPassword = "HashedPassword" // visible to members only
	MetaAllocationID   = "AllocationID"   // lets the backend free the relay port on expiry
)

// RelayInfo describes one relay allocation.
type RelayInfo struct {
	AllocationID string `json:"allocation_id"`
	Host         string `json:"host"`
	Port         uint16 `json:"port"`
}

// LobbySession is a lobby as seen by one player; Metadata is already
// filtered to what that player may see.
type LobbySession struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	HostPlayerID string            `json:"host_player_id"`
	MaxPeers     int               `json:"max_peers"`
	Players      []string          `json:"players"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
}

// HasPassword reports whether the lobby is password protected.
func (l LobbySession) HasPassword() bool {
	return l.Metadata[MetaHasPassword] == "true"
}

// Client is the capability the session core consumes to create, join and
// keep alive relay-backed sessions.
type Client interface {
	Allocate(ctx context.Context, maxPeers int) (RelayInfo, error)
	GetJoinCode(ctx context.Context, allocationID string) (string, error)
	JoinAllocation(ctx context.Context, joinCode string) (RelayInfo, error)

	CreateLobby(ctx context.Context, name string, maxPeers int, hostPlayerID string, metadata map[string]string) (LobbySession, error)
	GetLobby(ctx context.Context, id, playerID string) (LobbySession, error)
	JoinLobbyByID(ctx context.Context, id, playerID string) (LobbySession, error)
	QuickJoin(ctx context.Context, playerID string) (LobbySession, error)

	SendHeartbeat(ctx context.Context, lobbyID string) error
	UpdateLobby(ctx context.Context, lobbyID string) error
	RemovePlayer(ctx context.Context, lobbyID, playerID string) error
}
