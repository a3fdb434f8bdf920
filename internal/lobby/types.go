// Package lobby is the server side of the relay/lobby backend: lobby
// records in Postgres, liveness in Redis, relay allocations handed out of
// a fixed port pool, and lifecycle events published on NATS.
package lobby

import (
	"errors"
	"time"
)

var (
	// ErrNotFound reports an unknown lobby, allocation or join code.
	ErrNotFound = errors.New("lobby: not found")

	// ErrLobbyFull reports a join attempt against a full lobby.
	ErrLobbyFull = errors.New("lobby: full")

	// ErrNoOpenLobby reports that quick join found nothing joinable.
	ErrNoOpenLobby = errors.New("lobby: no open lobby")

	// ErrPoolExhausted reports that every relay port is allocated.
	ErrPoolExhausted = errors.New("lobby: relay port pool exhausted")
)

// Metadata keys with server-side meaning. HashedPassword is stripped from
// responses to players who are not members of the lobby; AllocationID ties
// the lobby to its relay allocation so expiry can return the port to the
// pool.
const (
	metaHasPassword    = "HasPassword"
	metaHashedPassword = "HashedPassword"
	metaAllocationID   = "AllocationID"
)

// Lobby is a lobby record as stored.
type Lobby struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	HostPlayerID string            `json:"host_player_id"`
	MaxPeers     int               `json:"max_peers"`
	Players      []string          `json:"players"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"-"`
}

// Full reports whether the lobby has no free slot.
func (l Lobby) Full() bool {
	return len(l.Players) >= l.MaxPeers
}

// HasMember reports whether playerID is in the lobby.
func (l Lobby) HasMember(playerID string) bool {
	for _, p := range l.Players {
		if p == playerID {
			return true
		}
	}
	return false
}

// Allocation is one reserved relay endpoint.
type Allocation struct {
	ID   string `json:"allocation_id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}
