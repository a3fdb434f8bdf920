// Package session sequences address encoding, transport startup and relay
// liveness into one create/join/close surface.
package session

import "errors"

// Mode selects how a session is formed.
type Mode int

const (
	// ModeDirect encodes the host's private address into a room code and
	// peers connect straight to it.
	ModeDirect Mode = iota
	// ModeRelay delegates address discovery to the relay/lobby backend.
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Role is the local peer's role in the session.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

// State is the orchestrator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateHosting
	StateJoining
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateHosting:
		return "hosting"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// KeepAlivePolicy decides what happens when the keep-alive task fails.
type KeepAlivePolicy int

const (
	// KeepAliveStop logs the failure and stops only the keep-alive task;
	// the heartbeat task keeps running.
	KeepAliveStop KeepAlivePolicy = iota
	// KeepAliveTearDown closes the whole session on the first failure.
	KeepAliveTearDown
)

var (
	// ErrAuthFailed reports a password mismatch or a missing password on a
	// protected session. The orchestrator has already left the lobby when
	// it returns this.
	ErrAuthFailed = errors.New("session: authentication failed")

	// ErrBusy reports an operation attempted outside the idle state.
	ErrBusy = errors.New("session: operation not valid in current state")

	// ErrNoPrivateAddress reports that no usable private interface address
	// was found for direct hosting.
	ErrNoPrivateAddress = errors.New("session: no usable private interface address")

	// ErrLivenessLost marks a keep-alive failure in logs and teardown
	// reasons.
	ErrLivenessLost = errors.New("session: keep-alive failed")
)

// Handle describes an established session.
type Handle struct {
	Mode         Mode
	Role         Role
	RoomCode     string
	LobbyID      string
	AllocationID string
}
