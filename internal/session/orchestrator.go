package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomlink/roomlink/internal/relay"
	"github.com/roomlink/roomlink/internal/roomcode"
)

// Transport is the slice of the transport collaborator the orchestrator
// drives.
type Transport interface {
	Host(ctx context.Context, addr string, port uint16) error
	Connect(ctx context.Context, addr string, port uint16) error
	Shutdown() error
}

// Options configures an orchestrator.
type Options struct {
	PlayerID  string
	LobbyName string
	MaxPeers  int

	// Password protects relay sessions this peer hosts. Empty means open.
	Password string

	// HeartbeatInterval drives both liveness tasks. Zero means 5s.
	HeartbeatInterval time.Duration

	// KeepAliveFailure decides what a keep-alive error does.
	KeepAliveFailure KeepAlivePolicy

	// FallbackToLoopback re-hosts a private single-peer session on
	// 127.0.0.1 after Close.
	FallbackToLoopback bool
}

const (
	defaultHeartbeatInterval = 5 * time.Second
	loopbackAddr             = "127.0.0.1"
	loopbackPort             = roomcode.PortMin
)

// Orchestrator owns one session at a time.
type Orchestrator struct {
	transport Transport
	relay     relay.Client
	opts      Options
	logger    zerolog.Logger

	// Injectable for tests.
	randPort func() uint16
	localIPs func() ([]net.IP, error)

	mu             sync.Mutex
	state          State
	handle         Handle
	livenessCancel context.CancelFunc
}

// New returns an idle orchestrator.
func New(transport Transport, relayClient relay.Client, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 4
	}
	return &Orchestrator{
		transport: transport,
		relay:     relayClient,
		opts:      opts,
		logger:    logger.With().Str("component", "session").Logger(),
		randPort:  randomEphemeralPort,
		localIPs:  interfaceIPs,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Handle returns the current session handle; meaningful while hosting or
// connected.
func (o *Orchestrator) Handle() Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// CreateSession hosts a new session and returns its handle. In direct mode
// the handle's RoomCode is the encoded local address; in relay mode it is
// the provider-issued join code and liveness tasks are started.
func (o *Orchestrator) CreateSession(ctx context.Context, mode Mode) (Handle, error) {
	if err := o.transition(StateIdle, StateCreating); err != nil {
		return Handle{}, err
	}

	var (
		handle Handle
		err    error
	)
	switch mode {
	case ModeDirect:
		handle, err = o.createDirect(ctx)
	case ModeRelay:
		handle, err = o.createRelay(ctx)
	default:
		err = fmt.Errorf("session: unknown mode %d", mode)
	}
	if err != nil {
		o.setState(StateIdle)
		return Handle{}, err
	}

	o.mu.Lock()
	o.state = StateHosting
	o.handle = handle
	o.mu.Unlock()
	o.logger.Info().
		Str("mode", handle.Mode.String()).
		Str("room_code", handle.RoomCode).
		Msg("session created")
	return handle, nil
}

func (o *Orchestrator) createDirect(ctx context.Context) (Handle, error) {
	ip, err := pickLocalAddress(o.localIPs)
	if err != nil {
		return Handle{}, err
	}
	port := o.randPort()

	addr, err := roomcode.NewAddress(ip, port)
	if err != nil {
		return Handle{}, err
	}
	code, err := roomcode.Encode(addr)
	if err != nil {
		return Handle{}, err
	}
	if err := o.transport.Host(ctx, ip.String(), port); err != nil {
		return Handle{}, fmt.Errorf("host transport: %w", err)
	}
	return Handle{Mode: ModeDirect, Role: RoleHost, RoomCode: code}, nil
}

func (o *Orchestrator) createRelay(ctx context.Context) (Handle, error) {
	alloc, err := o.relay.Allocate(ctx, o.opts.MaxPeers)
	if err != nil {
		return Handle{}, fmt.Errorf("allocate relay: %w", err)
	}
	joinCode, err := o.relay.GetJoinCode(ctx, alloc.AllocationID)
	if err != nil {
		return Handle{}, fmt.Errorf("get join code: %w", err)
	}

	metadata := map[string]string{
		relay.MetaRoomCode:     joinCode,
		relay.MetaHasPassword:  "false",
		relay.MetaAllocationID: alloc.AllocationID,
	}
	if o.opts.Password != "" {
		metadata[relay.MetaHasPassword] = "true"
		metadata[relay.MetaHashedPassword] = HashPassword(o.opts.Password)
	}

	lobby, err := o.relay.CreateLobby(ctx, o.opts.LobbyName, o.opts.MaxPeers, o.opts.PlayerID, metadata)
	if err != nil {
		return Handle{}, fmt.Errorf("create lobby: %w", err)
	}

	if err := o.transport.Host(ctx, alloc.Host, alloc.Port); err != nil {
		// Removing the host closes the lobby server-side and frees the
		// allocation instead of waiting out the presence TTL.
		if rmErr := o.relay.RemovePlayer(ctx, lobby.ID, o.opts.PlayerID); rmErr != nil {
			o.logger.Warn().Err(rmErr).Str("lobby", lobby.ID).Msg("could not abandon lobby after host failure")
		}
		return Handle{}, fmt.Errorf("host transport: %w", err)
	}
	o.startLiveness(lobby.ID)
	return Handle{
		Mode:         ModeRelay,
		Role:         RoleHost,
		RoomCode:     joinCode,
		LobbyID:      lobby.ID,
		AllocationID: alloc.AllocationID,
	}, nil
}

// JoinSession connects to an existing session. In direct mode code is a
// room code; in relay mode it is a lobby id, and an empty code quick-joins
// the first open lobby. password gates protected relay sessions.
func (o *Orchestrator) JoinSession(ctx context.Context, mode Mode, code, password string) (Handle, error) {
	if err := o.transition(StateIdle, StateJoining); err != nil {
		return Handle{}, err
	}

	var (
		handle Handle
		err    error
	)
	switch mode {
	case ModeDirect:
		handle, err = o.joinDirect(ctx, code)
	case ModeRelay:
		handle, err = o.joinRelay(ctx, code, password)
	default:
		err = fmt.Errorf("session: unknown mode %d", mode)
	}
	if err != nil {
		o.setState(StateIdle)
		return Handle{}, err
	}

	o.mu.Lock()
	o.state = StateConnected
	o.handle = handle
	o.mu.Unlock()
	o.logger.Info().Str("mode", handle.Mode.String()).Msg("session joined")
	return handle, nil
}

func (o *Orchestrator) joinDirect(ctx context.Context, code string) (Handle, error) {
	addr, err := roomcode.Decode(code)
	if err != nil {
		return Handle{}, err
	}
	if err := o.transport.Connect(ctx, addr.IP().String(), addr.Port); err != nil {
		return Handle{}, fmt.Errorf("connect transport: %w", err)
	}
	return Handle{Mode: ModeDirect, Role: RoleClient, RoomCode: code}, nil
}

func (o *Orchestrator) joinRelay(ctx context.Context, lobbyID, password string) (Handle, error) {
	var (
		lobby relay.LobbySession
		err   error
	)
	if lobbyID == "" {
		lobby, err = o.relay.QuickJoin(ctx, o.opts.PlayerID)
	} else {
		lobby, err = o.relay.JoinLobbyByID(ctx, lobbyID, o.opts.PlayerID)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("join lobby: %w", err)
	}

	if lobby.HasPassword() {
		stored := lobby.Metadata[relay.MetaHashedPassword]
		if password == "" || stored == "" || HashPassword(password) != stored {
			// Leave the lobby before surfacing the failure.
			if rmErr := o.relay.RemovePlayer(ctx, lobby.ID, o.opts.PlayerID); rmErr != nil {
				o.logger.Warn().Err(rmErr).Str("lobby", lobby.ID).Msg("could not leave lobby after auth failure")
			}
			return Handle{}, ErrAuthFailed
		}
	}

	joinCode := lobby.Metadata[relay.MetaRoomCode]
	alloc, err := o.relay.JoinAllocation(ctx, joinCode)
	if err != nil {
		return Handle{}, fmt.Errorf("join allocation: %w", err)
	}
	if err := o.transport.Connect(ctx, alloc.Host, alloc.Port); err != nil {
		return Handle{}, fmt.Errorf("connect transport: %w", err)
	}
	return Handle{
		Mode:         ModeRelay,
		Role:         RoleClient,
		RoomCode:     joinCode,
		LobbyID:      lobby.ID,
		AllocationID: alloc.AllocationID,
	}, nil
}

// Close stops liveness tasks, disconnects the transport and returns the
// orchestrator to idle. With FallbackToLoopback set it then re-hosts a
// private single-peer session on the loopback address.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	cancel := o.livenessCancel
	o.livenessCancel = nil
	wasIdle := o.state == StateIdle
	o.state = StateIdle
	o.handle = Handle{}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasIdle {
		return nil
	}

	err := o.transport.Shutdown()
	if o.opts.FallbackToLoopback {
		if hostErr := o.transport.Host(context.Background(), loopbackAddr, loopbackPort); hostErr != nil {
			o.logger.Error().Err(hostErr).Msg("loopback fallback failed")
		} else {
			o.mu.Lock()
			o.state = StateHosting
			o.handle = Handle{Mode: ModeDirect, Role: RoleHost}
			o.mu.Unlock()
			o.logger.Info().Msg("re-hosted private loopback session")
		}
	}
	return err
}

func (o *Orchestrator) transition(from, to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != from {
		return fmt.Errorf("%w: %s", ErrBusy, o.state)
	}
	o.state = to
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func randomEphemeralPort() uint16 {
	return uint16(roomcode.PortMin + rand.Intn(roomcode.PortMax-roomcode.PortMin+1))
}
