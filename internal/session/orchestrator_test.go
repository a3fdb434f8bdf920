package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomlink/roomlink/internal/relay"
	"github.com/roomlink/roomlink/internal/roomcode"
)

type fakeTransport struct {
	mu        sync.Mutex
	hostAddr  string
	hostPort  uint16
	hostCalls int
	connAddr  string
	connPort  uint16
	shutdowns int
	hostErr   error
	connErr   error
}

func (t *fakeTransport) Host(_ context.Context, addr string, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hostErr != nil {
		return t.hostErr
	}
	t.hostAddr, t.hostPort = addr, port
	t.hostCalls++
	return nil
}

func (t *fakeTransport) Connect(_ context.Context, addr string, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connErr != nil {
		return t.connErr
	}
	t.connAddr, t.connPort = addr, port
	return nil
}

func (t *fakeTransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdowns++
	return nil
}

type fakeRelay struct {
	mu sync.Mutex

	alloc      relay.RelayInfo
	joinCode   string
	lobby      relay.LobbySession
	quickLobby relay.LobbySession

	allocErr    error
	joinErr     error
	quickErr    error
	heartbeats  int
	updates     int
	updateErr   error
	removed     []string
	createdMeta map[string]string
}

func (r *fakeRelay) Allocate(context.Context, int) (relay.RelayInfo, error) {
	if r.allocErr != nil {
		return relay.RelayInfo{}, r.allocErr
	}
	return r.alloc, nil
}

func (r *fakeRelay) GetJoinCode(context.Context, string) (string, error) {
	return r.joinCode, nil
}

func (r *fakeRelay) JoinAllocation(context.Context, string) (relay.RelayInfo, error) {
	return r.alloc, nil
}

func (r *fakeRelay) CreateLobby(_ context.Context, name string, maxPeers int, hostPlayerID string, metadata map[string]string) (relay.LobbySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createdMeta = metadata
	lobby := r.lobby
	lobby.Name = name
	lobby.MaxPeers = maxPeers
	lobby.HostPlayerID = hostPlayerID
	lobby.Metadata = metadata
	return lobby, nil
}

func (r *fakeRelay) GetLobby(context.Context, string, string) (relay.LobbySession, error) {
	return r.lobby, nil
}

func (r *fakeRelay) JoinLobbyByID(context.Context, string, string) (relay.LobbySession, error) {
	if r.joinErr != nil {
		return relay.LobbySession{}, r.joinErr
	}
	return r.lobby, nil
}

func (r *fakeRelay) QuickJoin(context.Context, string) (relay.LobbySession, error) {
	if r.quickErr != nil {
		return relay.LobbySession{}, r.quickErr
	}
	return r.quickLobby, nil
}

func (r *fakeRelay) SendHeartbeat(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *fakeRelay) UpdateLobby(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	return r.updateErr
}

func (r *fakeRelay) RemovePlayer(_ context.Context, lobbyID, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, lobbyID+"/"+playerID)
	return nil
}

func (r *fakeRelay) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}

func (r *fakeRelay) removedPlayers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func newTestOrchestrator(t *testing.T, transport *fakeTransport, rc *fakeRelay, opts Options) *Orchestrator {
	t.Helper()
	if opts.PlayerID == "" {
		opts.PlayerID = "player-1"
	}
	o := New(transport, rc, opts, zerolog.Nop())
	o.randPort = func() uint16 { return 50123 }
	o.localIPs = func() ([]net.IP, error) {
		return []net.IP{net.ParseIP("192.168.1.44")}, nil
	}
	return o
}

func TestCreateDirectSessionEncodesLocalAddress(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	o := newTestOrchestrator(t, transport, &fakeRelay{}, Options{})

	handle, err := o.CreateSession(context.Background(), ModeDirect)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if handle.Role != RoleHost || handle.Mode != ModeDirect {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if transport.hostAddr != "192.168.1.44" || transport.hostPort != 50123 {
		t.Fatalf("hosted on %s:%d", transport.hostAddr, transport.hostPort)
	}

	addr, err := roomcode.Decode(handle.RoomCode)
	if err != nil {
		t.Fatalf("Decode(%q): %v", handle.RoomCode, err)
	}
	if addr.IP().String() != "192.168.1.44" || addr.Port != 50123 {
		t.Fatalf("room code decodes to %s:%d", addr.IP(), addr.Port)
	}
	if got := o.State(); got != StateHosting {
		t.Fatalf("state = %s, want %s", got, StateHosting)
	}
}

func TestDirectRoundTripBetweenTwoOrchestrators(t *testing.T) {
	t.Parallel()

	hostTransport := &fakeTransport{}
	host := newTestOrchestrator(t, hostTransport, &fakeRelay{}, Options{})
	handle, err := host.CreateSession(context.Background(), ModeDirect)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	clientTransport := &fakeTransport{}
	client := newTestOrchestrator(t, clientTransport, &fakeRelay{}, Options{})
	joined, err := client.JoinSession(context.Background(), ModeDirect, handle.RoomCode, "")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if joined.Role != RoleClient {
		t.Fatalf("role = %s", joined.Role)
	}
	if clientTransport.connAddr != hostTransport.hostAddr || clientTransport.connPort != hostTransport.hostPort {
		t.Fatalf("client connected to %s:%d, host on %s:%d",
			clientTransport.connAddr, clientTransport.connPort,
			hostTransport.hostAddr, hostTransport.hostPort)
	}
}

func TestCreateRelaySessionStoresPasswordMetadata(t *testing.T) {
	t.Parallel()

	rc := &fakeRelay{
		alloc:    relay.RelayInfo{AllocationID: "alloc-1", Host: "relay.example", Port: 40001},
		joinCode: "JC123",
		lobby:    relay.LobbySession{ID: "lobby-1"},
	}
	transport := &fakeTransport{}
	o := newTestOrchestrator(t, transport, rc, Options{
		LobbyName:         "friday night",
		Password:          "hunter2",
		HeartbeatInterval: time.Hour,
	})

	handle, err := o.CreateSession(context.Background(), ModeRelay)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer o.Close()

	if handle.RoomCode != "JC123" || handle.LobbyID != "lobby-1" || handle.AllocationID != "alloc-1" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if transport.hostAddr != "relay.example" || transport.hostPort != 40001 {
		t.Fatalf("hosted on %s:%d", transport.hostAddr, transport.hostPort)
	}
	if rc.createdMeta[relay.MetaHasPassword] != "true" {
		t.Fatal("HasPassword not set")
	}
	if rc.createdMeta[relay.MetaHashedPassword] != HashPassword("hunter2") {
		t.Fatal("stored hash does not match password")
	}
	if rc.createdMeta[relay.MetaRoomCode] != "JC123" {
		t.Fatal("room code not stored in metadata")
	}
	if rc.createdMeta[relay.MetaAllocationID] != "alloc-1" {
		t.Fatal("allocation id not stored in metadata")
	}
}

func TestHostFailureAbandonsLobby(t *testing.T) {
	t.Parallel()

	rc := &fakeRelay{
		alloc:    relay.RelayInfo{AllocationID: "alloc-1", Host: "relay.example", Port: 40001},
		joinCode: "JC123",
		lobby:    relay.LobbySession{ID: "lobby-1"},
	}
	transport := &fakeTransport{hostErr: errors.New("port in use")}
	o := newTestOrchestrator(t, transport, rc, Options{})

	if _, err := o.CreateSession(context.Background(), ModeRelay); err == nil {
		t.Fatal("CreateSession succeeded with a dead transport")
	}
	if got := rc.removedPlayers(); len(got) != 1 || got[0] != "lobby-1/player-1" {
		t.Fatalf("removed = %v, want the host cleaned out of its own lobby", got)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %s after failed host", o.State())
	}
}

func TestJoinRelayWithCorrectPassword(t *testing.T) {
	t.Parallel()

	rc := &fakeRelay{
		alloc: relay.RelayInfo{AllocationID: "alloc-1", Host: "relay.example", Port: 40001},
		lobby: relay.LobbySession{
			ID: "lobby-1",
			Metadata: map[string]string{
				relay.MetaRoomCode:       "JC123",
				relay.MetaHasPassword:    "true",
				relay.MetaHashedPassword: HashPassword("hunter2"),
			},
		},
	}
	transport := &fakeTransport{}
	o := newTestOrchestrator(t, transport, rc, Options{})

	handle, err := o.JoinSession(context.Background(), ModeRelay, "lobby-1", "hunter2")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if handle.RoomCode != "JC123" {
		t.Fatalf("room code = %q", handle.RoomCode)
	}
	if transport.connAddr != "relay.example" {
		t.Fatalf("connected to %q", transport.connAddr)
	}
	if got := rc.removedPlayers(); len(got) != 0 {
		t.Fatalf("player removed unexpectedly: %v", got)
	}
}

func TestJoinRelayRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		password string
	}{
		{"wrong password", "letmein"},
		{"missing password", ""},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rc := &fakeRelay{
				lobby: relay.LobbySession{
					ID: "lobby-1",
					Metadata: map[string]string{
						relay.MetaHasPassword:    "true",
						relay.MetaHashedPassword: HashPassword("hunter2"),
					},
				},
			}
			transport := &fakeTransport{}
			o := newTestOrchestrator(t, transport, rc, Options{PlayerID: "intruder"})

			_, err := o.JoinSession(context.Background(), ModeRelay, "lobby-1", tc.password)
			if !errors.Is(err, ErrAuthFailed) {
				t.Fatalf("err = %v, want ErrAuthFailed", err)
			}
			if got := rc.removedPlayers(); len(got) != 1 || got[0] != "lobby-1/intruder" {
				t.Fatalf("removed = %v, want the rejected player", got)
			}
			if transport.connAddr != "" {
				t.Fatal("transport connected despite auth failure")
			}
			if o.State() != StateIdle {
				t.Fatalf("state = %s after failed join", o.State())
			}
		})
	}
}

func TestQuickJoinOnEmptyCode(t *testing.T) {
	t.Parallel()

	rc := &fakeRelay{
		alloc: relay.RelayInfo{AllocationID: "alloc-2", Host: "relay.example", Port: 40002},
		quickLobby: relay.LobbySession{
			ID:       "lobby-open",
			Metadata: map[string]string{relay.MetaRoomCode: "JCOPEN"},
		},
	}
	o := newTestOrchestrator(t, &fakeTransport{}, rc, Options{})

	handle, err := o.JoinSession(context.Background(), ModeRelay, "", "")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if handle.LobbyID != "lobby-open" {
		t.Fatalf("lobby = %q", handle.LobbyID)
	}
}

func TestQuickJoinSurfacesNoOpenLobby(t *testing.T) {
	t.Parallel()

	rc := &fakeRelay{quickErr: relay.ErrNoOpenLobby}
	o := newTestOrchestrator(t, &fakeTransport{}, rc, Options{})

	_, err := o.JoinSession(context.Background(), ModeRelay, "", "")
	if !errors.Is(err, relay.ErrNoOpenLobby) {
		t.Fatalf("err = %v, want ErrNoOpenLobby", err)
	}
}

func TestCreateWhileHostingReturnsBusy(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &fakeTransport{}, &fakeRelay{}, Options{})
	if _, err := o.CreateSession(context.Background(), ModeDirect); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := o.CreateSession(context.Background(), ModeDirect); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestHeartbeatContinuesAfterKeepAliveLoss(t *testing.T) {
	t.Parallel()

	rc := &fakeRelay{
		alloc:     relay.RelayInfo{AllocationID: "alloc-1", Host: "relay.example", Port: 40001},
		joinCode:  "JC123",
		lobby:     relay.LobbySession{ID: "lobby-1"},
		updateErr: errors.New("gone"),
	}
	transport := &fakeTransport{}
	o := newTestOrchestrator(t, transport, rc, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		KeepAliveFailure:  KeepAliveStop,
	})

	if _, err := o.CreateSession(context.Background(), ModeRelay); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer o.Close()

	deadline := time.After(2 * time.Second)
	var before int
	for before < 2 {
		select {
		case <-deadline:
			t.Fatal("heartbeats never arrived")
		case <-time.After(10 * time.Millisecond):
			before = rc.heartbeatCount()
		}
	}

	// Keep-alive has failed by now; heartbeats must keep flowing.
	time.Sleep(50 * time.Millisecond)
	if after := rc.heartbeatCount(); after <= before {
		t.Fatalf("heartbeats stalled at %d", after)
	}
	if o.State() != StateHosting {
		t.Fatalf("state = %s, want still hosting", o.State())
	}
}

func TestKeepAliveTearDownClosesSession(t *testing.T) {
	t.Parallel()

	rc := &fakeRelay{
		alloc:     relay.RelayInfo{AllocationID: "alloc-1", Host: "relay.example", Port: 40001},
		joinCode:  "JC123",
		lobby:     relay.LobbySession{ID: "lobby-1"},
		updateErr: errors.New("gone"),
	}
	transport := &fakeTransport{}
	o := newTestOrchestrator(t, transport, rc, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		KeepAliveFailure:  KeepAliveTearDown,
	})

	if _, err := o.CreateSession(context.Background(), ModeRelay); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for o.State() != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("session never torn down, state = %s", o.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	transport.mu.Lock()
	shutdowns := transport.shutdowns
	transport.mu.Unlock()
	if shutdowns == 0 {
		t.Fatal("transport never shut down")
	}
}

func TestCloseWithLoopbackFallbackRehosts(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	o := newTestOrchestrator(t, transport, &fakeRelay{}, Options{FallbackToLoopback: true})

	if _, err := o.CreateSession(context.Background(), ModeDirect); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if transport.hostAddr != loopbackAddr || transport.hostPort != loopbackPort {
		t.Fatalf("re-hosted on %s:%d", transport.hostAddr, transport.hostPort)
	}
	if o.State() != StateHosting {
		t.Fatalf("state = %s, want hosting the fallback session", o.State())
	}
}

func TestCloseWhileIdleIsNoop(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	o := newTestOrchestrator(t, transport, &fakeRelay{}, Options{})
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if transport.shutdowns != 0 {
		t.Fatal("transport shut down without a session")
	}
}

func TestPickLocalAddressPrefersNonGateway(t *testing.T) {
	t.Parallel()

	ips := func() ([]net.IP, error) {
		return []net.IP{
			net.ParseIP("8.8.8.8"),
			net.ParseIP("10.0.0.1"),
			net.ParseIP("10.0.0.7"),
		}, nil
	}
	ip, err := pickLocalAddress(ips)
	if err != nil {
		t.Fatalf("pickLocalAddress: %v", err)
	}
	if ip.String() != "10.0.0.7" {
		t.Fatalf("picked %s, want 10.0.0.7", ip)
	}
}

func TestPickLocalAddressFallsBackToGatewayLike(t *testing.T) {
	t.Parallel()

	ips := func() ([]net.IP, error) {
		return []net.IP{net.ParseIP("192.168.0.1")}, nil
	}
	ip, err := pickLocalAddress(ips)
	if err != nil {
		t.Fatalf("pickLocalAddress: %v", err)
	}
	if ip.String() != "192.168.0.1" {
		t.Fatalf("picked %s", ip)
	}
}

func TestPickLocalAddressWithNoPrivateIPv4(t *testing.T) {
	t.Parallel()

	ips := func() ([]net.IP, error) {
		return []net.IP{net.ParseIP("8.8.8.8"), net.ParseIP("2001:db8::1")}, nil
	}
	if _, err := pickLocalAddress(ips); !errors.Is(err, ErrNoPrivateAddress) {
		t.Fatalf("err = %v, want ErrNoPrivateAddress", err)
	}
}
