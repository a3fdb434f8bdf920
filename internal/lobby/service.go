package lobby

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/roomlink/roomlink/internal/contracts"
	"github.com/roomlink/roomlink/pkg/ids"
)

// Service implements the lobbyd operations over the repository, presence
// tracker and relay allocator.
type Service struct {
	repo      Repository
	presence  Presence
	allocator Allocator
	nc        *nats.Conn
	logger    zerolog.Logger
}

func NewService(repo Repository, presence Presence, allocator Allocator, nc *nats.Conn, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		presence:  presence,
		allocator: allocator,
		nc:        nc,
		logger:    logger.With().Str("component", "lobby").Logger(),
	}
}

func (s *Service) Allocate(ctx context.Context, correlationID string) (Allocation, error) {
	alloc, err := s.allocator.Allocate(ctx)
	if err != nil {
		return Allocation{}, err
	}
	s.publish(correlationID, nil, contracts.EventRelayAllocated, contracts.RelayAllocatedV1{
		AllocationID: alloc.ID,
		Host:         alloc.Host,
		Port:         alloc.Port,
	})
	return alloc, nil
}

func (s *Service) JoinCode(ctx context.Context, allocationID string) (string, error) {
	return s.allocator.JoinCode(ctx, allocationID)
}

func (s *Service) ResolveJoinCode(ctx context.Context, joinCode string) (Allocation, error) {
	return s.allocator.Resolve(ctx, joinCode)
}

func (s *Service) CreateLobby(ctx context.Context, correlationID, name string, maxPeers int, hostPlayerID string, metadata map[string]string) (Lobby, error) {
	lobby, err := s.repo.CreateLobby(ctx, name, maxPeers, hostPlayerID, metadata)
	if err != nil {
		return Lobby{}, err
	}
	if err := s.presence.Heartbeat(ctx, lobby.ID); err != nil {
		s.logger.Warn().Err(err).Str("lobby", lobby.ID).Msg("initial heartbeat failed")
	}
	if !lobby.Full() {
		if err := s.presence.MarkOpen(ctx, lobby.ID); err != nil {
			s.logger.Warn().Err(err).Str("lobby", lobby.ID).Msg("could not mark lobby open")
		}
	}
	s.publish(correlationID, &hostPlayerID, contracts.EventLobbyCreated, contracts.LobbyCreatedV1{
		LobbyID:      lobby.ID,
		Name:         lobby.Name,
		MaxPeers:     lobby.MaxPeers,
		HasPassword:  metadata[metaHasPassword] == "true",
		AllocationID: metadata[metaAllocationID],
	})
	return lobby, nil
}

// GetLobby returns the lobby as seen by playerID: the password hash is
// only included for members.
func (s *Service) GetLobby(ctx context.Context, lobbyID, playerID string) (Lobby, error) {
	lobby, err := s.repo.GetLobby(ctx, lobbyID)
	if err != nil {
		return Lobby{}, err
	}
	return filterForViewer(lobby, playerID), nil
}

func (s *Service) JoinLobby(ctx context.Context, correlationID, lobbyID, playerID string) (Lobby, error) {
	alive, err := s.presence.Alive(ctx, lobbyID)
	if err != nil {
		return Lobby{}, err
	}
	if !alive {
		s.expire(ctx, lobbyID)
		return Lobby{}, ErrNotFound
	}

	if err := s.repo.AddMember(ctx, lobbyID, playerID); err != nil {
		return Lobby{}, err
	}
	lobby, err := s.repo.GetLobby(ctx, lobbyID)
	if err != nil {
		return Lobby{}, err
	}
	if lobby.Full() {
		if err := s.presence.MarkClosed(ctx, lobbyID); err != nil {
			s.logger.Warn().Err(err).Str("lobby", lobbyID).Msg("could not close full lobby for quick join")
		}
		// Keep the alive key; MarkClosed dropped it along with the open flag.
		if err := s.presence.Heartbeat(ctx, lobbyID); err != nil {
			s.logger.Warn().Err(err).Str("lobby", lobbyID).Msg("could not restore alive key")
		}
	}
	s.publish(correlationID, &playerID, contracts.EventLobbyPlayerJoined, contracts.LobbyPlayerJoinedV1{
		LobbyID:  lobbyID,
		PlayerID: playerID,
	})
	return filterForViewer(lobby, playerID), nil
}

// QuickJoin picks the first open, alive lobby and joins it. Dead entries
// found on the way are expired.
func (s *Service) QuickJoin(ctx context.Context, correlationID, playerID string) (Lobby, error) {
	open, err := s.presence.OpenLobbies(ctx)
	if err != nil {
		return Lobby{}, err
	}
	for _, lobbyID := range open {
		alive, err := s.presence.Alive(ctx, lobbyID)
		if err != nil {
			return Lobby{}, err
		}
		if !alive {
			s.expire(ctx, lobbyID)
			continue
		}
		lobby, err := s.JoinLobby(ctx, correlationID, lobbyID, playerID)
		if err == ErrLobbyFull || err == ErrNotFound {
			continue
		}
		if err != nil {
			return Lobby{}, err
		}
		return lobby, nil
	}
	return Lobby{}, ErrNoOpenLobby
}

func (s *Service) Heartbeat(ctx context.Context, lobbyID string) error {
	if _, err := s.repo.GetLobby(ctx, lobbyID); err != nil {
		return err
	}
	return s.presence.Heartbeat(ctx, lobbyID)
}

// Touch refreshes the lobby's keep-alive timestamp. A missing or expired
// lobby surfaces as ErrNotFound, which clients treat as liveness lost.
func (s *Service) Touch(ctx context.Context, lobbyID string) error {
	alive, err := s.presence.Alive(ctx, lobbyID)
	if err != nil {
		return err
	}
	if !alive {
		s.expire(ctx, lobbyID)
		return ErrNotFound
	}
	return s.repo.TouchLobby(ctx, lobbyID)
}

func (s *Service) RemovePlayer(ctx context.Context, correlationID, lobbyID, playerID string) error {
	lobby, err := s.repo.GetLobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveMember(ctx, lobbyID, playerID); err != nil {
		return err
	}
	s.publish(correlationID, &playerID, contracts.EventLobbyPlayerRemoved, contracts.LobbyPlayerRemovedV1{
		LobbyID:  lobbyID,
		PlayerID: playerID,
	})

	if playerID == lobby.HostPlayerID {
		// The host leaving closes the lobby for everyone.
		s.expire(ctx, lobbyID)
		return nil
	}
	if lobby.Full() {
		// A slot just opened up.
		if err := s.presence.MarkOpen(ctx, lobbyID); err != nil {
			s.logger.Warn().Err(err).Str("lobby", lobbyID).Msg("could not reopen lobby")
		}
	}
	return nil
}

// expire closes a lobby whose host went away: presence records, the lobby
// row and its relay allocation are all released.
func (s *Service) expire(ctx context.Context, lobbyID string) {
	// Read the allocation id before the row closes; GetLobby filters
	// closed lobbies.
	var allocationID string
	if lobby, err := s.repo.GetLobby(ctx, lobbyID); err == nil {
		allocationID = lobby.Metadata[metaAllocationID]
	}

	if err := s.presence.MarkClosed(ctx, lobbyID); err != nil {
		s.logger.Warn().Err(err).Str("lobby", lobbyID).Msg("could not clear presence")
	}
	if err := s.repo.CloseLobby(ctx, lobbyID); err != nil && err != ErrNotFound {
		s.logger.Warn().Err(err).Str("lobby", lobbyID).Msg("could not close lobby row")
		return
	}
	if allocationID != "" {
		if err := s.allocator.Release(ctx, allocationID); err != nil && err != ErrNotFound {
			s.logger.Warn().Err(err).Str("allocation", allocationID).Msg("could not release relay allocation")
		}
	}
	s.publish("", nil, contracts.EventLobbyClosed, contracts.LobbyClosedV1{
		LobbyID: lobbyID,
		Reason:  "expired",
	})
	s.logger.Info().Str("lobby", lobbyID).Msg("lobby expired")
}

func (s *Service) publish(correlationID string, playerID *string, eventType contracts.EventType, payload any) {
	if s.nc == nil {
		return
	}
	eventID, err := ids.NewUUID()
	if err != nil {
		s.logger.Error().Err(err).Msg("could not create event id")
		return
	}
	raw, err := contracts.MarshalV1(eventID, eventType, time.Now().UTC(), correlationID, playerID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(eventType)).Msg("could not marshal event")
		return
	}
	subject, err := contracts.SubjectForType(eventType)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(eventType)).Msg("no subject for event")
		return
	}
	msg := nats.NewMsg(subject)
	msg.Data = raw
	msg.Header.Set("correlation_id", correlationID)
	msg.Header.Set("content-type", "application/json")
	if err := s.nc.PublishMsg(msg); err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("could not publish event")
	}
}

func filterForViewer(lobby Lobby, playerID string) Lobby {
	if lobby.HasMember(playerID) || lobby.Metadata[metaHashedPassword] == "" {
		return lobby
	}
	filtered := make(map[string]string, len(lobby.Metadata))
	for k, v := range lobby.Metadata {
		if k == metaHashedPassword {
			continue
		}
		filtered[k] = v
	}
	lobby.Metadata = filtered
	return lobby
}
