package lobby

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roomlink/roomlink/pkg/ids"
)

// Repository persists lobby records.
type Repository interface {
	CreateLobby(ctx context.Context, name string, maxPeers int, hostPlayerID string, metadata map[string]string) (Lobby, error)
	GetLobby(ctx context.Context, id string) (Lobby, error)
	AddMember(ctx context.Context, lobbyID, playerID string) error
	RemoveMember(ctx context.Context, lobbyID, playerID string) error
	TouchLobby(ctx context.Context, lobbyID string) error
	CloseLobby(ctx context.Context, lobbyID string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateLobby(ctx context.Context, name string, maxPeers int, hostPlayerID string, metadata map[string]string) (Lobby, error) {
	lobbyID, err := ids.NewUUID()
	if err != nil {
		return Lobby{}, err
	}
	metaRaw, err := json.Marshal(metadata)
	if err != nil {
		return Lobby{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Lobby{}, err
	}
	defer func() { _ = tx.Rollback() }()

	const qInsertLobby = `INSERT INTO lobbies (id, name, host_player_id, max_peers, metadata) VALUES ($1, $2, $3, $4, $5) RETURNING id::text, name, host_player_id, max_peers, created_at, updated_at`
	var out Lobby
	if err := tx.QueryRowContext(ctx, qInsertLobby, lobbyID, name, hostPlayerID, maxPeers, metaRaw).
		Scan(&out.ID, &out.Name, &out.HostPlayerID, &out.MaxPeers, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return Lobby{}, err
	}

	const qInsertMember = `INSERT INTO lobby_members (lobby_id, player_id, role) VALUES ($1, $2, 'host')`
	if _, err := tx.ExecContext(ctx, qInsertMember, lobbyID, hostPlayerID); err != nil {
		return Lobby{}, err
	}

	if err := tx.Commit(); err != nil {
		return Lobby{}, err
	}
	out.Players = []string{hostPlayerID}
	out.Metadata = metadata
	return out, nil
}

func (r *PostgresRepository) GetLobby(ctx context.Context, id string) (Lobby, error) {
	const qLobby = `SELECT id::text, name, host_player_id, max_peers, metadata, created_at, updated_at FROM lobbies WHERE id = $1 AND closed_at IS NULL`
	var (
		out     Lobby
		metaRaw []byte
	)
	err := r.db.QueryRowContext(ctx, qLobby, id).
		Scan(&out.ID, &out.Name, &out.HostPlayerID, &out.MaxPeers, &metaRaw, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lobby{}, ErrNotFound
	}
	if err != nil {
		return Lobby{}, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &out.Metadata); err != nil {
			return Lobby{}, fmt.Errorf("decode lobby metadata: %w", err)
		}
	}

	const qMembers = `SELECT player_id FROM lobby_members WHERE lobby_id = $1 ORDER BY joined_at`
	rows, err := r.db.QueryContext(ctx, qMembers, id)
	if err != nil {
		return Lobby{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var playerID string
		if err := rows.Scan(&playerID); err != nil {
			return Lobby{}, err
		}
		out.Players = append(out.Players, playerID)
	}
	return out, rows.Err()
}

// AddMember inserts a member while holding the lobby row lock so two
// concurrent joins cannot both take the last slot.
func (r *PostgresRepository) AddMember(ctx context.Context, lobbyID, playerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const qLock = `SELECT max_peers FROM lobbies WHERE id = $1 AND closed_at IS NULL FOR UPDATE`
	var maxPeers int
	if err := tx.QueryRowContext(ctx, qLock, lobbyID).Scan(&maxPeers); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	const qCount = `SELECT COUNT(*) FROM lobby_members WHERE lobby_id = $1`
	var members int
	if err := tx.QueryRowContext(ctx, qCount, lobbyID).Scan(&members); err != nil {
		return err
	}
	if members >= maxPeers {
		return ErrLobbyFull
	}

	const qInsert = `INSERT INTO lobby_members (lobby_id, player_id, role) VALUES ($1, $2, 'player') ON CONFLICT (lobby_id, player_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, qInsert, lobbyID, playerID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) RemoveMember(ctx context.Context, lobbyID, playerID string) error {
	const q = `DELETE FROM lobby_members WHERE lobby_id = $1 AND player_id = $2`
	res, err := r.db.ExecContext(ctx, q, lobbyID, playerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) TouchLobby(ctx context.Context, lobbyID string) error {
	const q = `UPDATE lobbies SET updated_at = now() WHERE id = $1 AND closed_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, lobbyID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CloseLobby(ctx context.Context, lobbyID string) error {
	const q = `UPDATE lobbies SET closed_at = now() WHERE id = $1 AND closed_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, lobbyID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
