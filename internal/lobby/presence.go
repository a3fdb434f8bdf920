package lobby

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which lobbies are alive and which are open for quick
// join.
type Presence interface {
	Heartbeat(ctx context.Context, lobbyID string) error
	Alive(ctx context.Context, lobbyID string) (bool, error)
	MarkOpen(ctx context.Context, lobbyID string) error
	MarkClosed(ctx context.Context, lobbyID string) error
	OpenLobbies(ctx context.Context) ([]string, error)
}

const (
	lobbyAliveKeyPrefix = "roomlink:lobby:alive:"
	openLobbiesKey      = "roomlink:lobbies:open"
)

// RedisPresence implements Presence with a TTL key per lobby and a set of
// open lobby ids. A lobby whose host stops heartbeating simply expires.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{client: client, ttl: ttl}
}

func (p *RedisPresence) Heartbeat(ctx context.Context, lobbyID string) error {
	return p.client.Set(ctx, lobbyAliveKeyPrefix+lobbyID, "1", p.ttl).Err()
}

func (p *RedisPresence) Alive(ctx context.Context, lobbyID string) (bool, error) {
	n, err := p.client.Exists(ctx, lobbyAliveKeyPrefix+lobbyID).Result()
	return n > 0, err
}

func (p *RedisPresence) MarkOpen(ctx context.Context, lobbyID string) error {
	return p.client.SAdd(ctx, openLobbiesKey, lobbyID).Err()
}

func (p *RedisPresence) MarkClosed(ctx context.Context, lobbyID string) error {
	pipe := p.client.TxPipeline()
	pipe.SRem(ctx, openLobbiesKey, lobbyID)
	pipe.Del(ctx, lobbyAliveKeyPrefix+lobbyID)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) OpenLobbies(ctx context.Context) ([]string, error) {
	return p.client.SMembers(ctx, openLobbiesKey).Result()
}
