package lobby

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/roomlink/roomlink/internal/roomcode"
	"github.com/roomlink/roomlink/pkg/ids"
)

// Allocator reserves relay endpoints and resolves join codes.
type Allocator interface {
	Allocate(ctx context.Context) (Allocation, error)
	JoinCode(ctx context.Context, allocationID string) (string, error)
	Resolve(ctx context.Context, joinCode string) (Allocation, error)
	Release(ctx context.Context, allocationID string) error
}

const (
	portKeyPrefix  = "roomlink:relay:port:"
	allocKeyPrefix = "roomlink:relay:alloc:"
	codeKeyPrefix  = "roomlink:relay:code:"

	joinCodeLen = 6
)

// RedisAllocator hands out relay ports from a fixed [start, end] pool,
// using Redis keys as the reservation ledger so every lobbyd instance
// sees the same pool.
type RedisAllocator struct {
	client *redis.Client
	host   string
	start  int
	end    int
}

func NewRedisAllocator(client *redis.Client, host string, portStart, portEnd int) *RedisAllocator {
	return &RedisAllocator{client: client, host: host, start: portStart, end: portEnd}
}

func (a *RedisAllocator) Allocate(ctx context.Context) (Allocation, error) {
	allocID, err := ids.NewUUID()
	if err != nil {
		return Allocation{}, err
	}

	for port := a.start; port <= a.end; port++ {
		ok, err := a.client.SetNX(ctx, portKeyPrefix+strconv.Itoa(port), allocID, 0).Result()
		if err != nil {
			return Allocation{}, err
		}
		if !ok {
			continue
		}
		alloc := Allocation{ID: allocID, Host: a.host, Port: uint16(port)}
		err = a.client.HSet(ctx, allocKeyPrefix+allocID, map[string]any{
			"host": alloc.Host,
			"port": int(alloc.Port),
		}).Err()
		if err != nil {
			a.client.Del(ctx, portKeyPrefix+strconv.Itoa(port))
			return Allocation{}, err
		}
		return alloc, nil
	}
	return Allocation{}, ErrPoolExhausted
}

// JoinCode returns the allocation's join code, minting one on first use.
func (a *RedisAllocator) JoinCode(ctx context.Context, allocationID string) (string, error) {
	exists, err := a.client.Exists(ctx, allocKeyPrefix+allocationID).Result()
	if err != nil {
		return "", err
	}
	if exists == 0 {
		return "", ErrNotFound
	}

	codeField := allocKeyPrefix + allocationID
	if code, err := a.client.HGet(ctx, codeField, "code").Result(); err == nil && code != "" {
		return code, nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := newJoinCode()
		if err != nil {
			return "", err
		}
		ok, err := a.client.SetNX(ctx, codeKeyPrefix+code, allocationID, 0).Result()
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if err := a.client.HSet(ctx, codeField, "code", code).Err(); err != nil {
			return "", err
		}
		return code, nil
	}
	return "", errors.New("lobby: could not mint a unique join code")
}

func (a *RedisAllocator) Resolve(ctx context.Context, joinCode string) (Allocation, error) {
	allocID, err := a.client.Get(ctx, codeKeyPrefix+joinCode).Result()
	if errors.Is(err, redis.Nil) {
		return Allocation{}, ErrNotFound
	}
	if err != nil {
		return Allocation{}, err
	}

	fields, err := a.client.HGetAll(ctx, allocKeyPrefix+allocID).Result()
	if err != nil {
		return Allocation{}, err
	}
	if len(fields) == 0 {
		return Allocation{}, ErrNotFound
	}
	port, err := strconv.Atoi(fields["port"])
	if err != nil {
		return Allocation{}, fmt.Errorf("corrupt allocation %s: %w", allocID, err)
	}
	return Allocation{ID: allocID, Host: fields["host"], Port: uint16(port)}, nil
}

func (a *RedisAllocator) Release(ctx context.Context, allocationID string) error {
	fields, err := a.client.HGetAll(ctx, allocKeyPrefix+allocationID).Result()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return ErrNotFound
	}

	pipe := a.client.TxPipeline()
	pipe.Del(ctx, portKeyPrefix+fields["port"])
	if code := fields["code"]; code != "" {
		pipe.Del(ctx, codeKeyPrefix+code)
	}
	pipe.Del(ctx, allocKeyPrefix+allocationID)
	_, err = pipe.Exec(ctx)
	return err
}

// newJoinCode draws joinCodeLen characters from the room code alphabet, so
// join codes and room codes share one confusion-free character set. Bytes
// past the largest multiple of 58 are rejected to keep the draw uniform.
func newJoinCode() (string, error) {
	const limit = 232 // 4 * 58
	out := make([]byte, 0, joinCodeLen)
	buf := make([]byte, joinCodeLen)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, roomcode.Alphabet[b%58])
			if len(out) == joinCodeLen {
				return string(out), nil
			}
		}
	}
}
