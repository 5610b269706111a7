// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/log"
)

// Redis is the Redis-backed implementation of the dispatch cache.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("cache")
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to Redis")
	return &Redis{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, logger: zerolog.Nop()}
}

func (c *Redis) Close() error { return c.client.Close() }

// HealthCheck checks if Redis is available.
func (c *Redis) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// --- Station waiting lists ---

func waitingKey(mode model.Mode) string { return keyWaitingPrefix + string(mode) }

// WaitingPush appends an entry to the tail of the mode's waiting list.
func (c *Redis) WaitingPush(ctx context.Context, entry model.WaitingEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal waiting entry: %w", err)
	}
	return c.client.RPush(ctx, waitingKey(entry.Mode), data).Err()
}

// WaitingPop removes and returns the head of the mode's waiting list.
// Returns (nil, nil) when the list is empty.
func (c *Redis) WaitingPop(ctx context.Context, mode model.Mode) (*model.WaitingEntry, error) {
	data, err := c.client.LPop(ctx, waitingKey(mode)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry model.WaitingEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("cache: unmarshal waiting entry: %w", err)
	}
	return &entry, nil
}

// WaitingLen returns the length of one mode's waiting list.
func (c *Redis) WaitingLen(ctx context.Context, mode model.Mode) (int, error) {
	n, err := c.client.LLen(ctx, waitingKey(mode)).Result()
	return int(n), err
}

// WaitingList returns a snapshot of the mode's waiting list in order.
func (c *Redis) WaitingList(ctx context.Context, mode model.Mode) ([]model.WaitingEntry, error) {
	items, err := c.client.LRange(ctx, waitingKey(mode), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]model.WaitingEntry, 0, len(items))
	for _, item := range items {
		var entry model.WaitingEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			c.logger.Warn().Err(err).Str("mode", string(mode)).Msg("skipping corrupt waiting entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// WaitingRemove removes the entry with the given session id from the
// mode's list. Returns false when no such entry exists.
func (c *Redis) WaitingRemove(ctx context.Context, mode model.Mode, sessionID string) (bool, error) {
	items, err := c.client.LRange(ctx, waitingKey(mode), 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, item := range items {
		var entry model.WaitingEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.SessionID == sessionID {
			n, err := c.client.LRem(ctx, waitingKey(mode), 1, item).Result()
			return n > 0, err
		}
	}
	return false, nil
}

// WaitingClear drops both waiting lists. The lists are not durable;
// startup reconciliation calls this before accepting traffic.
func (c *Redis) WaitingClear(ctx context.Context) error {
	return c.client.Del(ctx, waitingKey(model.ModeFast), waitingKey(model.ModeTrickle)).Err()
}

// --- Session status hashes ---

// SessionSet writes live session attributes into the session hash.
func (c *Redis) SessionSet(ctx context.Context, sessionID string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.client.HSet(ctx, keySessionPrefix+sessionID, args...).Err()
}

// SessionGet reads the session hash; empty map when absent.
func (c *Redis) SessionGet(ctx context.Context, sessionID string) (map[string]string, error) {
	return c.client.HGetAll(ctx, keySessionPrefix+sessionID).Result()
}

// SessionDelete removes the session hash on terminal transitions.
func (c *Redis) SessionDelete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, keySessionPrefix+sessionID).Err()
}

// --- Pile status hashes ---

// PileSet writes the pile's application status and current session.
func (c *Redis) PileSet(ctx context.Context, pileID, status, currentSessionID string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, keyPilePrefix+pileID, "status", status)
	pipe.HSet(ctx, keyPilePrefix+pileID, "current_charging_session_id", currentSessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// PileGet reads the pile hash; empty map when absent.
func (c *Redis) PileGet(ctx context.Context, pileID string) (map[string]string, error) {
	return c.client.HGetAll(ctx, keyPilePrefix+pileID).Result()
}

// --- Guard locks (SET NX EX) ---

// AcquireGuard atomically sets the key if absent. Returns true when
// this caller is the first taker.
func (c *Redis) AcquireGuard(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "processing", ttl).Result()
}

// ReleaseGuard deletes the guard key.
func (c *Redis) ReleaseGuard(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// GuardHeld reports whether the guard key currently exists.
func (c *Redis) GuardHeld(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}
