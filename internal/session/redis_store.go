// Package session keeps a directory of live connection sessions in Redis so
// any instance can tell whether a user is online.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 2 * time.Minute

// Record is the liveness record stored for each attached session
type Record struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// RedisStore implements the live-session directory using Redis.
// A session key expires unless refreshed by heartbeats within the TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "tasksync:",
		ttl:    ttl,
	}
}

// Client exposes the underlying client so the event bus can share it
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user-sessions:" + userID
}

// Register records a newly attached session
func (s *RedisStore) Register(ctx context.Context, sessionID, userID, displayName string) error {
	data, err := sonic.Marshal(Record{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		ConnectedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sessionID), data, s.ttl)
		pipe.SAdd(ctx, s.userKey(userID), sessionID)
		pipe.Expire(ctx, s.userKey(userID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// Touch extends the TTL of a live session
func (s *RedisStore) Touch(ctx context.Context, sessionID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.sessionKey(sessionID), s.ttl)
		pipe.Expire(ctx, s.userKey(userID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Unregister removes a detached session
func (s *RedisStore) Unregister(ctx context.Context, sessionID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID))
		pipe.SRem(ctx, s.userKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregister session: %w", err)
	}
	return nil
}

// Sessions returns the live sessions of userID, oldest first. Members whose
// record already expired are removed from the user's set.
func (s *RedisStore) Sessions(ctx context.Context, userID string) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load session records: %w", err)
	}

	records := make([]Record, 0, len(values))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var record Record
		if err := sonic.UnmarshalString(raw, &record); err != nil {
			return nil, fmt.Errorf("unmarshal session record: %w", err)
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("prune expired sessions: %w", err)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].ConnectedAt.Equal(records[j].ConnectedAt) {
			return records[i].ConnectedAt.Before(records[j].ConnectedAt)
		}
		return records[i].SessionID < records[j].SessionID
	})
	return records, nil
}

// IsOnline reports whether userID has at least one live session on any instance
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	records, err := s.Sessions(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
