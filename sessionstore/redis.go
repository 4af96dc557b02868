package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisTTL matches how long the store keeps unfinished upload sessions.
	DefaultRedisTTL = 7 * 24 * time.Hour

	defaultRedisPrefix = "bytevault:upload:"
)

// RedisOptions ...
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys. Default: "bytevault:upload:"
	Prefix string
	// TTL is refreshed on every save. Default: DefaultRedisTTL
	TTL time.Duration
}

// RedisStore keeps each session as a JSON value with a TTL, plus a sorted set index ordered by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisStore(ctx, client, opts.Prefix, opts.TTL)
}

// NewRedisStoreFromURL connects using a redis:// URL.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisStore(ctx, redis.NewClient(options), "", ttl)
}

func newRedisStore(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration) (*RedisStore, error) {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(taskID string) string {
	return s.prefix + "session:" + taskID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

// Save ...
func (s *RedisStore) Save(ctx context.Context, session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(session.TaskID), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(session.CreatedAt.UnixNano()), Member: session.TaskID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session[%s]: %w", session.TaskID, err)
	}
	return nil
}

// Load ...
func (s *RedisStore) Load(ctx context.Context, taskID string) (Session, error) {
	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session[%s]: %w", taskID, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("decode session[%s]: %w", taskID, err)
	}
	return session, nil
}

// List returns the sessions whose keys have not expired and drops expired ones from the index.
func (s *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []Session
	for _, id := range ids {
		session, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
				return nil, fmt.Errorf("failed to drop expired session[%s]: %w", id, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Delete ...
func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(taskID))
		pipe.ZRem(ctx, s.indexKey(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session[%s]: %w", taskID, err)
	}
	return nil
}

// Close ...
func (s *RedisStore) Close() error {
	return s.client.Close()
}
