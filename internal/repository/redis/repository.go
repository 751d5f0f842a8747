// Package redis provides a Redis/Valkey implementation of the session store
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/navikt/dualroom/internal/config"
	"github.com/navikt/dualroom/internal/models"
)

// Connect builds a client from the configuration and verifies the connection
func Connect(cfg config.RedisConfig) (*redis.Client, error) {
	var client *redis.Client

	// Use URI if provided, otherwise build connection from individual parameters
	if cfg.URI != "" {
		opt, err := redis.ParseURL(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URI: %w", err)
		}

		// Use DB from config if not specified in the URI
		if opt.DB == 0 {
			opt.DB = cfg.DB
		}
		if opt.Password == "" && cfg.Password != "" {
			opt.Password = cfg.Password
		}

		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Address(),
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// SessionStore keeps the keys of one session under <prefix>sessions:<id>:
type SessionStore struct {
	client    *redis.Client
	keyPrefix string
	sessionID string
	ttl       time.Duration
	ownClient bool
}

// NewSessionStore connects to Redis and returns a store for sessionID
func NewSessionStore(cfg config.RedisConfig, sessionID string) (*SessionStore, error) {
	client, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	s := NewSessionStoreWithClient(client, cfg.KeyPrefix, sessionID, cfg.SessionTTL)
	s.ownClient = true
	return s, nil
}

// NewSessionStoreWithClient shares an existing client. Close leaves the client open.
func NewSessionStoreWithClient(client *redis.Client, keyPrefix, sessionID string, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:    client,
		keyPrefix: keyPrefix,
		sessionID: sessionID,
		ttl:       ttl,
	}
}

// Close closes the Redis connection if the store created it
func (s *SessionStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *SessionStore) key(name string) string {
	return fmt.Sprintf("%ssessions:%s:%s", s.keyPrefix, s.sessionID, name)
}

// Get returns the value for key or models.ErrNotFound
func (s *SessionStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

// Set stores a single value with the session TTL
func (s *SessionStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetMany stores all values in one MULTI/EXEC transaction
func (s *SessionStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for k, v := range values {
		pipe.Set(ctx, s.key(k), v, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write session keys: %w", err)
	}
	return nil
}

// Delete removes keys; missing keys are not an error
func (s *SessionStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete session keys: %w", err)
	}
	return nil
}
