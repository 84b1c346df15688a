package frecency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/launchkitd/launchkitd/internal/logger"
)

// Mirror optionally replicates frecency entries to Redis so a
// multi-machine setup sharing one account can see a consistent frecency
// picture. Every call site works identically whether or not Redis is
// configured: a disabled mirror is a no-op, never an error.
type Mirror struct {
	client *redis.Client
}

// MirrorConfig configures the optional Redis mirror.
type MirrorConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// NewMirror constructs a Mirror. When cfg.Enabled is false, IsEnabled
// reports false and every method is a no-op.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if !cfg.Enabled {
		return &Mirror{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping frecency mirror: %w", err)
	}
	return &Mirror{client: client}, nil
}

// IsEnabled reports whether the mirror is backed by a live Redis client.
func (m *Mirror) IsEnabled() bool { return m.client != nil }

// Close closes the Redis connection, if any.
func (m *Mirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

func redisKey(scopeKey string) string { return "launchkitd:frecency:" + scopeKey }

// Push replicates e to Redis. A no-op when the mirror is disabled.
func (m *Mirror) Push(ctx context.Context, e Entry) error {
	if !m.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal frecency entry: %w", err)
	}
	if err := m.client.Set(ctx, redisKey(e.ScopeKey), data, 0).Err(); err != nil {
		logger.Session().Warn().Err(err).Str("scope_key", e.ScopeKey).Msg("frecency mirror push failed")
		return err
	}
	return nil
}

// Fetch retrieves e's mirrored Entry, if Redis has one.
func (m *Mirror) Fetch(ctx context.Context, scopeKey string) (Entry, bool, error) {
	if !m.IsEnabled() {
		return Entry{}, false, nil
	}
	val, err := m.client.Get(ctx, redisKey(scopeKey)).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}
