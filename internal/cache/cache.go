// File: internal/cache/cache.go

// Package cache holds rendered graph snapshots so repeated reads of a busy
// session skip the database. Entries are invalidated on every write into
// their session, with a TTL as the backstop.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const connectTimeout = 5 * time.Second

// GraphCache is the snapshot cache consulted on graph reads. A miss is not
// an error; callers fall through to the store.
type GraphCache interface {
	GetGraph(ctx context.Context, sessionID string) (schemas.Graph, bool, error)
	SetGraph(ctx context.Context, sessionID string, graph schemas.Graph) error
	Invalidate(ctx context.Context, sessionID string) error
	Close() error
}

// Nop is the cache used when caching is disabled; every read misses.
type Nop struct{}

var _ GraphCache = Nop{}

func (Nop) GetGraph(ctx context.Context, sessionID string) (schemas.Graph, bool, error) {
	return schemas.Graph{}, false, nil
}

func (Nop) SetGraph(ctx context.Context, sessionID string, graph schemas.Graph) error { return nil }

func (Nop) Invalidate(ctx context.Context, sessionID string) error { return nil }

func (Nop) Close() error { return nil }

// Redis implements GraphCache on a Redis instance.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

var _ GraphCache = (*Redis)(nil)

// NewRedis connects to the configured Redis instance and verifies it is
// reachable.
func NewRedis(cfg config.CacheConfig, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		log:    logger.Named("cache"),
	}, nil
}

func (c *Redis) GetGraph(ctx context.Context, sessionID string) (schemas.Graph, bool, error) {
	data, err := c.client.Get(ctx, graphKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return schemas.Graph{}, false, nil
	}
	if err != nil {
		return schemas.Graph{}, false, fmt.Errorf("failed to read cached graph: %w", err)
	}

	var graph schemas.Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		// A snapshot that no longer decodes is worthless; drop it and miss.
		c.log.Warn("Dropping undecodable cached graph",
			zap.String("session_id", sessionID), zap.Error(err))
		_ = c.client.Del(ctx, graphKey(sessionID)).Err()
		return schemas.Graph{}, false, nil
	}
	return graph, true, nil
}

func (c *Redis) SetGraph(ctx context.Context, sessionID string, graph schemas.Graph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to encode graph snapshot: %w", err)
	}
	if err := c.client.Set(ctx, graphKey(sessionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store graph snapshot: %w", err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, graphKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate graph snapshot: %w", err)
	}
	return nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}

// graphKey namespaces snapshot keys so the instance can be shared.
func graphKey(sessionID string) string {
	return "riskgraph:graph:" + sessionID
}
