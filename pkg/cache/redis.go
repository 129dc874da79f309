package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/memory"
)

// DefaultTTL is how long a warmed entry stays valid.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "memory:warm:"

// RedisCache implements SharedCache on Redis. Each agent+user scope maps to
// one key holding a JSON array; entries are stored individually marshalled so
// one malformed entry never poisons the rest.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// RedisConfig configures the Redis shared cache.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the Redis database number.
	DB int

	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg *RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}, nil
}

func cacheKey(agentID, userID string) string {
	return keyPrefix + agentID + ":" + userID
}

// GetMemories returns the cached scope, or nil on a miss. Entries that fail
// to unmarshal are logged and skipped.
func (c *RedisCache) GetMemories(ctx context.Context, agentID, userID string, limit int) ([]*memory.ScoredRecord, error) {
	raw, err := c.client.Get(ctx, cacheKey(agentID, userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get: %w", err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		c.logger.Warn("shared cache entry malformed, treating as miss",
			zap.String("agent_id", agentID), zap.Error(err))
		return nil, nil
	}

	scored := make([]*memory.ScoredRecord, 0, len(items))
	for _, item := range items {
		var s memory.ScoredRecord
		if err := json.Unmarshal(item, &s); err != nil || s.Record == nil {
			c.logger.Warn("skipping malformed cached memory",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		scored = append(scored, &s)
		if limit > 0 && len(scored) >= limit {
			break
		}
	}
	if len(scored) == 0 {
		return nil, nil
	}
	return scored, nil
}

// WarmCache stores the scope's scored memories with the configured TTL.
// Embeddings are stripped before caching to keep entries small.
func (c *RedisCache) WarmCache(ctx context.Context, agentID, userID string, scored []*memory.ScoredRecord) error {
	items := make([]json.RawMessage, 0, len(scored))
	for _, s := range scored {
		slim := *s.Record
		slim.Embedding = nil
		item, err := json.Marshal(&memory.ScoredRecord{
			Record:     &slim,
			FinalScore: s.FinalScore,
			Signals:    s.Signals,
		})
		if err != nil {
			continue
		}
		items = append(items, item)
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(agentID, userID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Invalidate scans and deletes every key for the agent, across user scopes.
func (c *RedisCache) Invalidate(ctx context.Context, agentID string) error {
	pattern := keyPrefix + agentID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: del: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
