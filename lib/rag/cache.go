package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

// Cache stores generated answers per namespace, keyed by question and
// top_k. Invalidate drops everything cached for a namespace; it is called
// whenever the namespace's index changes so stale answers (and their
// retrieved chunk texts) can never outlive the documents they came from.
// Misses and cache failures are equivalent, the pipeline just runs.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (*harborseal.Answer, bool)
	Set(ctx context.Context, namespace, key string, answer *harborseal.Answer)
	Invalidate(ctx context.Context, namespace string)
}

// NoopCache is used when no cache backend is configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string, string) (*harborseal.Answer, bool) { return nil, false }
func (NoopCache) Set(context.Context, string, string, *harborseal.Answer)       {}
func (NoopCache) Invalidate(context.Context, string)                            {}

// RedisCache caches answers in redis with a bounded TTL. Every namespace
// has a generation counter folded into its keys; Invalidate bumps the
// counter, which orphans all prior entries at once and leaves them to the
// TTL to reap.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(url string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, namespace, key string) (*harborseal.Answer, bool) {
	data, err := c.client.Get(ctx, c.entryKey(ctx, namespace, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("answer cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var answer harborseal.Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		c.logger.Warn("answer cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &answer, true
}

func (c *RedisCache) Set(ctx context.Context, namespace, key string, answer *harborseal.Answer) {
	data, err := json.Marshal(answer)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.entryKey(ctx, namespace, key), data, c.ttl).Err(); err != nil {
		c.logger.Warn("answer cache write failed", zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, namespace string) {
	if err := c.client.Incr(ctx, generationKey(namespace)).Err(); err != nil {
		c.logger.Warn("answer cache invalidation failed", zap.String("namespace", namespace), zap.Error(err))
	}
}

func (c *RedisCache) entryKey(ctx context.Context, namespace, key string) string {
	gen, err := c.client.Get(ctx, generationKey(namespace)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("answer cache generation read failed", zap.Error(err))
		}
		gen = "0"
	}
	return fmt.Sprintf("answer:%s:%s:%s", namespace, gen, key)
}

func generationKey(namespace string) string {
	return "answer-gen:" + namespace
}

func cacheKey(question string, topK int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", question, topK)))
	return hex.EncodeToString(sum[:])
}
