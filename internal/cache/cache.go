// Package cache provides a Redis-backed cache for raw source results,
// so retriggered runs within the TTL window do not refetch providers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/model"
)

// Redis caches source results keyed by (source, token address).
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		log:    logrus.WithField("component", "cache"),
	}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func key(source, tokenAddr string) string {
	return "omni:source:" + source + ":" + tokenAddr
}

// Get returns a cached result. A miss, an expired entry or any Redis
// failure all report a miss; the cache never blocks a fetch.
func (r *Redis) Get(ctx context.Context, source, tokenAddr string) (model.SourceResult, bool) {
	raw, err := r.client.Get(ctx, key(source, tokenAddr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.SourceResult{}, false
	}
	if err != nil {
		r.log.WithError(err).Debug("Cache read failed")
		return model.SourceResult{}, false
	}

	var res model.SourceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		r.log.WithError(err).Warn("Dropping undecodable cache entry")
		r.client.Del(ctx, key(source, tokenAddr))
		return model.SourceResult{}, false
	}
	return res, true
}

// Set stores a result for the configured TTL. Only usable results are
// worth caching; error outcomes are dropped.
func (r *Redis) Set(ctx context.Context, res model.SourceResult) {
	if !res.Ok() {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		r.log.WithError(err).Warn("Failed to encode cache entry")
		return
	}
	if err := r.client.Set(ctx, key(res.Source, res.TokenAddress), raw, r.ttl).Err(); err != nil {
		r.log.WithError(err).Debug("Cache write failed")
	}
}
