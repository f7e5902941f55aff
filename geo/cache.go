package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis.evalgo.org/common"
)

// Cached wraps another resolver with a redis TTL cache keyed by IP.
// Cache failures degrade to a direct lookup: location data is advisory,
// so a broken cache must never fail an enrichment that the inner resolver
// could still serve.
type Cached struct {
	inner  Resolver
	client *redis.Client
	ttl    time.Duration
}

// NewCached creates a caching resolver backed by the redis instance at url.
func NewCached(inner Resolver, url string, ttl time.Duration) (*Cached, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Cached{inner: inner, client: client, ttl: ttl}, nil
}

// NewCachedWithClient creates a caching resolver around an existing client.
func NewCachedWithClient(inner Resolver, client *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cached{inner: inner, client: client, ttl: ttl}
}

func cacheKey(ip string) string { return "geo:" + ip }

// Resolve returns the cached location for ip when present, otherwise
// delegates to the inner resolver and caches a successful result.
func (c *Cached) Resolve(ctx context.Context, ip string) (*Location, error) {
	if isLocal(ip) {
		loc := Unknown
		return &loc, nil
	}

	data, err := c.client.Get(ctx, cacheKey(ip)).Bytes()
	if err == nil {
		var loc Location
		if err := json.Unmarshal(data, &loc); err == nil {
			return &loc, nil
		}
		// Unreadable cache entry: fall through to a fresh lookup.
	} else if err != redis.Nil {
		common.Logger.WithError(err).Debug("geo cache read failed, falling back to direct lookup")
	}

	loc, err := c.inner.Resolve(ctx, ip)
	if err != nil || loc == nil {
		return loc, err
	}

	if data, err := json.Marshal(loc); err == nil {
		if err := c.client.Set(ctx, cacheKey(ip), data, c.ttl).Err(); err != nil {
			common.Logger.WithError(err).Debug("geo cache write failed")
		}
	}

	return loc, nil
}

// Close releases the redis client.
func (c *Cached) Close() error { return c.client.Close() }
