package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "plan:apikey:"

// CachedResolver caches resolutions in Redis, including unknown keys, and
// collapses concurrent lookups of the same key into one.
type CachedResolver struct {
	next        Resolver
	client      redis.Cmdable
	ttl         time.Duration
	negativeTTL time.Duration
	group       singleflight.Group
	log         *slog.Logger
}

var _ Resolver = (*CachedResolver)(nil)

type cachedEntry struct {
	Found     bool       `json:"found"`
	Principal *Principal `json:"principal,omitempty"`
}

func NewCachedResolver(next Resolver, client redis.Cmdable, ttl time.Duration, log *slog.Logger) *CachedResolver {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &CachedResolver{
		next:        next,
		client:      client,
		ttl:         ttl,
		negativeTTL: ttl / 5,
		log:         log,
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, apiKey string) (*Principal, error) {
	hash := HashKey(apiKey)

	entry, err := c.get(ctx, hash)
	if err != nil {
		c.log.Warn("plan cache read failed", slog.Any("error", err))
	}
	if entry != nil {
		return entry.principal()
	}

	v, err, _ := c.group.Do(hash, func() (any, error) {
		p, err := c.next.Resolve(ctx, apiKey)
		switch {
		case err == nil:
			c.set(ctx, hash, cachedEntry{Found: true, Principal: p}, c.ttl)
		case errors.Is(err, ErrUnknownKey):
			c.set(ctx, hash, cachedEntry{Found: false}, c.negativeTTL)
		default:
			return nil, err
		}
		return &cachedEntry{Found: err == nil, Principal: p}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedEntry).principal()
}

// Invalidate drops the cached entry for apiKey.
func (c *CachedResolver) Invalidate(ctx context.Context, apiKey string) error {
	if err := c.client.Del(ctx, cacheKeyPrefix+HashKey(apiKey)).Err(); err != nil {
		return fmt.Errorf("delete cached plan: %w", err)
	}
	return nil
}

func (c *CachedResolver) get(ctx context.Context, hash string) (*cachedEntry, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+hash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached plan: %w", err)
	}

	var entry cachedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cached plan: %w", err)
	}
	return &entry, nil
}

func (c *CachedResolver) set(ctx context.Context, hash string, entry cachedEntry, ttl time.Duration) {
	payload, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("plan cache encode failed", slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+hash, payload, ttl).Err(); err != nil {
		c.log.Warn("plan cache write failed", slog.Any("error", err))
	}
}

func (e *cachedEntry) principal() (*Principal, error) {
	if !e.Found || e.Principal == nil {
		return nil, ErrUnknownKey
	}
	p := *e.Principal
	return &p, nil
}
