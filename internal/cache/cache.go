// Package cache keeps resolved slugs in Redis so hot links skip the database.
//
// Entries are written on a miss and deleted whenever the link's current target, slug or
// archive state changes. Every invalidation also bumps a per-slug generation, and a miss
// only writes back if the generation is the one it saw before loading from the store.
// Cache failures are logged and never fail a redirect.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL = time.Hour
	// generations outlive entries so a bump cannot expire while a load is in flight
	minGenerationTTL = 24 * time.Hour
)

// setIfGeneration writes KEYS[1] only while the generation in KEYS[2] equals ARGV[1].
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Both keys share the {slug} hash tag so the script stays on one cluster slot.
func entryKey(slug string) string      { return "qrlinked:resolve:{" + slug + "}" }
func generationKey(slug string) string { return "qrlinked:gen:{" + slug + "}" }

// Invalidator drops cached resolutions for the given slugs.
type Invalidator interface {
	Invalidate(ctx context.Context, slugs ...string)
}

// Resolver loads the active link and current target behind a slug.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (*internal.Resolution, error)
}

type Nop struct{}

func (Nop) Invalidate(context.Context, ...string) {}

type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (c *Redis) Get(ctx context.Context, slug string) (*internal.Resolution, bool) {
	data, err := c.client.Get(ctx, entryKey(slug)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("slug", slug).Msg("cache read failed")
		}
		return nil, false
	}

	var res internal.Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("discarding corrupt cache entry")
		c.Invalidate(ctx, slug)
		return nil, false
	}
	return &res, true
}

// Generation returns the slug's current invalidation generation, 0 if it was never invalidated.
func (c *Redis) Generation(ctx context.Context, slug string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(slug)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// Set stores res unless the slug was invalidated since gen was read.
func (c *Redis) Set(ctx context.Context, res *internal.Resolution, gen int64) {
	data, err := json.Marshal(res)
	if err != nil {
		log.Warn().Err(err).Str("slug", res.Slug).Msg("failed to encode cache entry")
		return
	}

	keys := []string{entryKey(res.Slug), generationKey(res.Slug)}
	written, err := setIfGeneration.Run(ctx, c.client, keys, strconv.FormatInt(gen, 10), data, c.ttl.Milliseconds()).Int()
	if err != nil {
		log.Warn().Err(err).Str("slug", res.Slug).Msg("cache write failed")
		return
	}
	if written == 0 {
		log.Debug().Str("slug", res.Slug).Msg("slug changed while loading, not caching")
	}
}

func (c *Redis) Invalidate(ctx context.Context, slugs ...string) {
	if len(slugs) == 0 {
		return
	}
	genTTL := max(minGenerationTTL, 2*c.ttl)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, slug := range slugs {
			pipe.Del(ctx, entryKey(slug))
			pipe.Incr(ctx, generationKey(slug))
			pipe.Expire(ctx, generationKey(slug), genTTL)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Strs("slugs", slugs).Msg("cache invalidation failed")
	}
}

// CachedResolver is a cache-aside wrapper around a Resolver. Misses (including not-found)
// go to the backend; only successful resolutions are stored.
type CachedResolver struct {
	backend Resolver
	cache   *Redis
}

func NewCachedResolver(backend Resolver, cache *Redis) *CachedResolver {
	return &CachedResolver{backend: backend, cache: cache}
}

func (r *CachedResolver) Resolve(ctx context.Context, slug string) (*internal.Resolution, error) {
	if res, ok := r.cache.Get(ctx, slug); ok {
		return res, nil
	}

	// read before loading: an invalidation that lands during the load bumps it
	gen, genErr := r.cache.Generation(ctx, slug)

	res, err := r.backend.Resolve(ctx, slug)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		log.Warn().Err(genErr).Str("slug", slug).Msg("skipping cache write")
		return res, nil
	}
	r.cache.Set(ctx, res, gen)
	return res, nil
}
