package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/kv"
	"github.com/parley-chat/parley/internal/telemetry"
)

const cacheKeyPrefix = "llmcache:"

// DefaultCacheTTL bounds how long a cached response stays valid.
const DefaultCacheTTL = 24 * time.Hour

// CacheKey fingerprints everything that shapes a deterministic
// response: model, system prompt, full message list, temperature, and
// token budget. Struct field order fixes the byte layout, so equal
// requests always collide.
func CacheKey(req Request) string {
	h := sha256.New()
	json.NewEncoder(h).Encode(req)
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Cache memoizes deterministic responses. Sampling requests are never
// cached; pinning one draw of a stochastic model would change its
// semantics.
type Cache struct {
	store   kv.Store
	enabled bool
	ttl     time.Duration
	sink    telemetry.Sink
	logger  zerolog.Logger
}

func NewCache(store kv.Store, enabled bool, ttl time.Duration, sink telemetry.Sink, logger zerolog.Logger) *Cache {
	return &Cache{
		store:   store,
		enabled: enabled,
		ttl:     ttl,
		sink:    sink,
		logger:  logger.With().Str("component", "llm_cache").Logger(),
	}
}

// Lookup returns the cached response when caching applies and the
// fingerprint is present. Store failures read as misses; the cache is
// an optimization, never a dependency.
func (c *Cache) Lookup(ctx context.Context, req Request) (string, bool) {
	if !c.usable(req) {
		return "", false
	}
	raw, err := c.store.Get(ctx, CacheKey(req))
	switch {
	case err == nil:
		c.sink.Count("llm_cache_hits_total", 1)
		return string(raw), true
	case errors.Is(err, kv.ErrNotFound):
		c.sink.Count("llm_cache_misses_total", 1)
	default:
		c.sink.Count("llm_cache_errors_total", 1, "op", "get")
		c.logger.Warn().Err(err).Msg("cache lookup failed, treating as miss")
	}
	return "", false
}

// Store saves a completed deterministic response under its fingerprint.
func (c *Cache) Store(ctx context.Context, req Request, response string) {
	if !c.usable(req) || response == "" {
		return
	}
	if _, err := c.store.Set(ctx, CacheKey(req), []byte(response), c.ttl); err != nil {
		c.sink.Count("llm_cache_errors_total", 1, "op", "set")
		c.logger.Warn().Err(err).Msg("cache store failed, response not memoized")
	}
}

func (c *Cache) usable(req Request) bool {
	return c != nil && c.enabled && req.Deterministic()
}
