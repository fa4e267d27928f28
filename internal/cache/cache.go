// internal/cache/cache.go
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/llmutil"
	"github.com/xkilldash9x/querycore/internal/observability"
)

// Entry is one cached response. Payload holds the caller's value as JSON.
type Entry struct {
	Key       string          `json:"key"`
	Query     string          `json:"query"`
	Scope     string          `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	Embedding []float32       `json:"embedding,omitempty"`
	CachedAt  time.Time       `json:"cached_at"`
	TTL       time.Duration   `json:"ttl"`
}

// Hit is a successful lookup. Similarity is 1 for exact fingerprint matches.
type Hit struct {
	Entry
	Similarity float64
	Semantic   bool
}

// Decode unmarshals the cached payload into out.
func (h Hit) Decode(out any) error {
	return json.Unmarshal(h.Payload, out)
}

// Cache is the semantic response cache. Entries are keyed by a fingerprint of
// the normalized query and its scope. When an embedder is configured, a miss
// on the fingerprint falls back to the most similar recent entry of the same
// scope. Concurrent writers of one key race; the last write wins.
type Cache struct {
	rdb      redis.UniversalClient
	embedder schemas.Embedder
	cfg      config.CacheConfig
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a cache. embedder may be nil, which disables similarity lookups.
func New(rdb redis.UniversalClient, embedder schemas.Embedder, cfg config.CacheConfig, logger *zap.Logger) *Cache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "querycore:cache"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.WarmTTL <= 0 {
		cfg.WarmTTL = time.Hour
	}
	return &Cache{
		rdb:      rdb,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("semantic_cache"),
		now:      time.Now,
	}
}

func (c *Cache) enabled() bool {
	return c != nil && c.rdb != nil && c.cfg.Enabled
}

// Normalize maps trivially different phrasings onto one fingerprint.
func Normalize(query string) string {
	return llmutil.NormalizeQuery(query)
}

// Fingerprint is the hex sha256 of the normalized query and scope.
func Fingerprint(query, scope string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + Normalize(query)))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) entryKey(fp string) string { return c.cfg.KeyPrefix + ":e:" + fp }
func (c *Cache) indexKey(scope string) string {
	return c.cfg.KeyPrefix + ":idx:" + scope
}

// scopeKind trims scope qualifiers so metric labels stay bounded.
func scopeKind(scope string) string {
	if i := strings.IndexByte(scope, ':'); i >= 0 {
		return scope[:i]
	}
	return scope
}

// Get looks up query within scope. A miss is not an error.
func (c *Cache) Get(ctx context.Context, query, scope string) (Hit, bool, error) {
	if !c.enabled() {
		return Hit{}, false, nil
	}
	fp := Fingerprint(query, scope)
	raw, err := c.rdb.Get(ctx, c.entryKey(fp)).Bytes()
	switch {
	case err == nil:
		entry, derr := unmarshalEntry(raw)
		if derr != nil {
			c.logger.Warn("Dropping undecodable cache entry.", zap.String("key", fp), zap.Error(derr))
			_ = c.rdb.Del(ctx, c.entryKey(fp)).Err()
			break
		}
		observability.CacheLookups.WithLabelValues(scopeKind(scope), "hit").Inc()
		return Hit{Entry: entry, Similarity: 1}, true, nil
	case errors.Is(err, redis.Nil):
	default:
		return Hit{}, false, fmt.Errorf("cache get failed: %w", err)
	}

	if c.embedder != nil && c.cfg.SimilarityThreshold > 0 {
		hit, ok, err := c.nearest(ctx, query, scope)
		if err != nil {
			c.logger.Debug("Similarity lookup failed.", zap.String("scope", scope), zap.Error(err))
		} else if ok {
			observability.CacheLookups.WithLabelValues(scopeKind(scope), "semantic_hit").Inc()
			return hit, true, nil
		}
	}
	observability.CacheLookups.WithLabelValues(scopeKind(scope), "miss").Inc()
	return Hit{}, false, nil
}

// nearest scans the most recent entries of scope for the best embedding match.
func (c *Cache) nearest(ctx context.Context, query, scope string) (Hit, bool, error) {
	limit := int64(c.cfg.MaxCandidates)
	if limit <= 0 {
		limit = 200
	}
	members, err := c.rdb.ZRevRange(ctx, c.indexKey(scope), 0, limit-1).Result()
	if err != nil {
		return Hit{}, false, fmt.Errorf("index scan failed: %w", err)
	}
	if len(members) == 0 {
		return Hit{}, false, nil
	}

	vec, err := c.embedder.Embed(ctx, Normalize(query))
	if err != nil {
		return Hit{}, false, fmt.Errorf("embedding failed: %w", err)
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = c.entryKey(m)
	}
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Hit{}, false, fmt.Errorf("candidate fetch failed: %w", err)
	}

	var (
		best  Hit
		found bool
		stale []any
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		entry, err := unmarshalEntry([]byte(s))
		if err != nil || len(entry.Embedding) == 0 {
			continue
		}
		sim := cosine(vec, entry.Embedding)
		if sim >= c.cfg.SimilarityThreshold && sim > best.Similarity {
			best = Hit{Entry: entry, Similarity: sim, Semantic: true}
			found = true
		}
	}
	if len(stale) > 0 {
		_ = c.rdb.ZRem(ctx, c.indexKey(scope), stale...).Err()
	}
	return best, found, nil
}

// Set stores payload for query within scope. A ttl of zero uses the default.
func (c *Cache) Set(ctx context.Context, query, scope string, payload any, ttl time.Duration) error {
	if !c.enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}

	fp := Fingerprint(query, scope)
	entry := Entry{
		Key:      fp,
		Query:    Normalize(query),
		Scope:    scope,
		Payload:  body,
		CachedAt: c.now().UTC(),
		TTL:      ttl,
	}
	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, entry.Query)
		if err != nil {
			c.logger.Warn("Caching without embedding.", zap.String("scope", scope), zap.Error(err))
		} else {
			entry.Embedding = vec
		}
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	stored, err := encode(raw, c.cfg.CompressAbove)
	if err != nil {
		return err
	}

	idx := c.indexKey(scope)
	indexTTL := ttl
	if c.cfg.WarmTTL > indexTTL {
		indexTTL = c.cfg.WarmTTL
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.entryKey(fp), stored, ttl)
		pipe.ZAdd(ctx, idx, redis.Z{Score: float64(entry.CachedAt.UnixMilli()), Member: fp})
		if c.cfg.MaxCandidates > 0 {
			pipe.ZRemRangeByRank(ctx, idx, 0, int64(-c.cfg.MaxCandidates-1))
		}
		pipe.Expire(ctx, idx, indexTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Warm stores payload with the longer warm TTL, for queries known to recur.
func (c *Cache) Warm(ctx context.Context, query, scope string, payload any) error {
	if !c.enabled() {
		return nil
	}
	return c.Set(ctx, query, scope, payload, c.cfg.WarmTTL)
}

// Invalidate removes the entry for query within scope.
func (c *Cache) Invalidate(ctx context.Context, query, scope string) error {
	if !c.enabled() {
		return nil
	}
	fp := Fingerprint(query, scope)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.entryKey(fp))
		pipe.ZRem(ctx, c.indexKey(scope), fp)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache invalidate failed: %w", err)
	}
	return nil
}

// InvalidateScope removes every indexed entry of scope and returns how many
// entries were deleted.
func (c *Cache) InvalidateScope(ctx context.Context, scope string) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	idx := c.indexKey(scope)
	members, err := c.rdb.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("index scan failed: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, c.entryKey(m))
	}
	var deleted int64
	if len(keys) > 0 {
		if deleted, err = c.rdb.Del(ctx, keys...).Result(); err != nil {
			return 0, fmt.Errorf("cache invalidate failed: %w", err)
		}
	}
	if err := c.rdb.Del(ctx, idx).Err(); err != nil {
		return deleted, fmt.Errorf("index delete failed: %w", err)
	}
	c.logger.Info("Cache scope invalidated.", zap.String("scope", scope), zap.Int64("entries", deleted))
	return deleted, nil
}

func unmarshalEntry(stored []byte) (Entry, error) {
	raw, err := decode(stored)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return e, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
