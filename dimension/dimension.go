// Package dimension provides cached, refreshable reference-data repositories.
//
// A Dimension answers "give me the current reference data of type T" with
// bounded staleness: reads are served from a TTL cache and fall through to
// the configured loader on miss or expiry. Validity is checked lazily on
// read; there is no eviction sweep beyond what the cache itself does.
package dimension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	cacheKeyAll        = "All"
	cacheKeyFindPrefix = "Find:"
	cacheKeyKeyPrefix  = "Key:"

	defaultTTL       = 15 * time.Minute
	defaultCacheSize = 512
)

// Loader asynchronously produces the full reference data set for a dimension.
// It must honor ctx cancellation.
type Loader[T any] func(ctx context.Context) ([]T, error)

// Options configures a Dimension.
type Options[T any] struct {
	// TTL is the cache validity window; entries older than this are reloaded
	// on the next read. Defaults to 15 minutes.
	TTL time.Duration

	// CacheSize caps the number of cached entries (the full set plus derived
	// filter and key lookups). Defaults to 512.
	CacheSize int

	// FieldValue extracts the named field from an item for descriptor-based
	// filtering. The second result reports whether the field exists. Leave
	// nil for dimensions that are never filtered.
	FieldValue func(item T, field string) (string, bool)
}

// Dimension is a read-through cached repository for one reference entity
// type. Each instance exclusively owns its cache; concurrent reads are safe,
// and concurrent misses on the same key may both invoke the loader (reloads
// are idempotent, so the duplicate work is tolerated rather than coalesced).
type Dimension[T any] struct {
	name        string
	loader      Loader[T]
	keySelector func(T) string
	fieldValue  func(T, string) (string, bool)
	ttl         time.Duration
	cache       *expirable.LRU[string, []T]
	logger      *zap.SugaredLogger

	mu            sync.RWMutex
	lastRefreshed time.Time
	lastErr       error
}

// New creates a dimension named name that loads its data through loader and
// keys entities with keySelector. The key selector must be total,
// deterministic and unique within the dimension's data set.
func New[T any](name string, loader Loader[T], keySelector func(T) string, opts Options[T], logger *zap.SugaredLogger) *Dimension[T] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	size := opts.CacheSize
	if size < 1 {
		size = defaultCacheSize
	}

	return &Dimension[T]{
		name:        name,
		loader:      loader,
		keySelector: keySelector,
		fieldValue:  opts.FieldValue,
		ttl:         ttl,
		cache:       expirable.NewLRU[string, []T](size, nil, ttl),
		logger:      logger,
	}
}

// Name returns the dimension name.
func (d *Dimension[T]) Name() string {
	return d.name
}

// LastRefreshed returns when the dimension last loaded successfully. The
// zero time means no load has succeeded yet.
func (d *Dimension[T]) LastRefreshed() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRefreshed
}

// LastError returns the most recent loader failure, or nil if the last load
// succeeded. Callers can use this to distinguish "legitimately empty" from
// "empty because the source is unavailable".
func (d *Dimension[T]) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// GetAll returns every entity in the dimension. A cached, unexpired result
// is returned without touching the loader. On loader failure the call
// degrades to an empty slice rather than propagating, so callers that only
// want best-effort reference data never crash; the failure is recorded and
// observable through LastError. Cancellation always propagates.
func (d *Dimension[T]) GetAll(ctx context.Context) ([]T, error) {
	if items, ok := d.cache.Get(cacheKeyAll); ok {
		metrics.DimensionCacheHits.WithLabelValues(d.name).Inc()
		return items, nil
	}
	metrics.DimensionCacheMisses.WithLabelValues(d.name).Inc()

	items, err := d.load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Errorw("Dimension load failed, serving empty set",
			"dimension", d.name,
			"error", err)
		return []T{}, nil
	}
	return items, nil
}

// Find returns the entities matching the filter descriptor. Results are
// cached under the descriptor's canonical key until the TTL elapses. The
// only errors are a bad descriptor or cancellation.
func (d *Dimension[T]) Find(ctx context.Context, f Filter) ([]T, error) {
	match, err := f.matcher()
	if err != nil {
		return nil, err
	}
	if d.fieldValue == nil {
		return nil, fmt.Errorf("%w: %q (dimension %s is not filterable)", core.ErrUnknownFilterField, f.Field, d.name)
	}

	cacheKey := cacheKeyFindPrefix + f.Key()
	if items, ok := d.cache.Get(cacheKey); ok {
		metrics.DimensionCacheHits.WithLabelValues(d.name).Inc()
		return items, nil
	}

	all, err := d.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]T, 0)
	for _, item := range all {
		v, ok := d.fieldValue(item, f.Field)
		if !ok {
			return nil, fmt.Errorf("%w: %q (dimension %s)", core.ErrUnknownFilterField, f.Field, d.name)
		}
		if match(v) {
			results = append(results, item)
		}
	}

	d.cache.Add(cacheKey, results)
	return results, nil
}

// Contains reports whether any entity matches the filter descriptor.
func (d *Dimension[T]) Contains(ctx context.Context, f Filter) (bool, error) {
	results, err := d.Find(ctx, f)
	if err != nil {
		return false, err
	}
	return len(results) > 0, nil
}

// FindByKey returns the entity whose selector matches key. An empty key
// returns not-found without any I/O. Found entities are cached under the
// key; misses are not, so lookups for absent keys re-scan the (warm) full
// set on every call.
func (d *Dimension[T]) FindByKey(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if key == "" {
		return zero, false, nil
	}

	cacheKey := cacheKeyKeyPrefix + key
	if items, ok := d.cache.Get(cacheKey); ok && len(items) > 0 {
		metrics.DimensionCacheHits.WithLabelValues(d.name).Inc()
		return items[0], true, nil
	}

	all, err := d.GetAll(ctx)
	if err != nil {
		return zero, false, err
	}

	for _, item := range all {
		if d.keySelector(item) == key {
			d.cache.Add(cacheKey, []T{item})
			return item, true, nil
		}
	}
	return zero, false, nil
}

// Refresh wipes every cache entry for this dimension, derived lookups
// included, and forces a reload of the full set. Unlike GetAll, a loader
// failure propagates to the caller. Derived entries are not recomputed
// eagerly; they repopulate on next use.
func (d *Dimension[T]) Refresh(ctx context.Context) error {
	d.logger.Infow("Refreshing dimension", "dimension", d.name)
	d.cache.Purge()

	if _, err := d.load(ctx); err != nil {
		return err
	}
	return nil
}

// load invokes the loader and, on success, installs the result as the full
// set and advances LastRefreshed.
func (d *Dimension[T]) load(ctx context.Context) ([]T, error) {
	items, err := d.loader(ctx)
	if err != nil {
		metrics.DimensionLoadErrors.WithLabelValues(d.name).Inc()
		wrapped := fmt.Errorf("%w: dimension %q: %w", core.ErrLoadFailed, d.name, err)
		d.mu.Lock()
		d.lastErr = wrapped
		d.mu.Unlock()
		return nil, wrapped
	}

	d.cache.Add(cacheKeyAll, items)

	d.mu.Lock()
	d.lastRefreshed = time.Now()
	d.lastErr = nil
	d.mu.Unlock()

	d.logger.Infow("Dimension loaded",
		"dimension", d.name,
		"items", len(items))
	return items, nil
}
