package dimension

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/config"

	"go.uber.org/zap"
)

// Record is a string-keyed reference record, the entity type for dimensions
// declared in configuration rather than code.
type Record map[string]string

// FileLoader returns a loader that reads a JSON array of T from path on
// every invocation. Suited to small reference sets maintained as files
// (allowlists, cluster inventories, thresholds).
func FileLoader[T any](path string) Loader[T] {
	return func(ctx context.Context) ([]T, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading dimension file %s: %w", path, err)
		}

		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("parsing dimension file %s: %w", path, err)
		}
		return items, nil
	}
}

// NewRecordDimension builds a file-backed Record dimension from a config
// spec. Records are keyed by the spec's key field and filterable on any
// field; a field absent from a record compares as the empty string.
func NewRecordDimension(spec config.DimensionSpec, defaultTTL time.Duration, cacheSize int, logger *zap.SugaredLogger) *Dimension[Record] {
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	opts := Options[Record]{
		TTL:       ttl,
		CacheSize: cacheSize,
		FieldValue: func(r Record, field string) (string, bool) {
			return r[field], true
		},
	}

	keySelector := func(r Record) string { return r[spec.KeyField] }

	return New(spec.Name, FileLoader[Record](spec.Path), keySelector, opts, logger)
}
