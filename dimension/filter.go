package dimension

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEquals    Op = "eq"
	OpNotEquals Op = "ne"
	OpContains  Op = "contains"
	OpPrefix    Op = "prefix"
	OpSuffix    Op = "suffix"
)

// Filter is an explicit, serializable filter descriptor. Using a descriptor
// instead of an opaque predicate gives every semantically identical query
// the same cache key, regardless of where or how it was constructed.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// Key returns the canonical serialization of the descriptor, used as the
// cache key for Find results.
func (f Filter) Key() string {
	// Field order is fixed by the struct definition, so this is stable.
	b, _ := json.Marshal(f)
	return string(b)
}

// matcher returns the comparison function for the descriptor's operator.
func (f Filter) matcher() (func(string) bool, error) {
	switch f.Op {
	case OpEquals:
		return func(v string) bool { return v == f.Value }, nil
	case OpNotEquals:
		return func(v string) bool { return v != f.Value }, nil
	case OpContains:
		return func(v string) bool { return strings.Contains(v, f.Value) }, nil
	case OpPrefix:
		return func(v string) bool { return strings.HasPrefix(v, f.Value) }, nil
	case OpSuffix:
		return func(v string) bool { return strings.HasSuffix(v, f.Value) }, nil
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownFilterOp, f.Op)
	}
}
