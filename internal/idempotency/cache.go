// Package idempotency implements the per-trace bounded LRU+TTL cache
// keyed by trace_id || sha256(tool_name || canonical_json(args))[:16].
// The fingerprinting approach is grounded on
// internal/governance.GenerateIntentFingerprint; the bounded+expiring
// storage uses hashicorp/golang-lru/v2's expirable LRU, promoted here
// from an indirect dependency surfaced elsewhere in the example pack
// (orbas1-Synnergy/synnergy-network).
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCapacity = 10000
)

// Cache is a bounded, TTL-expiring store scoped per trace.
type Cache struct {
	store *lru.LRU[string, []byte]
	ttl   time.Duration
}

// New creates a cache with the given capacity and TTL. The design doc's
// default TTL equals the orchestrator's maximum wall-time budget; the
// caller supplies it explicitly rather than this package guessing.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		store: lru.NewLRU[string, []byte](capacity, nil, ttl),
		ttl:   ttl,
	}
}

// Key builds trace_id || sha256(tool_name || canonical_json(args))[:16].
func Key(traceID, toolName string, args any) (string, error) {
	canon, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(toolName), canon...))
	return traceID + hex.EncodeToString(sum[:])[:16], nil
}

// Get returns the cached raw JSON result for key, if present and
// unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	return c.store.Get(key)
}

// Has reports presence. It goes through golang-lru's Get, so like Get
// it also refreshes the key's LRU recency.
func (c *Cache) Has(key string) bool {
	_, ok := c.store.Get(key)
	return ok
}

// Set stores value (typically the JSON-encoded tool result) under key.
func (c *Cache) Set(key string, value []byte) {
	c.store.Add(key, value)
}

// Destroy evicts a single key — used when a tool result must never be
// replayed again (e.g. it mutated external state non-idempotently in
// practice despite the nominal contract).
func (c *Cache) Destroy(key string) {
	c.store.Remove(key)
}

// CanonicalJSON recursively sorts map keys at every depth while
// preserving array order, satisfying P6: any two canonical
// serializations of the same map are byte-identical.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return sortValue(decoded), nil
}

func sortValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]orderedEntry, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{Key: k, Value: sortValue(t[k])})
		}
		return sortedMap(ordered)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sortValue(item)
		}
		return out
	default:
		return t
	}
}

type orderedEntry struct {
	Key   string
	Value any
}

// sortedMap marshals as a JSON object with keys emitted in the supplied
// order, since encoding/json always sorts map[string]any keys anyway —
// this wrapper exists so the sort order is explicit and testable rather
// than incidental to the standard library's behavior.
type sortedMap []orderedEntry

func (m sortedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
