// Package settings holds every runtime-tunable relay value in memory.
//
// The store always holds exactly one value per known key. Writes are atomic
// per key; readers get either a single value or a full snapshot copy.
package settings

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
)

// Key names a runtime setting.
type Key string

const (
	MaxRequestsPerMinute        Key = "max_requests_per_minute"
	MaxRequestsPerDayPerIP      Key = "max_requests_per_day_per_ip"
	FakeStreaming               Key = "fake_streaming"
	FakeStreamingInterval       Key = "fake_streaming_interval"
	RandomString                Key = "random_string"
	RandomStringLength          Key = "random_string_length"
	SearchMode                  Key = "search_mode"
	SearchPrompt                Key = "search_prompt"
	ConcurrentRequests          Key = "concurrent_requests"
	IncreaseConcurrentOnFailure Key = "increase_concurrent_on_failure"
	MaxConcurrentRequests       Key = "max_concurrent_requests"
	EnableVertex                Key = "enable_vertex"
	EnableVertexExpress         Key = "enable_vertex_express"
	VertexExpressAPIKey         Key = "vertex_express_api_key"
	GoogleCredentialsJSON       Key = "google_credentials_json"
	MaxRetryNum                 Key = "max_retry_num"
	MaxEmptyResponses           Key = "max_empty_responses"

	// Display-only; set from process configuration.
	CacheExpiryTime Key = "cache_expiry_time"
	MaxCacheEntries Key = "max_cache_entries"
)

// Kind is the value type a key holds.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

var kinds = map[Key]Kind{
	MaxRequestsPerMinute:        KindInt,
	MaxRequestsPerDayPerIP:      KindInt,
	FakeStreaming:               KindBool,
	FakeStreamingInterval:       KindFloat,
	RandomString:                KindBool,
	RandomStringLength:          KindInt,
	SearchMode:                  KindBool,
	SearchPrompt:                KindString,
	ConcurrentRequests:          KindInt,
	IncreaseConcurrentOnFailure: KindInt,
	MaxConcurrentRequests:       KindInt,
	EnableVertex:                KindBool,
	EnableVertexExpress:         KindBool,
	VertexExpressAPIKey:         KindString,
	GoogleCredentialsJSON:       KindString,
	MaxRetryNum:                 KindInt,
	MaxEmptyResponses:           KindInt,
	CacheExpiryTime:             KindInt,
	MaxCacheEntries:             KindInt,
}

var secrets = map[Key]bool{
	VertexExpressAPIKey:   true,
	GoogleCredentialsJSON: true,
}

// IsSecret reports whether k holds a credential that must never be echoed.
func IsSecret(k Key) bool { return secrets[k] }

// displayOnly keys mirror process configuration and are never restored.
var displayOnly = map[Key]bool{
	CacheExpiryTime: true,
	MaxCacheEntries: true,
}

// IsDisplayOnly reports whether k is derived from process configuration.
func IsDisplayOnly(k Key) bool { return displayOnly[k] }

// KindOf reports the kind of k and whether k is known.
func KindOf(k Key) (Kind, bool) {
	kind, ok := kinds[k]
	return kind, ok
}

// AllKeys returns every known key in lexical order.
func AllKeys() []Key {
	keys := make([]Key, 0, len(kinds))
	for k := range kinds {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Snapshot is a point-in-time copy of every setting.
type Snapshot map[Key]any

// Store is the in-memory settings store.
type Store struct {
	mu      sync.RWMutex
	values  map[Key]any
	updated time.Time
}

// New returns a store seeded from process configuration.
func New(cfg *core.Config) *Store {
	d := cfg.Defaults
	return &Store{
		values: map[Key]any{
			MaxRequestsPerMinute:        d.MaxRequestsPerMinute,
			MaxRequestsPerDayPerIP:      d.MaxRequestsPerDayPerIP,
			FakeStreaming:               d.FakeStreaming,
			FakeStreamingInterval:       d.FakeStreamingInterval,
			RandomString:                d.RandomString,
			RandomStringLength:          d.RandomStringLength,
			SearchMode:                  d.SearchMode,
			SearchPrompt:                d.SearchPrompt,
			ConcurrentRequests:          d.ConcurrentRequests,
			IncreaseConcurrentOnFailure: d.IncreaseConcurrentOnFailure,
			MaxConcurrentRequests:       d.MaxConcurrentRequests,
			EnableVertex:                d.EnableVertex,
			EnableVertexExpress:         d.EnableVertexExpress,
			VertexExpressAPIKey:         d.VertexExpressAPIKey,
			GoogleCredentialsJSON:       cfg.Credentials.JSON,
			MaxRetryNum:                 d.MaxRetryNum,
			MaxEmptyResponses:           d.MaxEmptyResponses,
			CacheExpiryTime:             int(cfg.Cache.ExpiryTime / time.Second),
			MaxCacheEntries:             cfg.Cache.MaxEntries,
		},
	}
}

// Get returns the current value of k.
func (s *Store) Get(k Key) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[k]
	return v, ok
}

// Set replaces the value of k. The value must already have the key's kind
// (int, float64, bool or string); range checks belong to the caller.
func (s *Store) Set(k Key, v any) error {
	kind, ok := kinds[k]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnsupportedKey, k)
	}
	nv, err := normalize(kind, v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrInvalidType, k, err)
	}

	s.mu.Lock()
	s.values[k] = nv
	s.updated = time.Now()
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all values.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// LastUpdated is the time of the most recent Set, or zero.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Restore overlays a persisted snapshot. Unknown keys and values that no
// longer convert to the key's kind are skipped and returned. Display-only
// keys keep their configured values.
func (s *Store) Restore(snap map[string]any) (skipped []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, raw := range snap {
		k := Key(name)
		if displayOnly[k] {
			continue
		}
		kind, ok := kinds[k]
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		v, err := normalize(kind, raw)
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		s.values[k] = v
	}
	sort.Strings(skipped)
	return skipped
}

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

// Int returns an int setting, or 0 if k is not an int key.
func (s *Store) Int(k Key) int {
	v, _ := s.Get(k)
	n, _ := v.(int)
	return n
}

// Float returns a float setting.
func (s *Store) Float(k Key) float64 {
	v, _ := s.Get(k)
	f, _ := v.(float64)
	return f
}

// Bool returns a bool setting.
func (s *Store) Bool(k Key) bool {
	v, _ := s.Get(k)
	b, _ := v.(bool)
	return b
}

// String returns a string setting.
func (s *Store) String(k Key) string {
	v, _ := s.Get(k)
	str, _ := v.(string)
	return str
}

// normalize converts decoded values (msgpack integers come back as int8,
// uint16, int64 and friends) into the canonical Go type for kind.
func normalize(kind Kind, v any) (any, error) {
	switch kind {
	case KindInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int8:
			return int(n), nil
		case int16:
			return int(n), nil
		case int32:
			return int(n), nil
		case int64:
			return int(n), nil
		case uint8:
			return int(n), nil
		case uint16:
			return int(n), nil
		case uint32:
			return int(n), nil
		case uint64:
			if n > math.MaxInt64 {
				return nil, fmt.Errorf("integer overflow")
			}
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("expected integer, got %v", n)
			}
			return int(n), nil
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int8:
			return float64(n), nil
		case int16:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint8:
			return float64(n), nil
		case uint16:
			return float64(n), nil
		case uint32:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindString:
		if str, ok := v.(string); ok {
			return str, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}
