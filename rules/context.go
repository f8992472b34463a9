package rules

import (
	"fmt"
	"log/slog"
)

// ContextStore holds the named values of a single rule evaluation.
// Keys are write-once: a value cannot be replaced once set.
// A ContextStore is owned by one evaluation and is not safe for concurrent use.
type ContextStore struct {
	values map[string]Value
	order  []string
}

// NewContextStore creates an empty store
func NewContextStore() *ContextStore {
	return &ContextStore{values: make(map[string]Value)}
}

// NewContextStoreFrom creates a store seeded with initial values.
// Keys are inserted in sorted order so snapshots are deterministic.
func NewContextStoreFrom(initial map[string]Value) (*ContextStore, error) {
	s := NewContextStore()
	for _, k := range sortedKeys(initial) {
		if err := s.Set(k, initial[k]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set stores a value under key. Fails with ErrDuplicateKey if key is already present.
func (s *ContextStore) Set(key string, v Value) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidDefinition)
	}
	if !v.IsValid() {
		return fmt.Errorf("%w: %q has no value", ErrTypeMismatch, key)
	}
	if _, exists := s.values[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	s.values[key] = v
	s.order = append(s.order, key)
	return nil
}

// Get returns the value under key, checking it has the expected type.
// Fails with ErrMissingKey if absent and ErrTypeMismatch if the types differ.
func (s *ContextStore) Get(key string, want Type) (Value, error) {
	v, ok := s.values[key]
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	if v.Type() != want {
		return Value{}, fmt.Errorf("%w: %q is %s, want %s", ErrTypeMismatch, key, v.Type(), want)
	}
	return v, nil
}

// Lookup returns the value under key without type checking
func (s *ContextStore) Lookup(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present
func (s *ContextStore) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Len returns the number of stored keys
func (s *ContextStore) Len() int {
	return len(s.order)
}

// Snapshot returns an immutable copy of the store for audit and logging
func (s *ContextStore) Snapshot() Snapshot {
	values := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	keys := make([]string, len(s.order))
	copy(keys, s.order)
	return Snapshot{values: values, keys: keys}
}

// Snapshot is a read-only view of a ContextStore at a point in time
type Snapshot struct {
	values map[string]Value
	keys   []string
}

// Get returns the value under key
func (s Snapshot) Get(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present
func (s Snapshot) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Keys returns the keys in insertion order
func (s Snapshot) Keys() []string {
	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	return keys
}

// Map returns a copy of the snapshot contents
func (s Snapshot) Map() map[string]Value {
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the snapshot as an object of typed values
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return marshalOrdered(s.keys, s.values)
}

// LogValue implements slog.LogValuer
func (s Snapshot) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(s.keys))
	for _, k := range s.keys {
		attrs = append(attrs, slog.String(k, s.values[k].String()))
	}
	return slog.GroupValue(attrs...)
}
