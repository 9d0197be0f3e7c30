// Provides the registry coordinating the tables of one remote API.

package store

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
)

// DB maps entity class names and type keys to tables.
//
// It owns no records; population of a multi-entity response is fanned out to
// the registered tables.
type DB struct {
	mu     sync.RWMutex
	byName map[string]Registrant
	byType map[any]Registrant
}

// NewDB returns an empty registry.
func NewDB() *DB {
	return &DB{
		byName: make(map[string]Registrant),
		byType: make(map[any]Registrant),
	}
}

// Register adds t under its name and type key. Both must be unused.
func (db *DB) Register(t Registrant) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.byName[t.Name()]; ok {
		return fmt.Errorf("%w: name %q", ErrAlreadyRegistered, t.Name())
	}
	key := t.TypeKey()
	if _, ok := db.byType[key]; ok {
		return fmt.Errorf("%w: type %v", ErrAlreadyRegistered, key)
	}
	db.byName[t.Name()] = t
	db.byType[key] = t
	return nil
}

// ByName returns the table registered under name.
func (db *DB) ByName(name string) (Registrant, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.byName[name]
	return t, ok
}

// ByTypeKey returns the table registered under key.
func (db *DB) ByTypeKey(key any) (Registrant, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.byType[key]
	return t, ok
}

// Lookup returns the table of record type R registered with its default type
// key.
func Lookup[ID cmp.Ordered, R Record[ID], D Draft[ID, R]](db *DB) (*Table[ID, R, D], bool) {
	r, ok := db.ByTypeKey(reflect.TypeFor[R]())
	if !ok {
		return nil, false
	}
	t, ok := r.(*Table[ID, R, D])
	return t, ok
}

// Names returns the registered entity class names, sorted.
func (db *DB) Names() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return slices.Sorted(maps.Keys(db.byName))
}

// PopulateData stores the raw records of every registered entity class in
// payload and returns the deserialized records per name. Unregistered names
// are skipped.
//
// Every slice is deserialized before any table is written, so a failure
// leaves all tables untouched.
func (db *DB) PopulateData(payload map[string][]json.RawMessage) (map[string][]any, error) {
	out := make(map[string][]any, len(payload))
	tables := make(map[string]Registrant, len(payload))
	for _, name := range slices.Sorted(maps.Keys(payload)) {
		t, ok := db.ByName(name)
		if !ok {
			slog.Debug("Skipping unregistered entity", "name", name, "count", len(payload[name]))
			continue
		}
		recs, err := t.Decode(payload[name])
		if err != nil {
			return nil, fmt.Errorf("failed to populate %s: %w", name, err)
		}
		tables[name] = t
		out[name] = recs
	}
	for _, name := range slices.Sorted(maps.Keys(tables)) {
		tables[name].Store(out[name])
	}
	return out, nil
}

// Clear empties every registered table.
func (db *DB) Clear() {
	db.mu.RLock()
	tables := slices.Collect(maps.Values(db.byName))
	db.mu.RUnlock()
	for _, t := range tables {
		t.Clear()
	}
}
