// Provides concurrent-safe, in-memory foreign-key indices for tables.

package store

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/maruel/seradb/internal/query"
)

// Indexer is kept in sync with the records of one table.
//
// Add is idempotent. Remove of an untracked record is a no-op.
type Indexer[R any] interface {
	Add(rec R)
	Remove(rec R)
	Clear()
}

// Pair is a two-field composite key.
type Pair[A, B comparable] struct {
	A A
	B B
}

// Triple is a three-field composite key.
type Triple[A, B, C comparable] struct {
	A A
	B B
	C C
}

// UniqueIndex maps a foreign-key value to the id of the single record holding
// it.
//
// A key mapped to a tombstone records a lookup that matched nothing; a key
// not in the index was never looked up.
type UniqueIndex[ID cmp.Ordered, R Record[ID], K comparable] struct {
	fields  []string
	keyFunc func(R) (K, bool)
	conds   func(K) []query.Condition
	mu      sync.Mutex
	byKey   map[K]slot[ID]
}

// NewUniqueIndex creates a unique index on one field.
//
// keyFunc returns false for records that have no value for the field; those
// are not indexed.
func NewUniqueIndex[ID cmp.Ordered, R Record[ID], K comparable](field string, keyFunc func(R) (K, bool)) *UniqueIndex[ID, R, K] {
	return &UniqueIndex[ID, R, K]{
		fields:  []string{field},
		keyFunc: keyFunc,
		conds:   func(k K) []query.Condition { return []query.Condition{query.Eq(field, k)} },
		byKey:   make(map[K]slot[ID]),
	}
}

// NewUniqueIndex2 creates a unique index on a pair of fields.
func NewUniqueIndex2[ID cmp.Ordered, R Record[ID], A, B comparable](fieldA, fieldB string, keyFunc func(R) (Pair[A, B], bool)) *UniqueIndex[ID, R, Pair[A, B]] {
	return &UniqueIndex[ID, R, Pair[A, B]]{
		fields:  []string{fieldA, fieldB},
		keyFunc: keyFunc,
		conds: func(k Pair[A, B]) []query.Condition {
			return []query.Condition{query.Eq(fieldA, k.A), query.Eq(fieldB, k.B)}
		},
		byKey: make(map[Pair[A, B]]slot[ID]),
	}
}

// Field returns the indexed field names, comma separated.
func (idx *UniqueIndex[ID, R, K]) Field() string {
	return strings.Join(idx.fields, ",")
}

// Has reports whether key was indexed or recorded as absent.
func (idx *UniqueIndex[ID, R, K]) Has(key K) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.byKey[key]
	return ok
}

// Get returns the id mapped to key and its state.
func (idx *UniqueIndex[ID, R, K]) Get(key K) (ID, State) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.byKey[key]
	if !ok {
		var zero ID
		return zero, Absent
	}
	return s.rec, s.state()
}

// Set maps key to id.
func (idx *UniqueIndex[ID, R, K]) Set(key K, id ID) {
	idx.mu.Lock()
	idx.byKey[key] = slot[ID]{rec: id, present: true}
	idx.mu.Unlock()
}

// SetAbsent records that no record has key.
func (idx *UniqueIndex[ID, R, K]) SetAbsent(key K) {
	idx.mu.Lock()
	idx.byKey[key] = slot[ID]{}
	idx.mu.Unlock()
}

// Len returns the number of keys, including the ones recorded as absent.
func (idx *UniqueIndex[ID, R, K]) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byKey)
}

// Add implements [Indexer].
func (idx *UniqueIndex[ID, R, K]) Add(rec R) {
	key, ok := idx.keyFunc(rec)
	if !ok {
		return
	}
	idx.Set(key, rec.GetID())
}

// Remove implements [Indexer]. The key is deleted only if it still maps to
// rec's id.
func (idx *UniqueIndex[ID, R, K]) Remove(rec R) {
	key, ok := idx.keyFunc(rec)
	if !ok {
		return
	}
	idx.mu.Lock()
	if s, ok := idx.byKey[key]; ok && s.present && s.rec == rec.GetID() {
		delete(idx.byKey, key)
	}
	idx.mu.Unlock()
}

// Clear implements [Indexer].
func (idx *UniqueIndex[ID, R, K]) Clear() {
	idx.mu.Lock()
	clear(idx.byKey)
	idx.mu.Unlock()
}

// Index maps a foreign-key value to the set of ids of the records holding it.
//
// An empty set records a lookup that matched nothing.
type Index[ID cmp.Ordered, R Record[ID], K comparable] struct {
	fields  []string
	keyFunc func(R) (K, bool)
	conds   func(K) []query.Condition
	mu      sync.Mutex
	byKey   map[K]map[ID]struct{}
}

// NewIndex creates a non-unique index on one field.
func NewIndex[ID cmp.Ordered, R Record[ID], K comparable](field string, keyFunc func(R) (K, bool)) *Index[ID, R, K] {
	return &Index[ID, R, K]{
		fields:  []string{field},
		keyFunc: keyFunc,
		conds:   func(k K) []query.Condition { return []query.Condition{query.Eq(field, k)} },
		byKey:   make(map[K]map[ID]struct{}),
	}
}

// NewIndex2 creates a non-unique index on a pair of fields.
func NewIndex2[ID cmp.Ordered, R Record[ID], A, B comparable](fieldA, fieldB string, keyFunc func(R) (Pair[A, B], bool)) *Index[ID, R, Pair[A, B]] {
	return &Index[ID, R, Pair[A, B]]{
		fields:  []string{fieldA, fieldB},
		keyFunc: keyFunc,
		conds: func(k Pair[A, B]) []query.Condition {
			return []query.Condition{query.Eq(fieldA, k.A), query.Eq(fieldB, k.B)}
		},
		byKey: make(map[Pair[A, B]]map[ID]struct{}),
	}
}

// NewIndex3 creates a non-unique index on three fields.
func NewIndex3[ID cmp.Ordered, R Record[ID], A, B, C comparable](fieldA, fieldB, fieldC string, keyFunc func(R) (Triple[A, B, C], bool)) *Index[ID, R, Triple[A, B, C]] {
	return &Index[ID, R, Triple[A, B, C]]{
		fields:  []string{fieldA, fieldB, fieldC},
		keyFunc: keyFunc,
		conds: func(k Triple[A, B, C]) []query.Condition {
			return []query.Condition{query.Eq(fieldA, k.A), query.Eq(fieldB, k.B), query.Eq(fieldC, k.C)}
		},
		byKey: make(map[Triple[A, B, C]]map[ID]struct{}),
	}
}

// Field returns the indexed field names, comma separated.
func (idx *Index[ID, R, K]) Field() string {
	return strings.Join(idx.fields, ",")
}

// Has reports whether key was indexed or recorded as empty.
func (idx *Index[ID, R, K]) Has(key K) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.byKey[key]
	return ok
}

// Get returns the sorted ids mapped to key. ok is false if key was never
// indexed.
func (idx *Index[ID, R, K]) Get(key K) (ids []ID, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set, ok := idx.byKey[key]
	if !ok {
		return nil, false
	}
	return slices.Sorted(maps.Keys(set)), true
}

// SetEmpty records that no record has key.
func (idx *Index[ID, R, K]) SetEmpty(key K) {
	idx.mu.Lock()
	idx.byKey[key] = make(map[ID]struct{})
	idx.mu.Unlock()
}

// Len returns the number of keys.
func (idx *Index[ID, R, K]) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byKey)
}

// Add implements [Indexer].
func (idx *Index[ID, R, K]) Add(rec R) {
	key, ok := idx.keyFunc(rec)
	if !ok {
		return
	}
	idx.mu.Lock()
	if idx.byKey[key] == nil {
		idx.byKey[key] = make(map[ID]struct{})
	}
	idx.byKey[key][rec.GetID()] = struct{}{}
	idx.mu.Unlock()
}

// Remove implements [Indexer]. The key stays, possibly with an empty set.
func (idx *Index[ID, R, K]) Remove(rec R) {
	key, ok := idx.keyFunc(rec)
	if !ok {
		return
	}
	idx.mu.Lock()
	delete(idx.byKey[key], rec.GetID())
	idx.mu.Unlock()
}

// Clear implements [Indexer].
func (idx *Index[ID, R, K]) Clear() {
	idx.mu.Lock()
	clear(idx.byKey)
	idx.mu.Unlock()
}
