// Provides the per-entity record cache synchronized with a remote collection.

package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/maruel/seradb/internal/query"
)

// foreignKeyLimit caps the records returned by a non-unique foreign-key fetch.
const foreignKeyLimit = 1000

// TableConfig configures a [Table].
type TableConfig[ID cmp.Ordered, R Record[ID]] struct {
	// Name is the entity class name, used as the key of the response envelope.
	Name string
	// RemoteURL is the collection endpoint. Defaults to DefaultRemoteURL(Name).
	RemoteURL string
	// Deser converts one raw server record.
	Deser func(json.RawMessage) (R, error)
	// Processor compiles queries. nil means no renaming.
	Processor *query.Processor
	Indices   []Indexer[R]
	// NoRefetch lets reads of cached ids skip the network.
	NoRefetch bool
	Transport Transport
	// Fields lists the known client field names used to validate the
	// Processor renames. Defaults to the JSON fields of R when R is a struct.
	Fields []string
	// IDField is the client name of the id field. Defaults to "id".
	IDField string
	// TypeKey overrides the typed-lookup key. Defaults to the reflect.Type of R.
	TypeKey any
}

// Validate checks that the required fields are set.
func (c *TableConfig[ID, R]) Validate() error {
	if c.Name == "" {
		return errors.New("table name is required")
	}
	if c.Deser == nil {
		return fmt.Errorf("table %s: deserializer is required", c.Name)
	}
	if c.Transport == nil {
		return fmt.Errorf("table %s: transport is required", c.Name)
	}
	return nil
}

// DefaultRemoteURL returns "/api/" followed by the kebab-case name.
func DefaultRemoteURL(name string) string {
	var b strings.Builder
	b.WriteString("/api/")
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FetchResult is the outcome of [Table.Fetch].
type FetchResult[R any] struct {
	Records []R
	// Total is the server-reported total, when requested.
	Total int
}

// Group is one partition returned by [Table.GroupBy].
type Group[R any] struct {
	Key     []any
	Records []R
}

// envelope is the response body of collection reads.
type envelope struct {
	Records map[string][]json.RawMessage `json:"records"`
	Total   int                          `json:"total"`
}

// Table is the identity-mapped cache of one entity class.
//
// Records are never mutated; Set replaces the stored value. All methods are
// concurrent-safe.
type Table[ID cmp.Ordered, R Record[ID], D Draft[ID, R]] struct {
	db        *DB
	name      string
	remoteURL string
	deser     func(json.RawMessage) (R, error)
	proc      *query.Processor
	indices   []Indexer[R]
	noRefetch bool
	transport Transport
	idField   string
	typeKey   any

	mu      sync.RWMutex
	records map[ID]slot[R]
	drafts  map[ID]D
	version uint64

	inflight singleflight.Group
}

// NewTable creates a table and registers it with db.
func NewTable[ID cmp.Ordered, R Record[ID], D Draft[ID, R]](db *DB, cfg TableConfig[ID, R]) (*Table[ID, R, D], error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Table[ID, R, D]{
		db:        db,
		name:      cfg.Name,
		remoteURL: cfg.RemoteURL,
		deser:     cfg.Deser,
		proc:      cfg.Processor,
		indices:   slices.Clone(cfg.Indices),
		noRefetch: cfg.NoRefetch,
		transport: cfg.Transport,
		idField:   cfg.IDField,
		typeKey:   cfg.TypeKey,
		records:   make(map[ID]slot[R]),
		drafts:    make(map[ID]D),
	}
	if t.remoteURL == "" {
		t.remoteURL = DefaultRemoteURL(t.name)
	}
	t.remoteURL = strings.TrimSuffix(t.remoteURL, "/")
	if t.proc == nil {
		t.proc = query.NewProcessor(nil)
	}
	if t.idField == "" {
		t.idField = "id"
	}
	if t.typeKey == nil {
		t.typeKey = reflect.TypeFor[R]()
	}
	fields := cfg.Fields
	if len(fields) == 0 {
		// Non-struct records have no reflectable fields; renames are then
		// not validated.
		fields, _ = query.FieldsOf[R]()
	}
	if len(fields) > 0 {
		if err := t.proc.Validate(fields); err != nil {
			return nil, fmt.Errorf("table %s: %w", t.name, err)
		}
	}
	if err := db.Register(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Name returns the entity class name.
func (t *Table[ID, R, D]) Name() string { return t.name }

// RemoteURL returns the collection endpoint.
func (t *Table[ID, R, D]) RemoteURL() string { return t.remoteURL }

// TypeKey implements [Registrant].
func (t *Table[ID, R, D]) TypeKey() any { return t.typeKey }

// Processor returns the query compiler of the table.
func (t *Table[ID, R, D]) Processor() *query.Processor { return t.proc }

// Get returns the record cached for id and its state. The record is the zero
// value unless the state is Present.
func (t *Table[ID, R, D]) Get(id ID) (R, State) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.records[id]
	if !ok {
		var zero R
		return zero, Absent
	}
	return s.rec, s.state()
}

// Has reports whether id is present or tombstoned.
func (t *Table[ID, R, D]) Has(id ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[id]
	return ok
}

// Version returns the mutation counter.
func (t *Table[ID, R, D]) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Set stores rec, replacing and deindexing any previous record with its id.
func (t *Table[ID, R, D]) Set(rec R) {
	t.mu.Lock()
	t.setLocked(rec)
	t.version++
	t.mu.Unlock()
}

// BatchSet stores every record, as Set does, and bumps the version once.
func (t *Table[ID, R, D]) BatchSet(recs []R) {
	t.mu.Lock()
	for _, rec := range recs {
		t.setLocked(rec)
	}
	t.version++
	t.mu.Unlock()
}

// Remove deletes the entry of id, record or tombstone, and reports whether
// there was one. The version is bumped on every call.
func (t *Table[ID, R, D]) Remove(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version++
	s, ok := t.records[id]
	if !ok {
		return false
	}
	if s.present {
		t.deindex(s.rec)
	}
	delete(t.records, id)
	return true
}

// Clear empties the record map and every index. Drafts are kept.
func (t *Table[ID, R, D]) Clear() {
	t.mu.Lock()
	clear(t.records)
	for _, idx := range t.indices {
		idx.Clear()
	}
	t.version++
	t.mu.Unlock()
}

func (t *Table[ID, R, D]) setLocked(rec R) {
	id := rec.GetID()
	if old, ok := t.records[id]; ok && old.present {
		t.deindex(old.rec)
	}
	t.records[id] = slot[R]{rec: rec, present: true}
	t.index(rec)
}

func (t *Table[ID, R, D]) setTombstone(id ID) {
	t.mu.Lock()
	if old, ok := t.records[id]; ok && old.present {
		t.deindex(old.rec)
	}
	t.records[id] = slot[R]{}
	t.version++
	t.mu.Unlock()
}

func (t *Table[ID, R, D]) index(rec R) {
	for _, idx := range t.indices {
		idx.Add(rec)
	}
}

func (t *Table[ID, R, D]) deindex(rec R) {
	for _, idx := range t.indices {
		idx.Remove(rec)
	}
}

func (t *Table[ID, R, D]) attached(idx Indexer[R]) bool {
	return slices.ContainsFunc(t.indices, func(i Indexer[R]) bool { return i == idx })
}

// Decode implements [Registrant].
func (t *Table[ID, R, D]) Decode(raw []json.RawMessage) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, r := range raw {
		rec, err := t.deser(r)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize %s: %w", t.name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Store implements [Registrant]. recs must hold values of type R.
func (t *Table[ID, R, D]) Store(recs []any) {
	typed := make([]R, len(recs))
	for i, v := range recs {
		typed[i] = v.(R)
	}
	t.BatchSet(typed)
}

// Fetch runs q against the remote collection and populates every table named
// in the response. A nil q is an empty query.
func (t *Table[ID, R, D]) Fetch(ctx context.Context, q *query.Query) (FetchResult[R], error) {
	if q == nil {
		q = &query.Query{}
	}
	if len(q.Fields) > 0 {
		return FetchResult[R]{}, ErrFieldsNotSupported
	}
	params := t.proc.Compile(q).Encode()
	slog.DebugContext(ctx, "Fetching records", "table", t.name, "params", params.Encode())
	data, err := t.transport.Do(ctx, http.MethodGet, t.remoteURL, params, nil)
	if err != nil {
		return FetchResult[R]{}, fmt.Errorf("failed to fetch %s: %w", t.name, err)
	}
	return t.populate(data)
}

func (t *Table[ID, R, D]) populate(data []byte) (FetchResult[R], error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return FetchResult[R]{}, fmt.Errorf("failed to decode %s response: %w", t.name, err)
	}
	all, err := t.db.PopulateData(env.Records)
	if err != nil {
		return FetchResult[R]{}, err
	}
	res := FetchResult[R]{Total: env.Total}
	for _, v := range all[t.name] {
		res.Records = append(res.Records, v.(R))
	}
	return res, nil
}

// FetchOne returns the first record matching conds.
func (t *Table[ID, R, D]) FetchOne(ctx context.Context, conds ...query.Condition) (R, bool, error) {
	res, err := t.Fetch(ctx, &query.Query{Limit: 1, Conditions: conds})
	if err != nil || len(res.Records) == 0 {
		var zero R
		return zero, false, err
	}
	return res.Records[0], true, nil
}

// fetched is the shared result of a coalesced FetchByID.
type fetched[R any] struct {
	rec R
	ok  bool
}

// FetchByID returns the record with id.
//
// With NoRefetch set and force false, a cached id, tombstone included, is
// answered without a network call. A not-found response tombstones id and
// returns false with a nil error. Concurrent calls for the same id share one
// request; a caller whose ctx is done returns ctx.Err() without aborting the
// request for the others.
func (t *Table[ID, R, D]) FetchByID(ctx context.Context, id ID, force bool) (R, bool, error) {
	if !force && t.noRefetch {
		t.mu.RLock()
		s, ok := t.records[id]
		t.mu.RUnlock()
		if ok {
			return s.rec, s.present, nil
		}
	}
	// The shared request outlives any single caller; the transport timeout
	// still bounds it.
	ch := t.inflight.DoChan(fmt.Sprint(id), func() (any, error) {
		return t.fetchByID(context.WithoutCancel(ctx), id)
	})
	var zero R
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		f := res.Val.(fetched[R])
		return f.rec, f.ok, nil
	}
}

func (t *Table[ID, R, D]) fetchByID(ctx context.Context, id ID) (fetched[R], error) {
	data, err := t.transport.Do(ctx, http.MethodGet, t.itemURL(id), nil, nil)
	if err != nil {
		if IsNotFound(err) {
			slog.DebugContext(ctx, "Record not found", "table", t.name, "id", id)
			t.setTombstone(id)
			return fetched[R]{}, nil
		}
		return fetched[R]{}, fmt.Errorf("failed to fetch %s %v: %w", t.name, id, err)
	}
	if _, err := t.populate(data); err != nil {
		return fetched[R]{}, err
	}
	rec, st := t.Get(id)
	if st != Present {
		// The response did not carry the requested record.
		t.setTombstone(id)
		return fetched[R]{}, nil
	}
	return fetched[R]{rec: rec, ok: true}, nil
}

// FetchByIDs returns the records of ids that exist.
//
// Ids answered from the cache are not fetched. A single remaining id goes
// through FetchByID; several are fetched in one request with an "in"
// condition on the id field. Requested ids still absent afterwards are
// tombstoned.
func (t *Table[ID, R, D]) FetchByIDs(ctx context.Context, ids []ID, force bool) (map[ID]R, error) {
	out := make(map[ID]R, len(ids))
	var missing []ID
	t.mu.RLock()
	for _, id := range ids {
		if s, ok := t.records[id]; ok && !force && t.noRefetch {
			if s.present {
				out[id] = s.rec
			}
			continue
		}
		missing = append(missing, id)
	}
	t.mu.RUnlock()
	slices.Sort(missing)
	missing = slices.Compact(missing)

	switch len(missing) {
	case 0:
	case 1:
		rec, ok, err := t.FetchByID(ctx, missing[0], true)
		if err != nil {
			return nil, err
		}
		if ok {
			out[missing[0]] = rec
		}
	default:
		values := make([]any, len(missing))
		for i, id := range missing {
			values[i] = id
		}
		res, err := t.Fetch(ctx, &query.Query{
			Limit:      len(missing),
			Conditions: []query.Condition{query.In(t.idField, values...)},
		})
		if err != nil {
			return nil, err
		}
		for _, rec := range res.Records {
			out[rec.GetID()] = rec
		}
		t.mu.Lock()
		changed := false
		for _, id := range missing {
			if _, ok := t.records[id]; !ok {
				t.records[id] = slot[R]{}
				changed = true
			}
		}
		if changed {
			t.version++
		}
		t.mu.Unlock()
	}
	return out, nil
}

// FetchByUniqueForeignKey returns the record whose indexed field(s) equal key.
//
// With the table's NoRefetch set and force false, the index answers first; a
// key recorded as absent returns false without a network call. Otherwise the
// record is fetched and a miss is recorded in the index.
func FetchByUniqueForeignKey[ID cmp.Ordered, R Record[ID], D Draft[ID, R], K comparable](ctx context.Context, t *Table[ID, R, D], idx *UniqueIndex[ID, R, K], key K, force bool) (R, bool, error) {
	var zero R
	if !t.attached(idx) {
		return zero, false, ErrIndexNotAttached
	}
	if !force && t.noRefetch {
		switch id, st := idx.Get(key); st {
		case Tombstone:
			return zero, false, nil
		case Present:
			if rec, st := t.Get(id); st == Present {
				return rec, true, nil
			}
		}
	}
	rec, ok, err := t.FetchOne(ctx, idx.conds(key)...)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		idx.SetAbsent(key)
		return zero, false, nil
	}
	return rec, true, nil
}

// FetchByNonUniqueForeignKey returns the records whose indexed field(s) equal
// key, sorted by id when served from the index.
//
// An empty result is recorded in the index so that, with NoRefetch set,
// later calls skip the network.
func FetchByNonUniqueForeignKey[ID cmp.Ordered, R Record[ID], D Draft[ID, R], K comparable](ctx context.Context, t *Table[ID, R, D], idx *Index[ID, R, K], key K, force bool) ([]R, error) {
	if !t.attached(idx) {
		return nil, ErrIndexNotAttached
	}
	if !force && t.noRefetch {
		if ids, ok := idx.Get(key); ok {
			recs := make([]R, 0, len(ids))
			for _, id := range ids {
				if rec, st := t.Get(id); st == Present {
					recs = append(recs, rec)
				}
			}
			return recs, nil
		}
	}
	res, err := t.Fetch(ctx, &query.Query{Limit: foreignKeyLimit, Conditions: idx.conds(key)})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		idx.SetEmpty(key)
	}
	return res.Records, nil
}

// Upsert creates or updates the record of d on the server and stores it.
//
// A new record is created with POST and receives the id returned by the
// server. An existing one is updated with PUT; if the server no longer has
// it, the id is tombstoned, the draft discarded and false returned with a
// nil error. On success the draft is discarded.
func (t *Table[ID, R, D]) Upsert(ctx context.Context, d D) (R, bool, error) {
	var zero R
	if !d.IsValid() {
		return zero, false, ErrInvalidDraft
	}
	body, err := d.Ser()
	if err != nil {
		return zero, false, fmt.Errorf("failed to serialize %s draft: %w", t.name, err)
	}
	key := d.GetID()
	if d.IsNewRecord() {
		data, err := t.transport.Do(ctx, http.MethodPost, t.remoteURL, nil, body)
		if err != nil {
			return zero, false, fmt.Errorf("failed to create %s: %w", t.name, err)
		}
		var created struct {
			ID ID `json:"id"`
		}
		if err := json.Unmarshal(data, &created); err != nil {
			return zero, false, fmt.Errorf("failed to decode created %s: %w", t.name, err)
		}
		d.SetID(created.ID)
	} else {
		if _, err := t.transport.Do(ctx, http.MethodPut, t.itemURL(key), nil, body); err != nil {
			if IsNotFound(err) {
				slog.DebugContext(ctx, "Record deleted on server", "table", t.name, "id", key)
				t.setTombstone(key)
				t.RemoveDraft(key)
				return zero, false, nil
			}
			return zero, false, fmt.Errorf("failed to update %s %v: %w", t.name, key, err)
		}
	}
	rec, err := d.ToRecord()
	if err != nil {
		return zero, false, fmt.Errorf("failed to convert %s draft: %w", t.name, err)
	}
	t.Set(rec)
	t.RemoveDraft(key)
	return rec, true, nil
}

func (t *Table[ID, R, D]) itemURL(id ID) string {
	return t.remoteURL + "/" + url.PathEscape(fmt.Sprint(id))
}

// SetDraft stores d in the draft cache under its id.
func (t *Table[ID, R, D]) SetDraft(d D) {
	t.mu.Lock()
	t.drafts[d.GetID()] = d
	t.mu.Unlock()
}

// GetDraft returns the draft stored under id.
func (t *Table[ID, R, D]) GetDraft(id ID) (D, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.drafts[id]
	return d, ok
}

// HasDraft reports whether a draft is stored under id.
func (t *Table[ID, R, D]) HasDraft(id ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.drafts[id]
	return ok
}

// RemoveDraft discards the draft stored under id.
func (t *Table[ID, R, D]) RemoveDraft(id ID) {
	t.mu.Lock()
	delete(t.drafts, id)
	t.mu.Unlock()
}

// All iterates over a snapshot of the cached records, sorted by id.
// Tombstones are skipped.
func (t *Table[ID, R, D]) All() iter.Seq[R] {
	return func(yield func(R) bool) {
		t.mu.RLock()
		recs := make(map[ID]R, len(t.records))
		for id, s := range t.records {
			if s.present {
				recs[id] = s.rec
			}
		}
		t.mu.RUnlock()
		for _, id := range slices.Sorted(maps.Keys(recs)) {
			if !yield(recs[id]) {
				return
			}
		}
	}
}

// List returns the cached records sorted by id.
func (t *Table[ID, R, D]) List() []R {
	return slices.Collect(t.All())
}

// Filter returns the cached records for which keep returns true, sorted by id.
func (t *Table[ID, R, D]) Filter(keep func(R) bool) []R {
	var out []R
	for rec := range t.All() {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of cached records, tombstones excluded.
func (t *Table[ID, R, D]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.records {
		if s.present {
			n++
		}
	}
	return n
}

// GroupBy partitions recs by the values of fields, in order of first
// appearance. Records must implement [FieldGetter].
func (t *Table[ID, R, D]) GroupBy(fields []string, recs []R) ([]Group[R], error) {
	var groups []Group[R]
	pos := map[string]int{}
	for _, rec := range recs {
		fg, ok := any(rec).(FieldGetter)
		if !ok {
			return nil, fmt.Errorf("%s: %w", t.name, ErrNoFieldGetter)
		}
		key := make([]any, len(fields))
		for i, f := range fields {
			key[i] = fg.Field(f)
		}
		// The tuple is JSON encoded so that ["a","b"] and ["a,b"] differ.
		b, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode group key: %w", err)
		}
		i, ok := pos[string(b)]
		if !ok {
			i = len(groups)
			pos[string(b)] = i
			groups = append(groups, Group[R]{Key: key})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	return groups, nil
}
