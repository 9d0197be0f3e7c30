package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/maruel/seradb/internal/config"
	"github.com/maruel/seradb/internal/entity"
	"github.com/maruel/seradb/internal/query"
	"github.com/maruel/seradb/internal/store"
)

type (
	entityTable    = store.Table[entity.ID, *entity.Record, *entity.Draft]
	uniqueIndex    = store.UniqueIndex[entity.ID, *entity.Record, string]
	nonUniqueIndex = store.Index[entity.ID, *entity.Record, string]
)

// table is one manifest table with its foreign-key indices.
type table struct {
	*entityTable
	cfg     *config.TableConfig
	unique  map[string]*uniqueIndex
	indexed map[string]*nonUniqueIndex
}

// app runs commands against the tables of a manifest.
type app struct {
	db     *store.DB
	tables map[string]*table

	mu  sync.Mutex
	out *json.Encoder
}

func newApp(m *config.Manifest, tr store.Transport, out io.Writer) (*app, error) {
	a := &app{db: store.NewDB(), tables: map[string]*table{}, out: json.NewEncoder(out)}
	for i := range m.Tables {
		cfg := &m.Tables[i]
		proc := query.NewProcessor(cfg.Renames())
		t := &table{cfg: cfg, unique: map[string]*uniqueIndex{}, indexed: map[string]*nonUniqueIndex{}}
		var indices []store.Indexer[*entity.Record]
		// Raw records carry server field names; conditions use client names.
		for _, f := range cfg.Unique {
			idx := store.NewUniqueIndex[entity.ID](f, entity.FieldKey(proc.Rename(f)))
			t.unique[f] = idx
			indices = append(indices, idx)
		}
		for _, f := range cfg.Indexed {
			idx := store.NewIndex[entity.ID](f, entity.FieldKey(proc.Rename(f)))
			t.indexed[f] = idx
			indices = append(indices, idx)
		}
		tbl, err := store.NewTable[entity.ID, *entity.Record, *entity.Draft](a.db, store.TableConfig[entity.ID, *entity.Record]{
			Name:      cfg.Name,
			RemoteURL: cfg.RemoteURL,
			Deser:     entity.Deser(proc.Rename(cfg.ID())),
			Processor: proc,
			Indices:   indices,
			NoRefetch: cfg.NoRefetch,
			Transport: tr,
			Fields:    cfg.Fields,
			IDField:   cfg.ID(),
			TypeKey:   "entity:" + cfg.Name,
		})
		if err != nil {
			return nil, err
		}
		t.entityTable = tbl
		a.tables[cfg.Name] = t
	}
	return a, nil
}

func (a *app) lookup(name string) (*table, error) {
	t, ok := a.tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q; known: %s", name, strings.Join(a.db.Names(), ", "))
	}
	return t, nil
}

func (a *app) print(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Encode(v)
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "get":
		return a.cmdGet(ctx, args)
	case "list":
		return a.cmdList(ctx, args)
	case "find":
		return a.cmdFind(ctx, args)
	case "put":
		return a.cmdPut(ctx, args)
	case "watch":
		return a.cmdWatch(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) cmdGet(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: get <table> <id>...")
	}
	t, err := a.lookup(args[0])
	if err != nil {
		return err
	}
	ids := make([]entity.ID, len(args)-1)
	for i, s := range args[1:] {
		ids[i] = entity.ID(s)
	}
	recs, err := t.FetchByIDs(ctx, ids, false)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r, ok := recs[id]
		if !ok {
			slog.WarnContext(ctx, "Record not found", "table", t.Name(), "id", id)
			continue
		}
		if err := a.print(r); err != nil {
			return err
		}
	}
	return nil
}

// stringsFlag collects a repeated flag.
type stringsFlag []string

func (s *stringsFlag) String() string { return strings.Join(*s, ",") }

func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: list <table> [flags]")
	}
	t, err := a.lookup(args[0])
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("limit", config.DefaultLimit, "Maximum number of records")
	offset := fs.Int("offset", 0, "Number of records to skip")
	total := fs.Bool("total", false, "Log the total number of matching records")
	unique := fs.Bool("unique", false, "Ask the server for distinct records")
	group := fs.String("group", "", "Comma separated fields to group the results by")
	var where, sorts stringsFlag
	fs.Var(&where, "where", "Condition field=[op:]value, repeatable")
	fs.Var(&sorts, "sort", "Sort field, prefix with - for descending, repeatable")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	q := &query.Query{Limit: *limit, Offset: *offset, ReturnTotal: *total, Unique: *unique}
	for _, w := range where {
		c, err := config.ParseCondition(w)
		if err != nil {
			return err
		}
		q.Conditions = append(q.Conditions, c)
	}
	for _, s := range sorts {
		srt, err := config.ParseSort(s)
		if err != nil {
			return err
		}
		q.SortedBy = append(q.SortedBy, srt)
	}
	res, err := t.Fetch(ctx, q)
	if err != nil {
		return err
	}
	if *total {
		slog.InfoContext(ctx, "Fetched", "table", t.Name(), "count", len(res.Records), "total", res.Total)
	}
	if *group != "" {
		return a.printGroups(t, strings.Split(*group, ","), res.Records)
	}
	for _, r := range res.Records {
		if err := a.print(r); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) printGroups(t *table, fields []string, recs []*entity.Record) error {
	server := make([]string, len(fields))
	for i, f := range fields {
		server[i] = t.Processor().Rename(f)
	}
	groups, err := t.GroupBy(server, recs)
	if err != nil {
		return err
	}
	for _, g := range groups {
		ids := make([]entity.ID, len(g.Records))
		for i, r := range g.Records {
			ids[i] = r.GetID()
		}
		if err := a.print(map[string]any{"key": g.Key, "count": len(ids), "ids": ids}); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) cmdFind(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	force := fs.Bool("force", false, "Skip the index cache")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: find [-force] <table> <field> <value>")
	}
	t, err := a.lookup(fs.Arg(0))
	if err != nil {
		return err
	}
	field, value := fs.Arg(1), fs.Arg(2)
	if idx, ok := t.unique[field]; ok {
		r, found, err := store.FetchByUniqueForeignKey(ctx, t.entityTable, idx, value, *force)
		if err != nil {
			return err
		}
		if !found {
			slog.WarnContext(ctx, "No match", "table", t.Name(), "field", field, "value", value)
			return nil
		}
		return a.print(r)
	}
	if idx, ok := t.indexed[field]; ok {
		recs, err := store.FetchByNonUniqueForeignKey(ctx, t.entityTable, idx, value, *force)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := a.print(r); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("table %s has no index on %q", t.Name(), field)
}

func (a *app) cmdPut(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: put <table> [-id id] field=value...")
	}
	t, err := a.lookup(args[0])
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	id := fs.String("id", "", "Id of the record to update; empty creates a record")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	var d *entity.Draft
	if *id == "" {
		d = entity.NewDraft(t.Processor().Rename(t.cfg.ID()))
	} else {
		r, ok, err := t.FetchByID(ctx, entity.ID(*id), false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s %s not found", t.Name(), *id)
		}
		d = entity.EditDraft(r, t.Processor().Rename(t.cfg.ID()))
	}
	for _, kv := range fs.Args() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid assignment %q: want field=value", kv)
		}
		d.Set(t.Processor().Rename(k), parseValue(v))
	}
	t.SetDraft(d)
	r, ok, err := t.Upsert(ctx, d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s was deleted on the server", t.Name(), *id)
	}
	return a.print(r)
}

// parseValue decodes JSON scalars ("12", "true", "null") and keeps anything
// else as a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: watch <table> <query.yaml>")
	}
	t, err := a.lookup(args[0])
	if err != nil {
		return err
	}
	path, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	qf, err := config.ParseQuery(path)
	if err != nil {
		return err
	}
	q, err := qf.ToQuery()
	if err != nil {
		return err
	}

	obs := query.NewObservable(q)
	unsubscribe := obs.Subscribe(func(q *query.Query) {
		if err := a.runQuery(ctx, t, q); err != nil {
			slog.ErrorContext(ctx, "Query failed", "table", t.Name(), "err", err)
		}
	})
	defer unsubscribe()
	obs.Update(q)
	return watchFile(ctx, path, func() {
		qf, err := config.ParseQuery(path)
		if err != nil {
			slog.WarnContext(ctx, "Ignoring invalid query file", "path", path, "err", err)
			return
		}
		q, err := qf.ToQuery()
		if err != nil {
			slog.WarnContext(ctx, "Ignoring invalid query file", "path", path, "err", err)
			return
		}
		slog.InfoContext(ctx, "Query file changed", "path", path)
		obs.Update(q)
	})
}

func (a *app) runQuery(ctx context.Context, t *table, q *query.Query) error {
	res, err := t.Fetch(ctx, q)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Fetched", "table", t.Name(), "count", len(res.Records), "total", res.Total, "version", t.Version())
	for _, r := range res.Records {
		if err := a.print(r); err != nil {
			return err
		}
	}
	return nil
}

// watchFile calls onChange each time path is written or replaced, until ctx
// is done. The parent directory is watched so that editors replacing the file
// are noticed.
func watchFile(ctx context.Context, path string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Name == path && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching query file", "err", err)
		}
	}
}
