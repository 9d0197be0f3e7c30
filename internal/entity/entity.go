// Package entity provides map-backed records and drafts for tables whose
// fields are only known at runtime.
package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/maruel/ksid"

	"github.com/maruel/seradb/internal/query"
)

// newPrefix marks the placeholder id of a draft not yet created on the
// server.
const newPrefix = "new:"

// ID is a record id. JSON numbers and strings are both accepted.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid id %s: %w", b, err)
		}
		*id = ID(n.String())
	}
	return nil
}

// Record is an immutable set of field values.
type Record struct {
	id     ID
	fields map[string]any
}

// NewRecord returns a record holding a copy of fields.
func NewRecord(id ID, fields map[string]any) *Record {
	return &Record{id: id, fields: maps.Clone(fields)}
}

// GetID returns the record id.
func (r *Record) GetID() ID { return r.id }

// Field returns the value of a field, or nil.
func (r *Record) Field(name string) any { return r.fields[name] }

// Fields returns a copy of the field values.
func (r *Record) Fields() map[string]any { return maps.Clone(r.fields) }

// MarshalJSON implements json.Marshaler.
func (r *Record) MarshalJSON() ([]byte, error) { return json.Marshal(r.fields) }

// Deser returns a deserializer reading the id from idField.
//
// Numbers are kept as json.Number so large ids and values round-trip.
func Deser(idField string) func(json.RawMessage) (*Record, error) {
	return func(raw json.RawMessage) (*Record, error) {
		d := json.NewDecoder(bytes.NewReader(raw))
		d.UseNumber()
		var fields map[string]any
		if err := d.Decode(&fields); err != nil {
			return nil, err
		}
		if fields == nil {
			return nil, errors.New("record is null")
		}
		id, err := toID(fields[idField])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", idField, err)
		}
		return &Record{id: id, fields: fields}, nil
	}
}

func toID(v any) (ID, error) {
	switch x := v.(type) {
	case string:
		if x != "" {
			return ID(x), nil
		}
	case json.Number:
		return ID(x.String()), nil
	}
	return "", fmt.Errorf("invalid id %v", v)
}

// FieldKey returns an index key function on field. Records without a value
// for the field are not indexed.
func FieldKey(field string) func(*Record) (string, bool) {
	return func(r *Record) (string, bool) {
		v := r.fields[field]
		if v == nil {
			return "", false
		}
		return query.FormatValue(v), true
	}
}

// Draft is a mutable record being created or edited.
type Draft struct {
	// Stale is set by consumers when the record changed on the server while
	// the draft was being edited.
	Stale bool

	id       ID
	idField  string
	isNew    bool
	required []string
	fields   map[string]any
}

// NewDraft returns a draft for a record to create. Until the server assigns
// an id, the draft is keyed by a unique placeholder id.
func NewDraft(idField string, required ...string) *Draft {
	return &Draft{
		id:       ID(newPrefix + ksid.NewID().String()),
		idField:  idField,
		isNew:    true,
		required: required,
		fields:   map[string]any{},
	}
}

// EditDraft returns a draft editing r.
func EditDraft(r *Record, idField string, required ...string) *Draft {
	return &Draft{
		id:       r.id,
		idField:  idField,
		required: required,
		fields:   maps.Clone(r.fields),
	}
}

// IsPlaceholder reports whether id was generated by NewDraft.
func IsPlaceholder(id ID) bool { return strings.HasPrefix(string(id), newPrefix) }

// Set assigns a field. The id field cannot be set.
func (d *Draft) Set(field string, value any) {
	if field == d.idField {
		return
	}
	d.fields[field] = value
}

// Get returns the value of a field, or nil.
func (d *Draft) Get(field string) any { return d.fields[field] }

// GetID returns the record id, or the placeholder id of a new draft.
func (d *Draft) GetID() ID { return d.id }

// SetID assigns the id returned by the server.
func (d *Draft) SetID(id ID) {
	d.id = id
	d.isNew = false
}

// IsNewRecord reports whether the record does not exist on the server yet.
func (d *Draft) IsNewRecord() bool { return d.isNew }

// IsValid reports whether every required field has a non-empty value.
func (d *Draft) IsValid() bool {
	for _, f := range d.required {
		switch v := d.fields[f].(type) {
		case nil:
			return false
		case string:
			if v == "" {
				return false
			}
		}
	}
	return true
}

// Ser returns the request body: the field values, without the id of a new
// record.
func (d *Draft) Ser() (any, error) {
	body := maps.Clone(d.fields)
	if d.isNew {
		delete(body, d.idField)
	}
	return body, nil
}

// ToRecord returns the record the draft describes.
func (d *Draft) ToRecord() (*Record, error) {
	if IsPlaceholder(d.id) {
		return nil, errors.New("draft has no server id")
	}
	fields := maps.Clone(d.fields)
	fields[d.idField] = string(d.id)
	return &Record{id: d.id, fields: fields}, nil
}
