package store

import (
	"cmp"
	"context"
	"encoding/json"
	"net/url"
)

// State is the cache state of one id.
type State int

const (
	// Absent means the id was never requested.
	Absent State = iota
	// Tombstone means the server confirmed that no record has this id.
	Tombstone
	// Present means the record is cached.
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Tombstone:
		return "tombstone"
	case Present:
		return "present"
	default:
		return "unknown"
	}
}

// slot is a record map entry. The zero value is a tombstone; absence is
// represented by the key not being in the map.
type slot[R any] struct {
	rec     R
	present bool
}

func (s slot[R]) state() State {
	if s.present {
		return Present
	}
	return Tombstone
}

// Record is an immutable entity instance.
type Record[ID cmp.Ordered] interface {
	GetID() ID
}

// Draft is a mutable staging copy of a record being created or edited.
//
// A draft for a new record is keyed in the draft cache by whatever GetID
// returns before the record is created; SetID then assigns the id returned by
// the server.
type Draft[ID cmp.Ordered, R Record[ID]] interface {
	GetID() ID
	SetID(id ID)
	IsNewRecord() bool
	IsValid() bool
	// Ser returns the request body sent on create or update.
	Ser() (any, error)
	ToRecord() (R, error)
}

// FieldGetter is implemented by records that can be grouped by field.
type FieldGetter interface {
	Field(name string) any
}

// Transport issues requests against the remote API.
//
// Do returns the raw response body. A not-found response must be reported as
// an error for which [IsNotFound] returns true.
type Transport interface {
	Do(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error)
}

// Registrant is a table as seen by a [DB].
type Registrant interface {
	// Name is the entity class name.
	Name() string
	// TypeKey is the key used for typed lookup.
	TypeKey() any
	// Decode deserializes raw records without storing them.
	Decode(raw []json.RawMessage) ([]any, error)
	// Store stores records returned by Decode.
	Store(recs []any)
	Clear()
}
