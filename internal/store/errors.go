package store

import (
	"errors"
	"net/http"
)

var (
	// ErrAlreadyRegistered is returned when a table name or type key is
	// registered twice.
	ErrAlreadyRegistered = errors.New("table already registered")
	// ErrFieldsNotSupported is returned by Fetch for projected queries.
	ErrFieldsNotSupported = errors.New("field projection is not supported by fetch")
	// ErrInvalidDraft is returned by Upsert when the draft does not validate.
	ErrInvalidDraft = errors.New("invalid draft")
	// ErrNoFieldGetter is returned by GroupBy for records without field access.
	ErrNoFieldGetter = errors.New("record does not implement FieldGetter")
	// ErrIndexNotAttached is returned by foreign-key fetches given an index
	// that belongs to another table.
	ErrIndexNotAttached = errors.New("index is not attached to the table")
)

// IsNotFound reports whether err carries a 404 status.
func IsNotFound(err error) bool {
	var s interface{ StatusCode() int }
	return errors.As(err, &s) && s.StatusCode() == http.StatusNotFound
}
