// Parses query files and command line conditions.

package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maruel/seradb/internal/query"
)

// DefaultLimit is the page size used when a query does not set one.
const DefaultLimit = 20

// QueryFile is the YAML form of a query.
type QueryFile struct {
	// Limit defaults to DefaultLimit when zero.
	Limit       int            `yaml:"limit,omitempty"`
	Offset      int            `yaml:"offset,omitempty"`
	Unique      bool           `yaml:"unique,omitempty"`
	ReturnTotal bool           `yaml:"return_total,omitempty"`
	Sorts       []SortConfig   `yaml:"sorts,omitempty"`
	Filters     []FilterConfig `yaml:"filters,omitempty"`
	GroupBy     []string       `yaml:"group_by,omitempty"`
}

// SortConfig defines a sort criterion.
type SortConfig struct {
	Property  string `yaml:"property"`
	Direction string `yaml:"direction,omitempty"` // "asc" (default) or "desc"
}

// FilterConfig defines a filter condition.
type FilterConfig struct {
	Property string `yaml:"property"`
	Operator string `yaml:"operator,omitempty"` // "eq" by default
	Value    any    `yaml:"value"`
}

// ParseQuery reads and parses a query file.
func ParseQuery(path string) (*QueryFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified query path
	if err != nil {
		return nil, fmt.Errorf("failed to read query: %w", err)
	}
	return ParseQueryBytes(data)
}

// ParseQueryBytes parses a query file from bytes.
func ParseQueryBytes(data []byte) (*QueryFile, error) {
	var q QueryFile
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}
	if _, err := q.ToQuery(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	return &q, nil
}

// ToQuery converts the file into a query.
func (f *QueryFile) ToQuery() (*query.Query, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, errors.New("limit and offset must be >= 0")
	}
	q := &query.Query{
		Limit:       cmp.Or(f.Limit, DefaultLimit),
		Offset:      f.Offset,
		Unique:      f.Unique,
		ReturnTotal: f.ReturnTotal,
		GroupBy:     f.GroupBy,
	}
	for i := range f.Sorts {
		s := &f.Sorts[i]
		if s.Property == "" {
			return nil, fmt.Errorf("sort %d: property is required", i)
		}
		switch query.Order(s.Direction) {
		case "", query.OrderAsc:
			q.SortedBy = append(q.SortedBy, query.Asc(s.Property))
		case query.OrderDesc:
			q.SortedBy = append(q.SortedBy, query.Desc(s.Property))
		default:
			return nil, fmt.Errorf("sort %q: invalid direction %q", s.Property, s.Direction)
		}
	}
	for i := range f.Filters {
		c, err := f.Filters[i].condition()
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		q.Conditions = append(q.Conditions, c)
	}
	return q, nil
}

func (f *FilterConfig) condition() (query.Condition, error) {
	if f.Property == "" {
		return query.Condition{}, errors.New("property is required")
	}
	op := query.Op(f.Operator)
	if op == "" {
		op = query.OpEq
	}
	if !op.Valid() {
		return query.Condition{}, fmt.Errorf("%s: invalid operator %q", f.Property, f.Operator)
	}
	if op == query.OpIn {
		values, ok := f.Value.([]any)
		if !ok {
			return query.Condition{}, fmt.Errorf("%s: in requires a list value", f.Property)
		}
		return query.In(f.Property, values...), nil
	}
	return query.Condition{Field: f.Property, Op: op, Value: f.Value}, nil
}

// ParseCondition parses "field=value" or "field=op:value". The values of an
// "in" condition are comma separated.
func ParseCondition(s string) (query.Condition, error) {
	field, value, ok := strings.Cut(s, "=")
	if !ok || field == "" {
		return query.Condition{}, fmt.Errorf("invalid condition %q: want field=[op:]value", s)
	}
	op := query.OpEq
	if prefix, rest, ok := strings.Cut(value, ":"); ok && query.Op(prefix).Valid() {
		op, value = query.Op(prefix), rest
	}
	if op == query.OpIn {
		parts := strings.Split(value, ",")
		values := make([]any, len(parts))
		for i, p := range parts {
			values[i] = p
		}
		return query.In(field, values...), nil
	}
	return query.Condition{Field: field, Op: op, Value: value}, nil
}

// ParseSort parses "field" (ascending) or "-field" (descending).
func ParseSort(s string) (query.Sort, error) {
	if field, ok := strings.CutPrefix(s, "-"); ok {
		if field == "" {
			return query.Sort{}, fmt.Errorf("invalid sort %q", s)
		}
		return query.Desc(field), nil
	}
	if s == "" {
		return query.Sort{}, errors.New("empty sort")
	}
	return query.Asc(s), nil
}
