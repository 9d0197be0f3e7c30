// Compiles queries into wire parameters.

package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// ErrUnknownField is returned when a rename entry names a field the record
// type does not have.
var ErrUnknownField = errors.New("unknown field")

// EscapePrefix is prepended to condition keys that collide with a reserved
// parameter name.
const EscapePrefix = "_"

// reserved lists every parameter name the compiler emits itself.
var reserved = map[string]struct{}{
	"field":           {},
	"fields":          {},
	"limit":           {},
	"offset":          {},
	"unique":          {},
	"sorted_by":       {},
	"group_by":        {},
	"return_total":    {},
	"join_conditions": {},
}

// IsReserved reports whether name is a reserved parameter name.
func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// Processor compiles queries for one table.
//
// It maps client field names to server field names; fields without a rename
// entry are sent unchanged. The compiler does not validate field names.
type Processor struct {
	rename map[string]string
}

// NewProcessor returns a Processor using the given client → server renames.
func NewProcessor(rename map[string]string) *Processor {
	return &Processor{rename: maps.Clone(rename)}
}

// Rename returns the server name of a client field.
func (p *Processor) Rename(field string) string {
	if p == nil {
		return field
	}
	if s, ok := p.rename[field]; ok {
		return s
	}
	return field
}

// Renames returns a copy of the rename map.
func (p *Processor) Renames() map[string]string {
	if p == nil {
		return nil
	}
	return maps.Clone(p.rename)
}

// Validate checks that every renamed client field is in known.
func (p *Processor) Validate(known []string) error {
	if p == nil {
		return nil
	}
	for _, field := range slices.Sorted(maps.Keys(p.rename)) {
		if !slices.Contains(known, field) {
			return fmt.Errorf("%w: %q", ErrUnknownField, field)
		}
	}
	return nil
}

// ConditionKey returns the parameter key used for a condition on field.
func (p *Processor) ConditionKey(field string) string {
	name := p.Rename(field)
	if IsReserved(name) {
		return EscapePrefix + name
	}
	return name
}

// CondValue is the wire form of one condition.
type CondValue struct {
	Op    Op  `json:"op"`
	Value any `json:"value"`
}

// JoinParams is the wire form of a join, stored under "join_conditions".
type JoinParams struct {
	Prop       string               `json:"prop"`
	Fields     []string             `json:"fields,omitempty"`
	SortedBy   []string             `json:"sorted_by,omitempty"`
	Conditions map[string]CondValue `json:"conditions,omitempty"`
}

// Params is a compiled query: a flat parameter set.
//
// Values are int, bool, []string, CondValue or JoinParams.
type Params map[string]any

// Compile translates q into wire parameters.
//
// Sort keys use the negation encoding: descending fields are prefixed with
// "-". Equality conditions are normalized to {op: "eq"}. When two conditions
// target the same field the last one wins.
func (p *Processor) Compile(q *Query) Params {
	params := Params{
		"limit":        q.Limit,
		"offset":       q.Offset,
		"unique":       q.Unique,
		"return_total": q.ReturnTotal,
	}
	if len(q.Fields) > 0 {
		params["fields"] = p.names(q.Fields)
	}
	if len(q.SortedBy) > 0 {
		params["sorted_by"] = p.sorts(q.SortedBy)
	}
	if len(q.GroupBy) > 0 {
		params["group_by"] = p.names(q.GroupBy)
	}
	for _, c := range q.Conditions {
		params[p.ConditionKey(c.Field)] = condValue(c)
	}
	return params
}

// CompileJoin compiles q and adds the join of a secondary entity.
//
// The joined entity's fields, sort keys and condition keys are renamed with
// its own Processor and nested under "join_conditions".
func (p *Processor) CompileJoin(q *Query, j *Join) Params {
	params := p.Compile(q)
	jp := JoinParams{Prop: p.Rename(j.Property)}
	if len(j.Fields) > 0 {
		jp.Fields = j.Processor.names(j.Fields)
	}
	if len(j.SortedBy) > 0 {
		jp.SortedBy = j.Processor.sorts(j.SortedBy)
	}
	if len(j.Conditions) > 0 {
		jp.Conditions = make(map[string]CondValue, len(j.Conditions))
		for _, c := range j.Conditions {
			jp.Conditions[j.Processor.ConditionKey(c.Field)] = condValue(c)
		}
	}
	params["join_conditions"] = jp
	return params
}

func (p *Processor) names(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = p.Rename(f)
	}
	return out
}

func (p *Processor) sorts(sorts []Sort) []string {
	out := make([]string, len(sorts))
	for i, s := range sorts {
		name := p.Rename(s.Field)
		if s.Order == OrderDesc {
			name = "-" + name
		}
		out[i] = name
	}
	return out
}

func condValue(c Condition) CondValue {
	op := c.Op
	if op == "" {
		op = OpEq
	}
	return CondValue{Op: op, Value: c.Value}
}

// Encode returns the parameters as URL query values.
//
// Equality conditions are sent as key=value, other operators as
// key[op]=value; "in" repeats the key once per value. A join is sent as one
// JSON-encoded value.
func (p Params) Encode() url.Values {
	v := url.Values{}
	for _, k := range slices.Sorted(maps.Keys(p)) {
		switch x := p[k].(type) {
		case CondValue:
			encodeCondition(v, k, x)
		case []string:
			for _, s := range x {
				v.Add(k, s)
			}
		case JoinParams:
			data, err := json.Marshal(x)
			if err != nil {
				continue
			}
			v.Set(k, string(data))
		default:
			v.Set(k, FormatValue(x))
		}
	}
	return v
}

func encodeCondition(v url.Values, key string, c CondValue) {
	switch c.Op {
	case OpEq:
		v.Set(key, FormatValue(c.Value))
	case OpIn:
		k := key + "[in]"
		values, ok := c.Value.([]any)
		if !ok {
			v.Add(k, FormatValue(c.Value))
			return
		}
		for _, val := range values {
			v.Add(k, FormatValue(val))
		}
	default:
		v.Set(key+"["+string(c.Op)+"]", FormatValue(c.Value))
	}
}

// FormatValue renders a scalar condition value for a URL.
func FormatValue(value any) string {
	switch x := value.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// SnakeCase returns the rename map from camelCase client fields to their
// snake_case server names. Fields that are already snake_case are omitted.
func SnakeCase(fields ...string) map[string]string {
	out := make(map[string]string)
	for _, f := range fields {
		if s := toSnakeCase(f); s != f {
			out[f] = s
		}
	}
	return out
}

func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// Start a new word unless inside an acronym ("userID" -> "user_id").
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
