// Package query describes record queries and compiles them into the flat
// parameter set understood by the remote collection endpoints.
//
// A [Query] is built from typed [Condition] and [Sort] values rather than
// field-keyed objects, so compiling it never needs reflection. A [Processor]
// owns the per-table renaming from client field names to server field names.
package query

// Op is a condition operator.
type Op string

const (
	// OpEq matches records whose field equals the value.
	OpEq Op = "eq"
	// OpGt matches records whose field is greater than the value.
	OpGt Op = "gt"
	// OpLt matches records whose field is less than the value.
	OpLt Op = "lt"
	// OpGte matches records whose field is greater than or equal to the value.
	OpGte Op = "gte"
	// OpLte matches records whose field is less than or equal to the value.
	OpLte Op = "lte"
	// OpIn matches records whose field is one of the values.
	OpIn Op = "in"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpGt, OpLt, OpGte, OpLte, OpIn:
		return true
	default:
		return false
	}
}

// Condition restricts a query on one client field.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Eq returns an equality condition.
func Eq(field string, value any) Condition { return Condition{Field: field, Op: OpEq, Value: value} }

// Gt returns a greater-than condition.
func Gt(field string, value any) Condition { return Condition{Field: field, Op: OpGt, Value: value} }

// Lt returns a less-than condition.
func Lt(field string, value any) Condition { return Condition{Field: field, Op: OpLt, Value: value} }

// Gte returns a greater-or-equal condition.
func Gte(field string, value any) Condition { return Condition{Field: field, Op: OpGte, Value: value} }

// Lte returns a less-or-equal condition.
func Lte(field string, value any) Condition { return Condition{Field: field, Op: OpLte, Value: value} }

// In returns a membership condition.
func In(field string, values ...any) Condition {
	return Condition{Field: field, Op: OpIn, Value: values}
}

// Order is a sort direction.
type Order string

const (
	// OrderAsc sorts ascending.
	OrderAsc Order = "asc"
	// OrderDesc sorts descending.
	OrderDesc Order = "desc"
)

// Sort orders results by one client field.
type Sort struct {
	Field string
	Order Order
}

// Asc sorts by field ascending.
func Asc(field string) Sort { return Sort{Field: field, Order: OrderAsc} }

// Desc sorts by field descending.
func Desc(field string) Sort { return Sort{Field: field, Order: OrderDesc} }

// Query is a structured request for records of one table.
type Query struct {
	Limit  int
	Offset int
	// Fields restricts the returned fields (projection).
	Fields     []string
	Conditions []Condition
	Unique     bool
	// SortedBy is applied in order; earlier entries take precedence.
	SortedBy    []Sort
	GroupBy     []string
	ReturnTotal bool
}

// Join describes a secondary entity joined through a relation property.
type Join struct {
	// Property is the client name of the relation property on the primary
	// entity.
	Property string
	// Processor renames the joined entity's fields. nil means identity.
	Processor  *Processor
	Fields     []string
	SortedBy   []Sort
	Conditions []Condition
}
