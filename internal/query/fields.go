// Derives the known client field names of a record type.

package query

import (
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// FieldsOf returns the JSON field names of struct type T (or *T), in
// declaration order.
//
// It uses JSON Schema reflection so json tags, "-" and embedded structs are
// handled the same way encoding/json sees them.
func FieldsOf[T any]() ([]string, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type must be a struct or pointer to struct, got %s", t.Kind())
	}

	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	if schema.Properties == nil {
		return nil, nil
	}
	var fields []string
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		fields = append(fields, pair.Key)
	}
	return fields, nil
}
