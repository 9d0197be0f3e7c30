package entity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maruel/seradb/internal/store"
)

func TestID(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`"abc"`, "abc"},
		{`42`, "42"},
		{`12345678901234567890`, "12345678901234567890"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var got ID
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
	var id ID
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Error("Unmarshal(true) returned nil error")
	}
}

func TestDeser(t *testing.T) {
	deser := Deser("id")
	r, err := deser(json.RawMessage(`{"id": 7, "name": "drill", "category_id": 3}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.GetID() != "7" {
		t.Errorf("GetID() = %q, want 7", r.GetID())
	}
	if r.Field("name") != "drill" {
		t.Errorf("Field(name) = %v", r.Field("name"))
	}
	if k, ok := FieldKey("category_id")(r); !ok || k != "3" {
		t.Errorf("FieldKey(category_id) = %q, %v", k, ok)
	}
	if _, ok := FieldKey("missing")(r); ok {
		t.Error("FieldKey(missing) ok = true")
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"category_id":3,"id":7,"name":"drill"}` {
		t.Errorf("Marshal() = %s", b)
	}

	for _, raw := range []string{`{"name": "x"}`, `null`, `{"id": true}`, `[`} {
		if _, err := deser(json.RawMessage(raw)); err == nil {
			t.Errorf("deser(%s) returned nil error", raw)
		}
	}
}

func TestDraft(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		d := NewDraft("id", "name")
		if !d.IsNewRecord() || !IsPlaceholder(d.GetID()) {
			t.Errorf("NewDraft() id = %q, new = %v", d.GetID(), d.IsNewRecord())
		}
		if other := NewDraft("id"); other.GetID() == d.GetID() {
			t.Error("two drafts share a placeholder id")
		}
		if d.IsValid() {
			t.Error("IsValid() = true without name")
		}
		d.Set("name", "")
		if d.IsValid() {
			t.Error("IsValid() = true with empty name")
		}
		d.Set("name", "drill")
		d.Set("id", "ignored")
		if !d.IsValid() {
			t.Error("IsValid() = false")
		}
		if _, err := d.ToRecord(); err == nil {
			t.Error("ToRecord() before SetID returned nil error")
		}
		body, _ := d.Ser()
		if diff := cmp.Diff(map[string]any{"name": "drill"}, body); diff != "" {
			t.Errorf("Ser() mismatch (-want +got):\n%s", diff)
		}
		d.SetID("9")
		r, err := d.ToRecord()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(map[string]any{"id": "9", "name": "drill"}, r.Fields()); diff != "" {
			t.Errorf("ToRecord() mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("Edit", func(t *testing.T) {
		r := NewRecord("3", map[string]any{"id": "3", "name": "old"})
		d := EditDraft(r, "id")
		d.Set("name", "new")
		if r.Field("name") != "old" {
			t.Error("EditDraft shares fields with the record")
		}
		if d.IsNewRecord() || d.GetID() != "3" {
			t.Errorf("EditDraft() id = %q, new = %v", d.GetID(), d.IsNewRecord())
		}
		if d.Get("name") != "new" {
			t.Errorf("Get(name) = %v", d.Get("name"))
		}
	})
}

type transportFunc func(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error)

func (f transportFunc) Do(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	return f(ctx, method, path, params, body)
}

func TestTableUpsert(t *testing.T) {
	var created any
	tr := transportFunc(func(_ context.Context, method, path string, _ url.Values, body any) ([]byte, error) {
		if method != http.MethodPost || path != "/api/product" {
			return nil, nil
		}
		created = body
		return []byte(`{"id": 12}`), nil
	})
	tbl, err := store.NewTable[ID, *Record, *Draft](store.NewDB(), store.TableConfig[ID, *Record]{
		Name:      "Product",
		Deser:     Deser("id"),
		Transport: tr,
		Fields:    []string{"id", "name"},
		TypeKey:   "entity:Product",
	})
	if err != nil {
		t.Fatal(err)
	}
	d := NewDraft("id", "name")
	d.Set("name", "drill")
	placeholder := d.GetID()
	tbl.SetDraft(d)

	r, ok, err := tbl.Upsert(t.Context(), d)
	if err != nil || !ok {
		t.Fatalf("Upsert() = %v, %v, %v", r, ok, err)
	}
	if r.GetID() != "12" {
		t.Errorf("GetID() = %q, want 12", r.GetID())
	}
	if tbl.HasDraft(placeholder) {
		t.Error("placeholder draft kept")
	}
	if _, st := tbl.Get("12"); st != store.Present {
		t.Errorf("Get(12) state = %v", st)
	}
	if diff := cmp.Diff(map[string]any{"name": "drill"}, created); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}
