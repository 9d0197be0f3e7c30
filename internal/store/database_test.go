package store

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDB(t *testing.T) {
	t.Run("PopulateData", func(t *testing.T) {
		db := NewDB()
		tbl := newProducts(t, db, &fakeTransport{}, false)
		got, err := db.PopulateData(map[string][]json.RawMessage{
			"Product":  {json.RawMessage(`{"id":1,"name":"drill"}`)},
			"Category": {json.RawMessage(`{"id":9,"name":"tools"}`)},
		})
		if err != nil {
			t.Fatal(err)
		}
		want := map[string][]any{"Product": {&product{ID: 1, Name: "drill"}}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("PopulateData() mismatch (-want +got):\n%s", diff)
		}
		if p, st := tbl.Get(1); st != Present || p.Name != "drill" {
			t.Errorf("Get(1) = %v, %v", p, st)
		}
	})
	t.Run("PopulateAllOrNothing", func(t *testing.T) {
		db := NewDB()
		tbl := newProducts(t, db, &fakeTransport{}, false)
		_, err := db.PopulateData(map[string][]json.RawMessage{
			"Product": {json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":"bad"}`)},
		})
		if err == nil {
			t.Fatal("PopulateData() returned nil error")
		}
		if tbl.Len() != 0 || tbl.Version() != 0 {
			t.Errorf("Len() = %d, Version() = %d, want nothing stored", tbl.Len(), tbl.Version())
		}
	})
	t.Run("PopulateAcrossTables", func(t *testing.T) {
		db := NewDB()
		products := newProducts(t, db, &fakeTransport{}, false)
		cats, err := NewTable[string, *category, *categoryDraft](db, TableConfig[string, *category]{
			Name:      "Category",
			Deser:     deserCategory,
			Transport: &fakeTransport{},
		})
		if err != nil {
			t.Fatal(err)
		}
		// Category sorts first and decodes fine; Product fails afterwards.
		_, err = db.PopulateData(map[string][]json.RawMessage{
			"Category": {json.RawMessage(`{"id":"c","name":"tools"}`)},
			"Product":  {json.RawMessage(`{"id":"bad"}`)},
		})
		if err == nil {
			t.Fatal("PopulateData() returned nil error")
		}
		if cats.Len() != 0 || cats.Version() != 0 || products.Len() != 0 {
			t.Errorf("Category Len() = %d, Version() = %d, Product Len() = %d, want nothing stored", cats.Len(), cats.Version(), products.Len())
		}
	})
	t.Run("Lookup", func(t *testing.T) {
		db := NewDB()
		tbl := newProducts(t, db, &fakeTransport{}, false)
		got, ok := Lookup[int, *product, *productDraft](db)
		if !ok || got != tbl {
			t.Errorf("Lookup() = %p, %v, want %p", got, ok, tbl)
		}
		if _, ok := Lookup[string, *category, *categoryDraft](db); ok {
			t.Error("Lookup(category) found a table")
		}
		if r, ok := db.ByName("Product"); !ok || r != Registrant(tbl) {
			t.Errorf("ByName() = %v, %v", r, ok)
		}
	})
	t.Run("ClearAndNames", func(t *testing.T) {
		db := NewDB()
		products := newProducts(t, db, &fakeTransport{}, false)
		cats, err := NewTable[string, *category, *categoryDraft](db, TableConfig[string, *category]{
			Name:      "Category",
			Deser:     deserCategory,
			Transport: &fakeTransport{},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := db.Names(); !slices.Equal(got, []string{"Category", "Product"}) {
			t.Errorf("Names() = %v", got)
		}
		products.Set(&product{ID: 1})
		cats.Set(&category{ID: "c"})
		db.Clear()
		if products.Len() != 0 || cats.Len() != 0 {
			t.Errorf("Len() = %d, %d after Clear", products.Len(), cats.Len())
		}
	})
	t.Run("DuplicateRegister", func(t *testing.T) {
		db := NewDB()
		tbl := newProducts(t, db, &fakeTransport{}, false)
		if err := db.Register(tbl); !errors.Is(err, ErrAlreadyRegistered) {
			t.Errorf("Register() = %v, want ErrAlreadyRegistered", err)
		}
	})
}
