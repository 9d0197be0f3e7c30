package store

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maruel/seradb/internal/query"
)

func skuKey(p *product) (string, bool) { return p.SKU, p.SKU != "" }

func categoryKey(p *product) (int, bool) { return p.CategoryID, p.CategoryID != 0 }

func TestUniqueIndex(t *testing.T) {
	t.Run("AddIdempotent", func(t *testing.T) {
		idx := NewUniqueIndex[int]("sku", skuKey)
		p := &product{ID: 1, SKU: "a"}
		idx.Add(p)
		idx.Add(p)
		if idx.Len() != 1 {
			t.Errorf("Len() = %d, want 1", idx.Len())
		}
		if id, st := idx.Get("a"); id != 1 || st != Present {
			t.Errorf("Get(a) = %d, %v, want 1, present", id, st)
		}
	})
	t.Run("NoKey", func(t *testing.T) {
		idx := NewUniqueIndex[int]("sku", skuKey)
		idx.Add(&product{ID: 1})
		if idx.Len() != 0 {
			t.Errorf("Len() = %d, want 0", idx.Len())
		}
	})
	t.Run("RemoveOnlyOwnID", func(t *testing.T) {
		idx := NewUniqueIndex[int]("sku", skuKey)
		idx.Add(&product{ID: 1, SKU: "a"})
		idx.Add(&product{ID: 2, SKU: "a"})
		idx.Remove(&product{ID: 1, SKU: "a"})
		if id, st := idx.Get("a"); id != 2 || st != Present {
			t.Errorf("Get(a) = %d, %v, want 2, present", id, st)
		}
		idx.Remove(&product{ID: 2, SKU: "a"})
		if idx.Has("a") {
			t.Error("Has(a) = true after Remove")
		}
		idx.Remove(&product{ID: 3, SKU: "zz"})
	})
	t.Run("NegativeCache", func(t *testing.T) {
		idx := NewUniqueIndex[int]("sku", skuKey)
		if _, st := idx.Get("x"); st != Absent {
			t.Errorf("Get(x) state = %v, want absent", st)
		}
		idx.SetAbsent("x")
		if !idx.Has("x") {
			t.Error("Has(x) = false after SetAbsent")
		}
		if _, st := idx.Get("x"); st != Tombstone {
			t.Errorf("Get(x) state = %v, want tombstone", st)
		}
		// A tombstone is not removed by an unrelated record.
		idx.Remove(&product{ID: 0, SKU: "x"})
		if !idx.Has("x") {
			t.Error("Remove dropped the absent marker")
		}
		idx.Set("x", 9)
		if id, st := idx.Get("x"); id != 9 || st != Present {
			t.Errorf("Get(x) = %d, %v, want 9, present", id, st)
		}
		idx.Clear()
		if idx.Len() != 0 {
			t.Errorf("Len() = %d after Clear", idx.Len())
		}
	})
	t.Run("Pair", func(t *testing.T) {
		idx := NewUniqueIndex2[int]("categoryId", "sku", func(p *product) (Pair[int, string], bool) {
			return Pair[int, string]{p.CategoryID, p.SKU}, true
		})
		idx.Add(&product{ID: 4, CategoryID: 7, SKU: "a"})
		if id, st := idx.Get(Pair[int, string]{7, "a"}); id != 4 || st != Present {
			t.Errorf("Get() = %d, %v, want 4, present", id, st)
		}
		if got := idx.Field(); got != "categoryId,sku" {
			t.Errorf("Field() = %q", got)
		}
		want := []query.Condition{query.Eq("categoryId", 7), query.Eq("sku", "a")}
		if diff := cmp.Diff(want, idx.conds(Pair[int, string]{7, "a"})); diff != "" {
			t.Errorf("conds() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestIndex(t *testing.T) {
	t.Run("AddIdempotent", func(t *testing.T) {
		idx := NewIndex[int]("categoryId", categoryKey)
		p := &product{ID: 3, CategoryID: 7}
		idx.Add(p)
		idx.Add(p)
		idx.Add(&product{ID: 1, CategoryID: 7})
		ids, ok := idx.Get(7)
		if !ok || !slices.Equal(ids, []int{1, 3}) {
			t.Errorf("Get(7) = %v, %v, want [1 3], true", ids, ok)
		}
	})
	t.Run("RemoveKeepsKey", func(t *testing.T) {
		idx := NewIndex[int]("categoryId", categoryKey)
		p := &product{ID: 3, CategoryID: 7}
		idx.Add(p)
		idx.Remove(p)
		ids, ok := idx.Get(7)
		if !ok || len(ids) != 0 {
			t.Errorf("Get(7) = %v, %v, want [], true", ids, ok)
		}
		idx.Remove(&product{ID: 5, CategoryID: 99})
		if idx.Has(99) {
			t.Error("Remove of untracked key created it")
		}
	})
	t.Run("SetEmpty", func(t *testing.T) {
		idx := NewIndex[int]("categoryId", categoryKey)
		if _, ok := idx.Get(8); ok {
			t.Error("Get(8) ok before SetEmpty")
		}
		idx.SetEmpty(8)
		if ids, ok := idx.Get(8); !ok || len(ids) != 0 {
			t.Errorf("Get(8) = %v, %v, want [], true", ids, ok)
		}
	})
	t.Run("Triple", func(t *testing.T) {
		idx := NewIndex3[int]("a", "b", "c", func(p *product) (Triple[int, string, string], bool) {
			return Triple[int, string, string]{p.CategoryID, p.SKU, p.Name}, true
		})
		idx.Add(&product{ID: 1, CategoryID: 1, SKU: "s", Name: "n"})
		idx.Add(&product{ID: 2, CategoryID: 1, SKU: "s", Name: "n"})
		ids, _ := idx.Get(Triple[int, string, string]{1, "s", "n"})
		if !slices.Equal(ids, []int{1, 2}) {
			t.Errorf("Get() = %v, want [1 2]", ids)
		}
		if got := idx.Field(); got != "a,b,c" {
			t.Errorf("Field() = %q", got)
		}
		idx.Clear()
		if idx.Len() != 0 {
			t.Errorf("Len() = %d after Clear", idx.Len())
		}
	})
	t.Run("Pair", func(t *testing.T) {
		idx := NewIndex2[int]("categoryId", "sku", func(p *product) (Pair[int, string], bool) {
			return Pair[int, string]{p.CategoryID, p.SKU}, p.SKU != ""
		})
		idx.Add(&product{ID: 1, CategoryID: 2})
		if idx.Len() != 0 {
			t.Errorf("Len() = %d, want 0", idx.Len())
		}
	})
}
