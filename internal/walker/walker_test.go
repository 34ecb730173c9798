package walker

import "testing"

func TestWalkScalars(t *testing.T) {
	table := NewOIDTable()
	cases := []any{"hello", 42, true, 3.14, nil}
	for _, c := range cases {
		got, err := Walk(c, table, false)
		if err != nil {
			t.Fatalf("Walk(%v) error: %v", c, err)
		}
		if got != c {
			t.Errorf("Walk(%v) = %v, want unchanged", c, got)
		}
	}
}

func TestWalkStringMap(t *testing.T) {
	table := NewOIDTable()
	in := map[string]any{"a": 1, "b": "x"}
	got, err := Walk(in, table, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", got)
	}
	if m["a"] != 1 || m["b"] != "x" {
		t.Fatalf("unexpected contents: %v", m)
	}
}

func TestWalkSlice(t *testing.T) {
	table := NewOIDTable()
	in := []any{1, "x", true}
	got, err := Walk(in, table, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := got.([]any)
	if !ok || len(s) != 3 {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestWalkNonStringMapBecomesPairs(t *testing.T) {
	table := NewOIDTable()
	in := map[int]string{1: "a"}
	got, err := Walk(in, table, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pairs, ok := got.([]any)
	if !ok || len(pairs) != 1 {
		t.Fatalf("expected single pair, got %v", got)
	}
}

type stubFielder struct {
	name string
	age  int
}

func (s *stubFielder) Fields() []string { return []string{"name", "age"} }
func (s *stubFielder) GetField(name string) (any, bool) {
	switch name {
	case "name":
		return s.name, true
	case "age":
		return s.age, true
	}
	return nil, false
}
func (s *stubFielder) SetField(name string, v any) error {
	switch name {
	case "name":
		s.name = v.(string)
	case "age":
		s.age = v.(int)
	}
	return nil
}
func (s *stubFielder) Call(args ...any) (any, bool, error) { return nil, false, nil }

func TestWalkFielderBecomesObject(t *testing.T) {
	table := NewOIDTable()
	in := &stubFielder{name: "Herman", age: 40}
	got, err := Walk(in, table, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", got)
	}
	if m["name"] != "Herman" || m["age"] != 40 {
		t.Fatalf("unexpected fields: %v", m)
	}
}

func TestWalkHandleProducesRef(t *testing.T) {
	table := NewOIDTable()
	h := NewHandle(map[string]any{"x": 1})
	got, err := Walk(h, table, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ref, ok := got.(RefValue)
	if !ok {
		t.Fatalf("expected RefValue, got %T", got)
	}
	if ref.Ref == 0 {
		t.Fatalf("expected non-zero OID")
	}
}

func TestWalkHandleSameObjectSameOID(t *testing.T) {
	table := NewOIDTable()
	h := NewHandle("payload")
	r1, _ := Walk(h, table, false)
	r2, _ := Walk(h, table, false)
	if r1.(RefValue).Ref != r2.(RefValue).Ref {
		t.Fatalf("expected stable OID across walks of the same handle")
	}
}

func TestDerefResolvesRef(t *testing.T) {
	table := NewOIDTable()
	h := NewHandle("payload")
	walked, _ := Walk(h, table, false)
	ref := walked.(RefValue)

	jsonShaped := map[string]any{"ref": int64(ref.Ref)}
	got := Deref(jsonShaped, table)
	if got != "payload" {
		t.Fatalf("Deref = %v, want %q", got, "payload")
	}
}

func TestDerefStaleOIDIsNil(t *testing.T) {
	table := NewOIDTable()
	got := Deref(map[string]any{"ref": int64(999)}, table)
	if got != nil {
		t.Fatalf("expected nil for unknown OID, got %v", got)
	}
}

func TestDerefNestedStructures(t *testing.T) {
	table := NewOIDTable()
	got := Deref(map[string]any{
		"a": []any{1, map[string]any{"b": 2}},
	}, table)
	m := got.(map[string]any)
	arr := m["a"].([]any)
	if arr[0] != 1 {
		t.Fatalf("unexpected nested deref: %v", got)
	}
}

func TestIsSameScalars(t *testing.T) {
	if !IsSame(1, 1) {
		t.Fatalf("expected 1 == 1")
	}
	if IsSame(1, 2) {
		t.Fatalf("expected 1 != 2")
	}
	if IsSame("a", 1) {
		t.Fatalf("expected different types to differ")
	}
}

func TestIsSameMapsAndSlices(t *testing.T) {
	a := map[string]any{"x": []any{1, 2, 3}}
	b := map[string]any{"x": []any{1, 2, 3}}
	if !IsSame(a, b) {
		t.Fatalf("expected structurally equal maps to be same")
	}
	c := map[string]any{"x": []any{1, 2, 4}}
	if IsSame(a, c) {
		t.Fatalf("expected differing slices to differ")
	}
}

func TestIsSameCycles(t *testing.T) {
	type node struct {
		Next *node
	}
	a := &node{}
	a.Next = a
	b := &node{}
	b.Next = b
	if !IsSame(a, b) {
		t.Fatalf("expected cyclic structures with matching shape to be same")
	}
}

func TestIsSameFielder(t *testing.T) {
	a := &stubFielder{name: "x", age: 1}
	b := &stubFielder{name: "x", age: 1}
	if !IsSame(a, b) {
		t.Fatalf("expected equal Fielder contents to be same")
	}
	b.age = 2
	if IsSame(a, b) {
		t.Fatalf("expected differing Fielder contents to differ")
	}
}
