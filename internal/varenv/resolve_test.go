package varenv

import (
	"encoding/json"
	"testing"
)

// buildJSONBlobMonitor reproduces spec.md §3.2's json.RawMessage-typed
// field scenario: a root bound to a Go map holding an opaque raw JSON
// blob (as a data block's decoded Value would be), with a var path
// descending into it.
func buildJSONBlobMonitor(t *testing.T) (*VarEnv, *Var, map[string]any) {
	t.Helper()
	env := New("test")
	doc := map[string]any{
		"blob": json.RawMessage(`{"a":{"b":1},"list":[10,20,30]}`),
	}
	env.SetRoot("doc", doc)

	root, err := Ensure(env, "root?path=@doc", nil)
	if err != nil {
		t.Fatalf("ensure root: %v", err)
	}
	return env, root, doc
}

func TestGetPathDescendsIntoRawJSON(t *testing.T) {
	env, root, _ := buildJSONBlobMonitor(t)

	b, err := Ensure(env, "b?path=blob.a.b", root)
	if err != nil {
		t.Fatalf("ensure b: %v", err)
	}
	if err := Refresh(env, []*Var{b}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if b.Value != float64(1) {
		t.Fatalf("b.Value = %v (%T), want float64(1)", b.Value, b.Value)
	}

	item, err := Ensure(env, "item?path=blob.list[1]", root)
	if err != nil {
		t.Fatalf("ensure item: %v", err)
	}
	if err := Refresh(env, []*Var{item}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if item.Value != float64(20) {
		t.Fatalf("item.Value = %v, want float64(20)", item.Value)
	}
}

func TestSetValueWritesBackIntoRawJSON(t *testing.T) {
	env, root, doc := buildJSONBlobMonitor(t)

	b, err := Ensure(env, "b?path=blob.a.b", root)
	if err != nil {
		t.Fatalf("ensure b: %v", err)
	}
	if err := SetValue(env, b, 42, false); err != nil {
		t.Fatalf("set_value: %v", err)
	}

	raw, ok := doc["blob"].(json.RawMessage)
	if !ok {
		t.Fatalf("doc[blob] is no longer raw JSON: %T", doc["blob"])
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode updated blob: %v", err)
	}
	a, ok := decoded["a"].(map[string]any)
	if !ok {
		t.Fatalf("decoded a = %v", decoded["a"])
	}
	if a["b"] != float64(42) {
		t.Fatalf("a.b = %v, want 42", a["b"])
	}
	// The sibling "list" field must survive the rewrite untouched.
	list, ok := decoded["list"].([]any)
	if !ok || len(list) != 3 || list[1] != float64(20) {
		t.Fatalf("list field clobbered: %v", decoded["list"])
	}
}

func TestWalkDecodesRawJSONLeaf(t *testing.T) {
	env, root, _ := buildJSONBlobMonitor(t)

	b, err := Ensure(env, "b?path=blob", root)
	if err != nil {
		t.Fatalf("ensure b: %v", err)
	}
	if err := Refresh(env, []*Var{b}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	m, ok := b.JSONValue.(map[string]any)
	if !ok {
		t.Fatalf("b.JSONValue = %#v, want decoded map", b.JSONValue)
	}
	if _, ok := m["a"]; !ok {
		t.Fatalf("decoded blob missing field %q: %v", "a", m)
	}
}
