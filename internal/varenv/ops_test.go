package varenv

import "testing"

// buildBasicMonitor reproduces spec.md §8 scenario 1: a root bound to an
// ambient "@person" value, with "name" and "number?path=number" children.
func buildBasicMonitor(t *testing.T) (*VarEnv, *Var, *Var, *Var, map[string]any) {
	t.Helper()
	env := New("test")
	person := map[string]any{"name": "Herman", "number": "1313"}
	env.SetRoot("person", person)

	root, err := Ensure(env, "root?path=@person", nil)
	if err != nil {
		t.Fatalf("ensure root: %v", err)
	}
	name, err := Ensure(env, "name", root)
	if err != nil {
		t.Fatalf("ensure name: %v", err)
	}
	number, err := Ensure(env, "number?path=number", root)
	if err != nil {
		t.Fatalf("ensure number: %v", err)
	}
	return env, root, name, number, person
}

func TestBasicMonitorScenario(t *testing.T) {
	env, root, name, number, _ := buildBasicMonitor(t)

	if err := Refresh(env, []*Var{name, number}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if root.Value == nil {
		t.Fatalf("expected root value bound to @person")
	}
	if name.Value != "Herman" {
		t.Fatalf("name = %v, want Herman", name.Value)
	}
	if number.Value != "1313" {
		t.Fatalf("number = %v, want 1313", number.Value)
	}
}

func TestInboundSetThenQuietEcho(t *testing.T) {
	env, _, name, _, person := buildBasicMonitor(t)

	if err := Refresh(env, []*Var{name}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := SetValue(env, name, "Freddy", false); err != nil {
		t.Fatalf("set_value: %v", err)
	}
	if person["name"] != "Freddy" {
		t.Fatalf("expected host field mutated, got %v", person["name"])
	}

	// A refresh now observes a real difference against the cached value
	// (the set_value call only touched the host, not the Var's cache),
	// so it marks the var changed. find_monitor_vars then removes it
	// from env.changed since this particular change was self-inflicted
	// by an inbound apply, suppressing the echo (spec.md §4.4 point 3).
	if err := Refresh(env, []*Var{name}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !env.Changed(name.ID) {
		t.Fatalf("expected refresh to detect the host-side change")
	}
	env.Unmark(name.ID)
	if env.Changed(name.ID) {
		t.Fatalf("expected echo suppressed after unmark")
	}
}

func TestSetValueRejectsNonWriteable(t *testing.T) {
	env, _, name, _, _ := buildBasicMonitor(t)
	name.Writeable = false
	err := SetValue(env, name, "x", false)
	if err == nil {
		t.Fatalf("expected writeable_error")
	}
}

func TestSetValueSkipsDuringCreationForBoundVars(t *testing.T) {
	env, _, _, number, person := buildBasicMonitor(t)
	err := SetValue(env, number, "9999", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if person["number"] != "1313" {
		t.Fatalf("expected creating=true to skip the write, got %v", person["number"])
	}
}

func TestComputeValueNonReadable(t *testing.T) {
	env, _, name, _, _ := buildBasicMonitor(t)
	name.Readable = false
	_, err := ComputeValue(env, name)
	if err == nil {
		t.Fatalf("expected readable_error")
	}
}

func TestComputeValueNoPathIsNoOp(t *testing.T) {
	env := New("test")
	v, _ := Ensure(env, "standalone?path=", nil)
	v.Value = "seed"
	changed, err := ComputeValue(env, v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatalf("expected no-op for empty path")
	}
	if v.Value != "seed" {
		t.Fatalf("expected value untouched")
	}
}

func TestRoundTripReadThenWriteIsNoOp(t *testing.T) {
	env, _, name, _, _ := buildBasicMonitor(t)
	if err := Refresh(env, []*Var{name}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	env.ChangedIDs()

	if err := SetValue(env, name, name.Value, false); err != nil {
		t.Fatalf("set_value: %v", err)
	}
	env.Unmark(name.ID)
	if err := Refresh(env, []*Var{name}, true, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if env.Changed(name.ID) {
		t.Fatalf("expected read-then-write of the same value to be a no-op")
	}
}

func TestRefreshRecordsErrorWithoutAborting(t *testing.T) {
	env := New("test")
	badRoot, _ := Ensure(env, "root?path=@missing", nil)

	if err := Refresh(env, []*Var{badRoot}, true, false); err != nil {
		t.Fatalf("expected refresh to record the error rather than return it: %v", err)
	}
	if _, ok := env.Error(badRoot.ID); !ok {
		t.Fatalf("expected env.errors to record the refresh failure")
	}
}

func TestSetValueCoercesDeclaredType(t *testing.T) {
	env, root, _, _, person := buildBasicMonitor(t)
	countVar, err := Ensure(env, "count?path=count,type=int", root)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	person["count"] = 0
	if err := SetValue(env, countVar, "42", false); err != nil {
		t.Fatalf("set_value: %v", err)
	}
	if person["count"] != 42 {
		t.Fatalf("expected coerced int 42, got %v (%T)", person["count"], person["count"])
	}
}

func TestRefreshThrowPropagatesError(t *testing.T) {
	env := New("test")
	badRoot, _ := Ensure(env, "root?path=@missing", nil)
	if err := Refresh(env, []*Var{badRoot}, true, true); err == nil {
		t.Fatalf("expected refresh with throw=true to return the error")
	}
}
