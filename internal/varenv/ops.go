package varenv

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/sjson"

	"github.com/untoldecay/varmesh/internal/pathlang"
	"github.com/untoldecay/varmesh/internal/varerr"
	"github.com/untoldecay/varmesh/internal/walker"
)

// GetPath walks v's compiled path and returns the resulting value
// (spec.md §4.2). A rootless var with no path returns its current
// internal value unchanged.
func GetPath(env *VarEnv, v *Var) (any, error) {
	if len(v.Path) == 0 {
		return v.Value, nil
	}
	current, _, _, _, err := resolvePath(env, v, v.Path, false)
	return current, err
}

// ComputeValue recomputes v.Value from its path and reports whether it
// changed by structural comparison (spec.md §4.2's use_value). A var
// with no path is a no-op; a non-readable var rejects the call outright.
func ComputeValue(env *VarEnv, v *Var) (changed bool, err error) {
	if len(v.Path) == 0 {
		return false, nil
	}
	if !v.Readable {
		return false, &varerr.ReadableError{Var: v.FullName}
	}
	value, err := GetPath(env, v)
	if err != nil {
		return false, err
	}
	return useValue(v, value), nil
}

// useValue assigns value as v's new internal value, returning whether it
// differs from the prior value (spec.md's is_same-based change check).
func useValue(v *Var, value any) bool {
	if v.valueAssigned && walker.IsSame(v.Value, value) {
		v.Value = value
		return false
	}
	changed := v.valueAssigned
	v.Value = value
	v.valueAssigned = true
	return changed
}

// SetValue applies value to the location v's path addresses (spec.md
// §4.2). When creating is true and v looks like a bound var (it has
// create metadata, is an action, or has a non-empty path), the write is
// skipped — per the spec's resolved open question, first-time monitor
// installs never mutate host state; only later re-sends do.
func SetValue(env *VarEnv, v *Var, value any, creating bool) error {
	if creating {
		_, hasCreate := v.Metadata[metaCreate]
		if hasCreate || v.Action || len(v.Path) > 0 {
			return nil
		}
	}
	if !v.Writeable {
		return &varerr.WriteableError{Var: v.FullName}
	}
	if len(v.Path) == 0 {
		v.Value = value
		v.valueAssigned = true
		return nil
	}

	container, last, hasLast, crossing, err := resolvePath(env, v, v.Path, true)
	if err != nil {
		return err
	}
	if !hasLast {
		v.Value = value
		v.valueAssigned = true
		return nil
	}

	upUsed := hasUpTraversal(v.Path)

	if t, ok := v.Metadata[metaType]; ok {
		coerced, err := coerce(t, value)
		if err != nil {
			return varerr.NewPathError(v.FullName, fmt.Sprintf("coercing to declared type %q: %v", t, err), err)
		}
		value = coerced
	}

	switch last.Kind {
	case pathlang.CompField:
		if raw, ok := container.(json.RawMessage); ok {
			return setJSONField(v, crossing, raw, last.Field, value)
		}
		return setField(v, container, last.Field, value)
	case pathlang.CompIndex:
		return setIndex(v, container, last.Index, value)
	case pathlang.CompCallable:
		return invokeSetter(env, v, container, last.Field, value, upUsed)
	default:
		return varerr.NewPathError(v.FullName, "last path component is not writeable", nil)
	}
}

// coerce converts an inbound value to the var's declared metadata["type"]
// when it doesn't already match, following the lenient string-to-scalar
// conversions JSON round trips typically need (spec.md §4.2).
func coerce(declaredType string, value any) (any, error) {
	switch declaredType {
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	case "int":
		switch n := value.(type) {
		case int:
			return n, nil
		case float64:
			return int(n), nil
		case string:
			return strconv.Atoi(n)
		}
	case "float":
		switch n := value.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case string:
			return strconv.ParseFloat(n, 64)
		}
	case "bool":
		switch n := value.(type) {
		case bool:
			return n, nil
		case string:
			return strconv.ParseBool(n)
		}
	}
	return value, nil
}

// SyncValue overwrites v's cached internal/JSON value directly, without
// marking it changed. Used by the monitor manager right after it has
// just written this same value into the host via SetValue, so the next
// refresh pass sees no further diff and the inbound echo stays
// suppressed (spec.md §4.4).
func SyncValue(env *VarEnv, v *Var, value any) error {
	jsonValue, err := walker.Walk(value, env.oids, env.VerboseOIDs)
	if err != nil {
		return err
	}
	v.Value = value
	v.JSONValue = jsonValue
	v.valueAssigned = true
	return nil
}

func hasUpTraversal(path []pathlang.Component) bool {
	for _, c := range path {
		if c.Kind == pathlang.CompUp {
			return true
		}
	}
	return false
}

func setField(v *Var, container any, name string, value any) error {
	if f, ok := container.(walker.Fielder); ok {
		if err := f.SetField(name, value); err != nil {
			return varerr.NewPathError(v.FullName, fmt.Sprintf("setting field %q: %v", name, err), err)
		}
		return nil
	}
	if m, ok := container.(map[string]any); ok {
		m[name] = value
		return nil
	}
	return varerr.NewPathError(v.FullName, fmt.Sprintf("cannot set field %q on %T", name, container), nil)
}

// setJSONField applies value at joinedPath inside an already-encoded
// json.RawMessage blob via a single sjson.SetBytes call (spec.md §3.2),
// then writes the updated blob back into the Go-level field or index
// that owns it, using the ordinary (non-JSON) setField/setIndex so the
// write is visible the same way any other field mutation is.
func setJSONField(v *Var, crossing *jsonCrossing, raw json.RawMessage, joinedPath string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", joinedPath, err)
	}
	next, err := sjson.SetRawBytes(raw, joinedPath, payload)
	if err != nil {
		return varerr.NewPathError(v.FullName, fmt.Sprintf("setting %q in raw JSON: %v", joinedPath, err), err)
	}
	if crossing == nil {
		return varerr.NewPathError(v.FullName, "cannot write into a root-level raw JSON value with no owning field", nil)
	}
	switch crossing.comp.Kind {
	case pathlang.CompField:
		return setField(v, crossing.container, crossing.comp.Field, json.RawMessage(next))
	case pathlang.CompIndex:
		return setIndex(v, crossing.container, crossing.comp.Index, json.RawMessage(next))
	default:
		return varerr.NewPathError(v.FullName, "cannot write raw JSON back through this path step", nil)
	}
}

// appender is a container-provided adapter for index-append semantics
// (spec.md §4.2: an index equal to len+1 appends). Plain []any slices
// can be assigned in place but cannot grow through a non-pointer value,
// so growth requires the container to opt in explicitly.
type appender interface {
	Append(value any) error
}

func setIndex(v *Var, container any, idx int, value any) error {
	if s, ok := container.([]any); ok {
		switch {
		case idx >= 0 && idx < len(s):
			s[idx] = value
			return nil
		case idx == len(s):
			if a, ok := container.(appender); ok {
				return a.Append(value)
			}
			return varerr.NewPathError(v.FullName, "append requires an appender-capable container", nil)
		default:
			return varerr.NewPathError(v.FullName, fmt.Sprintf("index %d out of range", idx), nil)
		}
	}
	if a, ok := container.(appender); ok && idx == -1 {
		return a.Append(value)
	}
	return varerr.NewPathError(v.FullName, fmt.Sprintf("cannot index %T", container), nil)
}

// invokeSetter tries, in order, the richest applicable arity. An action
// whose path has an up-traversal tries (ctx, cur, parent) then
// (cur, parent) first; every action then tries (ctx, cur) then (cur).
// A non-action setter tries (ctx, cur, value) then (cur, value)
// (spec.md §4.2, §9's resolved open question on arity ordering).
func invokeSetter(env *VarEnv, v *Var, container any, name string, value any, upUsed bool) error {
	callable, err := getField(v, container, name)
	if err != nil {
		return err
	}
	f, ok := callable.(walker.Fielder)
	if !ok {
		return varerr.NewPathError(v.FullName, fmt.Sprintf("%q is not callable", name), nil)
	}

	if v.Action && upUsed {
		anc := ancestorValues(v)
		var parent any
		if len(anc) > 1 {
			parent = anc[1]
		}
		if _, ok, err := f.Call(env.Ctx, container, parent); ok {
			return programErr(v, err)
		}
		if _, ok, err := f.Call(container, parent); ok {
			return programErr(v, err)
		}
	}
	if v.Action {
		if _, ok, err := f.Call(env.Ctx, container); ok {
			return programErr(v, err)
		}
		if _, ok, err := f.Call(container); ok {
			return programErr(v, err)
		}
		return varerr.NewPathError(v.FullName, fmt.Sprintf("no applicable action arity for %q()", name), nil)
	}

	if _, ok, err := f.Call(env.Ctx, container, value); ok {
		return programErr(v, err)
	}
	if _, ok, err := f.Call(container, value); ok {
		return programErr(v, err)
	}
	return varerr.NewPathError(v.FullName, fmt.Sprintf("no applicable setter arity for %q()", name), nil)
}

func programErr(v *Var, err error) error {
	if err == nil {
		return nil
	}
	return varerr.NewProgramError(v.FullName, err)
}

// Refresh recomputes every var in vars, ancestors-first, recording
// changed IDs into env.changed when track is true. When throw is false,
// a refresh failure is recorded into env.errors instead of aborting the
// pass (spec.md §4.2, §7).
func Refresh(env *VarEnv, vars []*Var, track, throw bool) error {
	done := make(map[VarID]bool)
	for _, v := range vars {
		if err := refreshWithAncestors(env, v, track, throw, done); err != nil && throw {
			return err
		}
	}
	return nil
}

func refreshWithAncestors(env *VarEnv, v *Var, track, throw bool, done map[VarID]bool) error {
	if v.Parent != nil && !done[v.Parent.ID] {
		if err := refreshWithAncestors(env, v.Parent, track, throw, done); err != nil && throw {
			return err
		}
	}
	if done[v.ID] {
		return nil
	}
	done[v.ID] = true

	changed, err := ComputeValue(env, v)
	if err != nil {
		v.ErrorCount++
		v.RefreshErr = err
		wrapped := &varerr.RefreshError{Var: v.FullName, Cause: err}
		if throw {
			return wrapped
		}
		env.mu.Lock()
		env.setError(v.ID, wrapped)
		env.mu.Unlock()
		return nil
	}

	jsonValue, walkErr := walker.Walk(v.Value, env.oids, env.VerboseOIDs)
	if walkErr != nil {
		v.ErrorCount++
		wrapped := &varerr.RefreshError{Var: v.FullName, Cause: walkErr}
		v.RefreshErr = wrapped
		if throw {
			return wrapped
		}
		env.mu.Lock()
		env.setError(v.ID, wrapped)
		env.mu.Unlock()
		return nil
	}
	v.JSONValue = jsonValue

	v.ErrorCount = 0
	v.RefreshErr = nil
	env.mu.Lock()
	env.setError(v.ID, nil)
	if track {
		// env.changed reflects only the most recent refresh of this var
		// (spec.md §8 invariant 3 is an iff, not a sticky flag): a var
		// that stops changing must drop back out of the set on its own,
		// not linger until some other caller happens to Unmark it.
		if changed {
			env.markChanged(v.ID)
		} else {
			delete(env.changed, v.ID)
		}
	}
	env.mu.Unlock()
	return nil
}
