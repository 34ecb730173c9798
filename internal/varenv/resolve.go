package varenv

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/untoldecay/varmesh/internal/pathlang"
	"github.com/untoldecay/varmesh/internal/varerr"
	"github.com/untoldecay/varmesh/internal/walker"
)

// jsonCrossing records the Go-level container and path component that
// produced a json.RawMessage value partway through a path walk, so a
// later write inside that blob (spec.md §3.2) can be stored back into
// the field or index that owns it. A path whose json.RawMessage comes
// straight from a root binding, with no owning Go field, has no
// crossing to record; such a value can be read but not written through.
type jsonCrossing struct {
	container any
	comp      pathlang.Component
}

// jsonPath renders a suffix of path components as a gjson/sjson dotted
// path string, escaping each field name's path metacharacters the same
// way internal/block's OutgoingBuilder escapes sjson keys. Only field
// and index steps make sense once a walk has entered raw JSON; an
// up-traversal or callable step past that point isn't addressable and
// is rejected.
func jsonPath(components []pathlang.Component) (string, error) {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		switch c.Kind {
		case pathlang.CompField:
			parts = append(parts, escapeGJSONKey(c.Field))
		case pathlang.CompIndex:
			parts = append(parts, strconv.Itoa(c.Index))
		default:
			return "", fmt.Errorf("path step unsupported inside a raw JSON value")
		}
	}
	return strings.Join(parts, "."), nil
}

var gjsonKeyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

func escapeGJSONKey(key string) string {
	return gjsonKeyEscaper.Replace(key)
}

// ancestorValues returns v's ancestor chain values, closest parent
// first: [v.Parent.Value, v.Parent.Parent.Value, ...]. Up-traversal
// (pathlang.CompUp) indexes into this slice.
func ancestorValues(v *Var) []any {
	var out []any
	for p := v.Parent; p != nil; p = p.Parent {
		out = append(out, p.Value)
	}
	return out
}

// resolvePath walks path starting from v's context, stopping short of
// the final component when stopBeforeLast is true (used by SetValue,
// which needs the *container* the last step applies to, plus the last
// component itself, rather than the fully-resolved value).
//
// Up-traversal components must be a contiguous prefix: a path ascends
// the Var tree first, then walks fields/indices/callables from that
// ancestor's value. This mirrors every scenario spec.md §8 exercises
// and keeps resolution a single forward pass instead of needing
// backtracking for interleaved ascents mid-path.
func resolvePath(env *VarEnv, v *Var, path []pathlang.Component, stopBeforeLast bool) (current any, last pathlang.Component, hasLast bool, crossing *jsonCrossing, err error) {
	if len(path) == 0 {
		return v.Value, pathlang.Component{}, false, nil, nil
	}

	upIdx := 0
	started := false
	i := 0

	for i < len(path) && path[i].Kind == pathlang.CompUp {
		upIdx += path[i].Levels
		i++
	}

	end := len(path)
	if stopBeforeLast {
		end = len(path) - 1
	}

	var priorContainer any
	var priorComp pathlang.Component
	havePrior := false

	for ; i < end; i++ {
		comp := path[i]
		if !started {
			current, err = startValue(env, v, comp, upIdx)
			if err != nil {
				return nil, pathlang.Component{}, false, nil, err
			}
			started = true
			if comp.Kind == pathlang.CompRoot || comp.Kind == pathlang.CompQualified {
				continue
			}
		}

		if raw, ok := current.(json.RawMessage); ok {
			joined, jerr := jsonPath(path[i:])
			if jerr != nil {
				return nil, pathlang.Component{}, false, nil, varerr.NewPathError(v.FullName, jerr.Error(), jerr)
			}
			if stopBeforeLast {
				var c *jsonCrossing
				if havePrior {
					c = &jsonCrossing{container: priorContainer, comp: priorComp}
				}
				return raw, pathlang.Component{Kind: pathlang.CompField, Field: joined}, true, c, nil
			}
			result := gjson.GetBytes(raw, joined)
			if !result.Exists() {
				return nil, pathlang.Component{}, false, nil, varerr.NewPathError(v.FullName, fmt.Sprintf("no such path %q in raw JSON", joined), nil)
			}
			return result.Value(), pathlang.Component{}, false, nil, nil
		}

		priorContainer = current
		priorComp = comp
		havePrior = true

		current, err = step(env, v, current, comp)
		if err != nil {
			return nil, pathlang.Component{}, false, nil, err
		}
	}

	if !started {
		current, err = startValue(env, v, pathlang.Component{}, upIdx)
		if err != nil {
			return nil, pathlang.Component{}, false, nil, err
		}
	}

	if stopBeforeLast && len(path) > 0 {
		if raw, ok := current.(json.RawMessage); ok && havePrior {
			joined, jerr := jsonPath(path[len(path)-1:])
			if jerr != nil {
				return nil, pathlang.Component{}, false, nil, varerr.NewPathError(v.FullName, jerr.Error(), jerr)
			}
			return raw, pathlang.Component{Kind: pathlang.CompField, Field: joined}, true, &jsonCrossing{container: priorContainer, comp: priorComp}, nil
		}
		return current, path[len(path)-1], true, nil, nil
	}
	return current, pathlang.Component{}, false, nil, nil
}

// startValue establishes the base value a path walk begins from: an
// ambient root/qualified binding when the first component names one, or
// the ancestor at depth upIdx otherwise.
func startValue(env *VarEnv, v *Var, firstComp pathlang.Component, upIdx int) (any, error) {
	switch firstComp.Kind {
	case pathlang.CompRoot:
		rv, ok := env.Root(firstComp.Root)
		if !ok {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("unknown root %q", firstComp.Root), nil)
		}
		return rv, nil
	case pathlang.CompQualified:
		key := firstComp.Module + ":" + firstComp.Name
		rv, ok := env.Root(key)
		if !ok {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("unknown qualified binding %q", key), nil)
		}
		return rv, nil
	}
	anc := ancestorValues(v)
	if upIdx >= len(anc) {
		return nil, varerr.NewPathError(v.FullName, "up-traversal past root", nil)
	}
	return anc[upIdx], nil
}

// step applies one non-terminal path component to current, returning
// the next value. A trailing callable is instead dispatched by SetValue
// in setter arity; step always uses getter arity, since a callable
// reached mid-path (not as the final component) is always being read
// through, never assigned to.
func step(env *VarEnv, v *Var, current any, comp pathlang.Component) (any, error) {
	switch comp.Kind {
	case pathlang.CompUp:
		anc := ancestorValues(v)
		// Mid-path ascent beyond the initial prefix is not supported: it
		// yields the immediate parent's value, whatever current is and
		// however many levels the component names.
		if len(anc) > 0 {
			return anc[0], nil
		}
		return nil, varerr.NewPathError(v.FullName, "up-traversal past root", nil)
	case pathlang.CompField:
		return getField(v, current, comp.Field)
	case pathlang.CompIndex:
		return getIndex(v, current, comp.Index)
	case pathlang.CompCallable:
		callable, err := getField(v, current, comp.Field)
		if err != nil {
			return nil, err
		}
		result, ok, err := invokeGetter(env, callable, current)
		if err != nil {
			return nil, varerr.NewProgramError(v.FullName, err)
		}
		if !ok {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("no applicable getter arity for %q()", comp.Field), nil)
		}
		return result, nil
	default:
		return nil, varerr.NewPathError(v.FullName, "unsupported path component", nil)
	}
}

func getField(v *Var, current any, name string) (any, error) {
	if current == nil {
		return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("field %q on null container", name), nil)
	}
	if f, ok := current.(walker.Fielder); ok {
		val, ok := f.GetField(name)
		if !ok {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("no such field %q", name), nil)
		}
		return val, nil
	}
	if m, ok := current.(map[string]any); ok {
		val, ok := m[name]
		if !ok {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("no such field %q", name), nil)
		}
		return val, nil
	}
	rv := reflect.ValueOf(current)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("field %q on nil pointer", name), nil)
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		fv := rv.FieldByNameFunc(func(s string) bool { return strings.EqualFold(s, name) })
		if fv.IsValid() {
			return fv.Interface(), nil
		}
	}
	return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("no such field %q on %T", name, current), nil)
}

func getIndex(v *Var, current any, idx int) (any, error) {
	if s, ok := current.([]any); ok {
		if idx < 0 || idx >= len(s) {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("index %d out of range", idx), nil)
		}
		return s[idx], nil
	}
	rv := reflect.ValueOf(current)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if idx < 0 || idx >= rv.Len() {
			return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("index %d out of range", idx), nil)
		}
		return rv.Index(idx).Interface(), nil
	}
	return nil, varerr.NewPathError(v.FullName, fmt.Sprintf("index %d on non-sequence %T", idx, current), nil)
}

// invokeGetter invokes a callable path element as a getter, trying the
// richer (ctx, cur) arity before falling back to (cur) (spec.md §4.2).
// Only values implementing walker.Fielder are invocable: the engine
// relies on the capability-interface adapter spec.md §9 calls for
// instead of reflecting into arbitrary Go function signatures.
func invokeGetter(env *VarEnv, callable, cur any) (any, bool, error) {
	f, ok := callable.(walker.Fielder)
	if !ok {
		return nil, false, fmt.Errorf("value is not callable")
	}
	if result, ok, err := f.Call(env.Ctx, cur); ok {
		return result, true, err
	}
	return f.Call(cur)
}
