// Package walker converts arbitrary host values to and from their
// JSON-safe wire form (spec.md §4.3): scalars pass through, containers
// (arrays, dicts, structured records) are walked recursively, and opaque
// mutable objects are substituted with a {"ref": OID} handle so identity
// survives a round trip through JSON without pinning the object in memory.
//
// Grounded on the teacher's JSON envelope conventions in
// internal/rpc/protocol.go, generalized from a fixed Request/Response
// shape to arbitrary host values. Addressing into a block's raw JSON
// without a full decode (a code block's code/data fields, a delete
// block's value shape) is handled separately by internal/conn and
// internal/block with gjson/sjson. A Var whose path descends into a
// json.RawMessage-typed field is resolved the same way, one level up
// in internal/varenv/resolve.go and ops.go; by the time a value reaches
// Walk here, a json.RawMessage is decoded like any other JSON-safe leaf.
package walker

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"unsafe"
	"weak"
)

// OID is the integer handle a mutable host object is known by across a
// JSON round trip.
type OID int64

// Handle is the capability wrapper a host integration uses to mark a
// value as an opaque mutable object deserving ref/OID treatment, per the
// adapter guidance in spec.md §9. Plain structs and containers are walked
// transparently instead. Walk also refs any other value it has no
// transparent shape for (a pointer, channel or func), boxing it in a new
// Handle.
type Handle = *any

// NewHandle boxes v as the canonical identity object other code should
// hold onto and pass around instead of v itself, so the OIDTable's weak
// tracking has one stable address to watch.
func NewHandle(v any) Handle {
	h := new(any)
	*h = v
	return h
}

// Fielder is the small capability interface spec.md §9 calls for in place
// of host-language reflection: get_field/set_field/call. A structured
// record (rule 8 of walk) is any value implementing it.
type Fielder interface {
	// Fields returns field names in declaration order.
	Fields() []string
	GetField(name string) (any, bool)
	SetField(name string, v any) error
	// Call invokes the value as an action/getter/setter in the richest
	// arity it supports; ok is false when no arity matched.
	Call(args ...any) (result any, ok bool, err error)
}

type cleanupArg struct {
	oid  OID
	addr uintptr
}

// OIDTable is VarEnv's identity table: OID -> weak handle, and the
// reverse identity -> OID index, both keyed so entries vanish once the
// underlying host object is collected (spec.md §3's oids/obj_oids).
//
// The reverse index is keyed by the handle's numeric address rather than
// the handle itself, since a Go map keyed by an actual pointer value
// would itself be a strong reference and defeat the weak tracking;
// runtime.AddCleanup (Go 1.24) removes both entries once the handle is
// finalized, the same role CPython's weak-value dict callback plays.
type OIDTable struct {
	mu     sync.Mutex
	next   OID
	byOID  map[OID]weak.Pointer[any]
	byAddr map[uintptr]OID
}

// NewOIDTable constructs an empty table.
func NewOIDTable() *OIDTable {
	return &OIDTable{
		byOID:  make(map[OID]weak.Pointer[any]),
		byAddr: make(map[uintptr]OID),
	}
}

func addrOf(h Handle) uintptr {
	return uintptr(unsafe.Pointer(h))
}

// OIDFor returns the stable OID for h, allocating one on first sight.
func (t *OIDTable) OIDFor(h Handle) OID {
	addr := addrOf(h)
	t.mu.Lock()
	defer t.mu.Unlock()

	if oid, ok := t.byAddr[addr]; ok {
		if wp, exists := t.byOID[oid]; exists && wp.Value() == h {
			return oid
		}
		// Address was reused by an unrelated, now-live object.
		delete(t.byAddr, addr)
	}

	t.next++
	oid := t.next
	t.byOID[oid] = weak.Make(h)
	t.byAddr[addr] = oid
	runtime.AddCleanup(h, t.forget, cleanupArg{oid: oid, addr: addr})
	return oid
}

func (t *OIDTable) forget(arg cleanupArg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byOID, arg.oid)
	if cur, ok := t.byAddr[arg.addr]; ok && cur == arg.oid {
		delete(t.byAddr, arg.addr)
	}
}

// Deref resolves oid to its live handle. ok is false for an unknown or
// collected (stale) OID.
func (t *OIDTable) Deref(oid OID) (h Handle, ok bool) {
	t.mu.Lock()
	wp, known := t.byOID[oid]
	t.mu.Unlock()
	if !known {
		return nil, false
	}
	h = wp.Value()
	return h, h != nil
}

// RefValue is the wire form of an OID reference (spec.md §6).
type RefValue struct {
	Ref  int64  `json:"ref"`
	Repr string `json:"repr,omitempty"`
}

// Walk converts value into its JSON-safe form following the rule order
// in spec.md §4.3. verboseOIDs includes a human repr alongside ref OIDs.
func Walk(value any, table *OIDTable, verboseOIDs bool) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, fmt.Errorf("walk raw JSON: %w", err)
		}
		return decoded, nil
	case Handle:
		return walkRef(v, table, verboseOIDs), nil
	case Fielder:
		return walkFielder(v, table, verboseOIDs)
	case map[string]any:
		return walkStringMap(v, table, verboseOIDs)
	case []any:
		return walkSlice(v, table, verboseOIDs)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Invalid:
		return nil, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			w, err := Walk(rv.Index(i).Interface(), table, verboseOIDs)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case reflect.Map:
		allStringKeys := rv.Type().Key().Kind() == reflect.String
		if allStringKeys {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				w, err := Walk(iter.Value().Interface(), table, verboseOIDs)
				if err != nil {
					return nil, err
				}
				out[iter.Key().String()] = w
			}
			return out, nil
		}
		out := make([]any, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			wk, err := Walk(iter.Key().Interface(), table, verboseOIDs)
			if err != nil {
				return nil, err
			}
			wv, err := Walk(iter.Value().Interface(), table, verboseOIDs)
			if err != nil {
				return nil, err
			}
			out = append(out, []any{wk, wv})
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			w, err := Walk(rv.Field(i).Interface(), table, verboseOIDs)
			if err != nil {
				return nil, fmt.Errorf("walk field %q: %w", f.Name, err)
			}
			out[f.Name] = w
		}
		return out, nil
	}

	// Anything else (an opaque pointer, channel, func) is a mutable
	// object we have no transparent shape for: ref it, boxing the value
	// so the OID table has a stable handle to weakly track.
	return walkRef(NewHandle(value), table, verboseOIDs), nil
}

func walkRef(h Handle, table *OIDTable, verboseOIDs bool) RefValue {
	oid := table.OIDFor(h)
	rv := RefValue{Ref: int64(oid)}
	if verboseOIDs {
		rv.Repr = fmt.Sprintf("%v", *h)
	}
	return rv
}

func walkFielder(f Fielder, table *OIDTable, verboseOIDs bool) (any, error) {
	out := make(map[string]any, len(f.Fields()))
	for _, name := range f.Fields() {
		v, ok := f.GetField(name)
		if !ok {
			continue
		}
		w, err := Walk(v, table, verboseOIDs)
		if err != nil {
			return nil, fmt.Errorf("walk field %q: %w", name, err)
		}
		out[name] = w
	}
	return out, nil
}

func walkStringMap(m map[string]any, table *OIDTable, verboseOIDs bool) (any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		w, err := Walk(v, table, verboseOIDs)
		if err != nil {
			return nil, fmt.Errorf("walk key %q: %w", k, err)
		}
		out[k] = w
	}
	return out, nil
}

func walkSlice(s []any, table *OIDTable, verboseOIDs bool) (any, error) {
	out := make([]any, len(s))
	for i, v := range s {
		w, err := Walk(v, table, verboseOIDs)
		if err != nil {
			return nil, fmt.Errorf("walk index %d: %w", i, err)
		}
		out[i] = w
	}
	return out, nil
}

// Deref reverses Walk's rule 4: any {"ref": N} node in value is replaced
// with the value its live handle in table boxes, or nil when the OID is
// stale.
// Non-ref nodes are traversed and copied structurally.
func Deref(value any, table *OIDTable) any {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := v["ref"]; ok && isRefOnlyShape(v) {
			oid, ok := toOID(ref)
			if !ok {
				return v
			}
			h, live := table.Deref(oid)
			if !live {
				return nil
			}
			return *h
		}
		out := make(map[string]any, len(v))
		for k, vv := range v {
			out[k] = Deref(vv, table)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			out[i] = Deref(vv, table)
		}
		return out
	default:
		return v
	}
}

func isRefOnlyShape(m map[string]any) bool {
	for k := range m {
		if k != "ref" && k != "repr" {
			return false
		}
	}
	return true
}

func toOID(v any) (OID, bool) {
	switch n := v.(type) {
	case int64:
		return OID(n), true
	case int:
		return OID(n), true
	case float64:
		return OID(n), true
	default:
		return 0, false
	}
}

// IsSame implements spec.md §4.2's structural equality: dictionaries,
// arrays, and structured records (Fielders and plain structs) compare by
// contents, and a pointer compares by the value it points to; everything
// else falls back to host equality. A seen-set of pointer and map
// identities breaks reference cycles, treating any cycle re-entry as
// equal (matching the spec's "handles reference cycles via a seen-set").
func IsSame(a, b any) bool {
	return isSame(a, b, map[seenPair]bool{})
}

type seenPair struct{ a, b unsafe.Pointer }

func isSame(a, b any, seen map[seenPair]bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	pa, aIsPtr := pointerOf(a)
	pb, bIsPtr := pointerOf(b)
	if aIsPtr && bIsPtr {
		if pa == pb {
			return true
		}
		key := seenPair{pa, pb}
		if seen[key] {
			return true
		}
		seen[key] = true
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !isSame(v, bvv, seen) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !isSame(av[i], bv[i], seen) {
				return false
			}
		}
		return true
	case Fielder:
		bv, ok := b.(Fielder)
		if !ok {
			return false
		}
		af, bf := av.Fields(), bv.Fields()
		if len(af) != len(bf) {
			return false
		}
		for _, name := range af {
			va, okA := av.GetField(name)
			vb, okB := bv.GetField(name)
			if okA != okB || !isSame(va, vb, seen) {
				return false
			}
		}
		return true
	}

	rv := reflect.ValueOf(a)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		rb := reflect.ValueOf(b)
		if !rb.IsValid() || (rb.Kind() != reflect.Slice && rb.Kind() != reflect.Array) || rv.Len() != rb.Len() {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if !isSame(rv.Index(i).Interface(), rb.Index(i).Interface(), seen) {
				return false
			}
		}
		return true
	case reflect.Map:
		rb := reflect.ValueOf(b)
		if !rb.IsValid() || rb.Kind() != reflect.Map || rv.Len() != rb.Len() {
			return false
		}
		iter := rv.MapRange()
		for iter.Next() {
			bval := rb.MapIndex(iter.Key())
			if !bval.IsValid() || !isSame(iter.Value().Interface(), bval.Interface(), seen) {
				return false
			}
		}
		return true
	case reflect.Ptr:
		rb := reflect.ValueOf(b)
		if rb.Kind() == reflect.Ptr && !rv.IsNil() && !rb.IsNil() {
			return isSame(rv.Elem().Interface(), rb.Elem().Interface(), seen)
		}
	case reflect.Struct:
		return reflect.DeepEqual(a, b)
	}

	return safeEqual(a, b)
}

// safeEqual compares two interface values, treating the small set of
// uncomparable dynamic types (func, chan of differing identity) as never
// equal rather than panicking the way a bare == would.
func safeEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// pointerOf reports the identity address of a, when a is itself a
// pointer/handle or a map, for cycle detection.
func pointerOf(a any) (unsafe.Pointer, bool) {
	rv := reflect.ValueOf(a)
	if (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Map) && !rv.IsNil() {
		return unsafe.Pointer(rv.Pointer()), true
	}
	return nil, false
}
