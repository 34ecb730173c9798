// Package varenv implements the variable environment (spec.md §3, §4.2):
// the Var/VarEnv model, path-driven get/set, refresh, and structural
// equality, built around internal/pathlang for name/path compilation and
// internal/walker for JSON conversion and OID identity.
//
// Grounded on the teacher's internal/rpc/server_core.go Server struct:
// atomic-ish counters, a mutex-guarded map, and an explicit single-writer
// discipline (here, the REFRESH worker per spec.md §5 is expected to be
// the sole mutator; VarEnv's own mutex is a second line of defense, not
// a substitute for that discipline).
package varenv

import (
	"strconv"
	"sync"

	"github.com/untoldecay/varmesh/internal/pathlang"
	"github.com/untoldecay/varmesh/internal/varerr"
	"github.com/untoldecay/varmesh/internal/walker"
)

// VarID is a monotonically assigned, never-reused identifier for a Var
// within a VarEnv's lifetime.
type VarID int64

// Var is the runtime object bound to a host value via a path; observed
// and mutated by monitors (spec.md §3).
type Var struct {
	ID       VarID
	Parent   *Var // nil for a root
	Name     string
	FullName string

	Metadata  map[string]string
	MetaOrder []string
	Path      []pathlang.Component

	Value         any // internal_value: the host-side current value
	JSONValue     any // json_value: walk(Value) cache
	valueAssigned bool

	Readable  bool
	Writeable bool
	Action    bool
	Active    bool
	Level     int

	Children map[string]*Var

	ErrorCount     int
	RefreshErr     error
	RefreshCreated bool // set once the var has been refreshed at least once
}

// These are the metadata keys §3 calls out explicitly; all others pass
// through untouched.
const (
	metaPath   = "path"
	metaType   = "type"
	metaLevel  = "level"
	metaCreate = "create"
)

// VarEnv is the registry of variables for one connection: identity
// table, lookup indices, ambient roots, and the change/error sets a
// refresh pass accumulates (spec.md §3).
type VarEnv struct {
	Name string // used in diagnostics (varerr.PathError.Env)

	mu         sync.Mutex
	vars       map[VarID]*Var
	byName     map[string]*Var
	byFullName map[string]*Var
	roots      map[string]any

	oids *walker.OIDTable

	curVID  VarID
	changed map[VarID]bool
	errors  map[VarID]error

	// Ctx is passed as the first argument to a richer callable arity
	// (the "ctx" in spec.md §4.2's ctx,cur,parent / ctx,cur forms).
	// It has no meaning to the engine itself; host integrations set it.
	Ctx any

	// VerboseOIDs mirrors config.Config.VerboseOIDs: whether a walked ref
	// carries a human repr alongside its OID (spec.md §4.3).
	VerboseOIDs bool
}

// New constructs an empty VarEnv.
func New(name string) *VarEnv {
	return &VarEnv{
		Name:       name,
		vars:       make(map[VarID]*Var),
		byName:     make(map[string]*Var),
		byFullName: make(map[string]*Var),
		roots:      make(map[string]any),
		oids:       walker.NewOIDTable(),
		changed:    make(map[VarID]bool),
		errors:     make(map[VarID]error),
	}
}

// SetRoot registers an ambient value reachable from a path as "@name".
func (e *VarEnv) SetRoot(name string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roots[name] = value
}

// Root looks up an ambient root by name (ambient root or "module:name"
// qualified binding, per pathlang.CompRoot/CompQualified).
func (e *VarEnv) Root(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.roots[name]
	return v, ok
}

// OIDs exposes the env's identity table for walk/deref callers.
func (e *VarEnv) OIDs() *walker.OIDTable { return e.oids }

// Var looks up a Var by id.
func (e *VarEnv) Var(id VarID) (*Var, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vars[id]
	return v, ok
}

// ByFullName looks up the most recently ensured Var for a full_name.
func (e *VarEnv) ByFullName(fullName string) (*Var, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.byFullName[fullName]
	return v, ok
}

// Changed reports whether id was marked changed by the most recent
// refresh pass.
func (e *VarEnv) Changed(id VarID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed[id]
}

// ChangedIDs returns a snapshot of the current changed set.
func (e *VarEnv) ChangedIDs() []VarID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]VarID, 0, len(e.changed))
	for id := range e.changed {
		out = append(out, id)
	}
	return out
}

// Unmark removes id from the changed set, used by the monitor manager to
// suppress an echo of a value it just applied itself (spec.md §4.4).
func (e *VarEnv) Unmark(id VarID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.changed, id)
}

func (e *VarEnv) markChanged(id VarID) {
	e.changed[id] = true
}

// Error returns the last recorded refresh error for id, if any.
func (e *VarEnv) Error(id VarID) (error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	err, ok := e.errors[id]
	return err, ok
}

func (e *VarEnv) setError(id VarID, err error) {
	if err == nil {
		delete(e.errors, id)
		return
	}
	e.errors[id] = err
}

// Ensure parses full_name and returns its Var, creating and linking one
// under parent if it doesn't already exist (spec.md §3's ensure).
// parent == nil means a root Var.
func Ensure(env *VarEnv, fullName string, parent *Var) (*Var, error) {
	fn, err := pathlang.ParseFullName(fullName)
	if err != nil {
		return nil, varerr.NewPathError("", "parsing full_name: "+err.Error(), err)
	}

	name := headName(fn.Head)

	env.mu.Lock()
	defer env.mu.Unlock()

	if parent != nil {
		if existing, ok := parent.Children[name]; ok {
			applyMetadata(existing, fn)
			env.byFullName[fullName] = existing
			return existing, nil
		}
	} else if existing, ok := env.byFullName[fullName]; ok && existing.Parent == nil {
		return existing, nil
	}

	v := &Var{
		Name:      name,
		FullName:  fullName,
		Metadata:  fn.Metadata,
		MetaOrder: fn.MetaOrder,
		Parent:    parent,
		Readable:  true,
		Writeable: true,
		Active:    true,
		Children:  make(map[string]*Var),
	}
	if fn.Head.Callable {
		v.Action = true
	}
	if lvl, ok := fn.Metadata[metaLevel]; ok {
		if n, err := strconv.Atoi(lvl); err == nil {
			v.Level = n
		}
	} else if parent != nil {
		v.Level = parent.Level + 1
	}

	path, err := compilePath(fn)
	if err != nil {
		return nil, &varerr.PathError{Env: env.Name, Var: fullName, Message: "compiling path: " + err.Error(), Cause: err}
	}
	v.Path = path

	env.curVID++
	v.ID = env.curVID
	env.vars[v.ID] = v
	env.byName[name] = v
	env.byFullName[fullName] = v
	if parent != nil {
		parent.Children[name] = v
	}
	return v, nil
}

// headName derives a Var's short name from a parsed full_name head.
func headName(h pathlang.Head) string {
	if h.Kind == pathlang.HeadInteger {
		return strconv.Itoa(h.Int)
	}
	return h.Name
}

// compilePath derives v.Path: explicit metadata["path"] wins; otherwise
// the head itself is a single-component path (spec.md §3's invariant
// that a Var's path is consistent with metadata[:path]).
func compilePath(fn *pathlang.FullName) ([]pathlang.Component, error) {
	if raw, ok := fn.Metadata[metaPath]; ok {
		return pathlang.ParsePath(raw)
	}
	h := fn.Head
	if h.Kind == pathlang.HeadInteger {
		return []pathlang.Component{{Kind: pathlang.CompIndex, Index: h.Int}}, nil
	}
	if h.Callable {
		return []pathlang.Component{{Kind: pathlang.CompCallable, Field: h.Name}}, nil
	}
	if h.Module != "" {
		return []pathlang.Component{{Kind: pathlang.CompQualified, Module: h.Module, Name: h.Name}}, nil
	}
	return []pathlang.Component{{Kind: pathlang.CompField, Field: h.Name}}, nil
}

func applyMetadata(v *Var, fn *pathlang.FullName) {
	v.FullName = fn.Raw
	v.Metadata = fn.Metadata
	v.MetaOrder = fn.MetaOrder
	if path, err := compilePath(fn); err == nil {
		v.Path = path
	}
}

// Remove destroys v, unlinking it from its parent's children and
// recursively removing any children it still has (spec.md §3).
func Remove(env *VarEnv, v *Var) {
	env.mu.Lock()
	defer env.mu.Unlock()
	removeLocked(env, v)
}

func removeLocked(env *VarEnv, v *Var) {
	for _, child := range v.Children {
		removeLocked(env, child)
	}
	if v.Parent != nil && v.Parent.Children[v.Name] == v {
		delete(v.Parent.Children, v.Name)
	}
	delete(env.vars, v.ID)
	if env.byName[v.Name] == v {
		delete(env.byName, v.Name)
	}
	if env.byFullName[v.FullName] == v {
		delete(env.byFullName, v.FullName)
	}
	delete(env.changed, v.ID)
	delete(env.errors, v.ID)
}
