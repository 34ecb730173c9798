// Package monitor implements MonitorData and the monitor manager
// (spec.md §4.4): installing/re-rooting monitor blocks, mapping block
// keys to Vars, applying inbound values that differ from the host's
// current state, and assembling the outgoing block for a monitor whose
// watched vars changed on the most recent refresh pass.
//
// Grounded on the teacher's internal/rpc/server_core.go Server (a
// mutex-guarded map keyed by name, with an explicit single-writer
// expectation — here, the REFRESH/COMMAND workers of internal/conn) and
// its typed Request/Response envelope generalized to the outgoing block
// shape via internal/block.OutgoingBuilder.
package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/untoldecay/varmesh/internal/block"
	"github.com/untoldecay/varmesh/internal/pathlang"
	"github.com/untoldecay/varmesh/internal/rtlog"
	"github.com/untoldecay/varmesh/internal/varenv"
	"github.com/untoldecay/varmesh/internal/varerr"
	"github.com/untoldecay/varmesh/internal/walker"
)

// fields is the typed decode of a monitor block's reserved keys beyond
// the common envelope internal/block already captures (root, update,
// quiet, disabled, updatetopics, rename all sit outside Block's own
// fields — see Block.Raw's doc comment).
type fields struct {
	Root         string          `json:"root"`
	Value        json.RawMessage `json:"value"`
	Update       json.RawMessage `json:"update,omitempty"`
	Quiet        bool            `json:"quiet,omitempty"`
	Disabled     bool            `json:"disabled,omitempty"`
	UpdateTopics block.StringSet `json:"updatetopics,omitempty"`
	Rename       string          `json:"rename,omitempty"`
}

// DataKey is one (block key, var full name) pair, preserving the order
// the inbound block's value object declared them in (spec.md §3's
// MonitorData.data_keys).
type DataKey struct {
	BlockKey string
	VarName  string
}

// Data is the per-monitor runtime state (spec.md §3's MonitorData).
type Data struct {
	Name     string
	Root     *varenv.Var
	RootPath string
	Update   time.Duration
	Quiet    bool
	Disabled bool

	Topics       block.StringSet
	UpdateTopics block.StringSet
	Tags         block.StringSet

	Values   map[string]json.RawMessage // block key -> last applied inbound JSON
	DataKeys []DataKey
	Vars     map[string]*varenv.Var // block key -> Var

	Original  json.RawMessage
	ExtraKeys []string
	Extra     map[string]json.RawMessage

	Rename *varenv.Var

	lastCheck time.Time
	forced    bool
}

// Outgoing is one monitor's assembled outbound publish.
type Outgoing struct {
	Name         string
	JSON         json.RawMessage
	Topics       block.StringSet
	UpdateTopics block.StringSet
	Quiet        bool
}

// Manager owns every MonitorData for one connection: block ingest,
// change propagation, and outgoing assembly (spec.md §4.4). Callers
// (internal/conn) are expected to serialize all Manager calls through a
// single worker, matching the teacher's single-writer-over-a-mutexed-map
// discipline in internal/rpc/server_core.go.
type Manager struct {
	mu            sync.Mutex
	env           *varenv.VarEnv
	monitors      map[string]*Data
	log           rtlog.Logger
	defaultUpdate time.Duration
}

// NewManager constructs an empty Manager bound to env.
func NewManager(env *varenv.VarEnv, log rtlog.Logger, defaultUpdate time.Duration) *Manager {
	if log == nil {
		log = rtlog.Discard
	}
	return &Manager{
		env:           env,
		monitors:      make(map[string]*Data),
		log:           log,
		defaultUpdate: defaultUpdate,
	}
}

// Get looks up a monitor by name.
func (m *Manager) Get(name string) (*Data, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.monitors[name]
	return d, ok
}

// Names returns every known monitor name, sorted for deterministic
// diagnostics output.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.monitors))
	for name := range m.monitors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NamesWithTag returns every monitor name whose block carried tag among
// its Tags (spec.md §8's tagged delete: "removes exactly the blocks
// whose tags contain t"), sorted for deterministic iteration.
func (m *Manager) NamesWithTag(tag string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, d := range m.monitors {
		if d.Tags.Has(tag) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// escapeMetaValue guards a root path string against the metadata-list
// separator before it's embedded as a full_name's "path" metadata value
// (internal/pathlang's full_name grammar, spec.md §4.1).
func escapeMetaValue(s string) string {
	return strings.ReplaceAll(s, ",", `\,`)
}

// rootFullName is the internal, non-user-addressable full_name a
// monitor's root Var is ensured under. Keying by the root path itself
// means two monitors pointed at the same ambient root share one Var,
// which is the natural reading of VarEnv.ensure's own dedup-by-full_name
// behavior.
func rootFullName(rootPath string) string {
	return rootPath + "?path=" + escapeMetaValue(rootPath)
}

// ensureRoot resolves (creating if needed) the Var a monitor's "root"
// path expression addresses.
func ensureRoot(env *varenv.VarEnv, rootPath string) (*varenv.Var, error) {
	if _, err := pathlang.ParsePath(rootPath); err != nil {
		return nil, &varerr.PathError{Env: env.Name, Message: "parsing monitor root " + rootPath, Cause: err}
	}
	return varenv.Ensure(env, rootFullName(rootPath), nil)
}

// Ingest applies one inbound monitor block (spec.md §4.4's "Ingest
// integration"): derives or reuses the monitor's state, re-roots if the
// declared root path changed, (re)binds each declared variable under the
// root, and applies any inbound value that differs from the var's
// current JSON view via set_value — suppressing the echo on the ones it
// just wrote so the next refresh doesn't immediately re-publish them.
func (m *Manager) Ingest(name string, b block.Block) error {
	var f fields
	if len(b.Raw) > 0 {
		if err := json.Unmarshal(b.Raw, &f); err != nil {
			return varerr.NewProtocolError(name, "decoding monitor block: "+err.Error())
		}
	}
	if f.Root == "" || len(f.Value) == 0 {
		return varerr.NewProtocolError(name, "monitor block missing root or value")
	}

	period, err := parseUpdatePeriod(f.Update, m.defaultUpdate, time.Now())
	if err != nil {
		return varerr.NewProtocolError(name, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.monitors[name]
	isNew := !exists
	if isNew {
		data = &Data{Name: name, Vars: make(map[string]*varenv.Var)}
		m.monitors[name] = data
	}

	if data.Vars == nil {
		data.Vars = make(map[string]*varenv.Var)
	}

	if data.RootPath != f.Root || data.Root == nil {
		oldRoot := data.Root
		newRoot, err := ensureRoot(m.env, f.Root)
		if err != nil {
			return err
		}
		if oldRoot != nil && oldRoot != newRoot {
			// Re-root: carry the prior root's id/level/value forward onto
			// the replacement (spec.md §4.4's monitor_from). The VarID
			// itself cannot be reused (spec.md §3's invariant), only its
			// level and cached value.
			newRoot.Level = oldRoot.Level
			newRoot.Value = oldRoot.Value
			newRoot.JSONValue = oldRoot.JSONValue
		}
		data.Root = newRoot
		data.RootPath = f.Root
	}

	data.Quiet = f.Quiet
	data.Topics = b.Topics
	data.UpdateTopics = f.UpdateTopics
	data.Tags = b.Tags
	data.Original = append(json.RawMessage(nil), b.Raw...)
	data.ExtraKeys = b.ExtraKeys
	data.Extra = b.Extra

	wasDisabled := data.Disabled
	data.Disabled = f.Disabled

	if f.Disabled {
		m.detachVarsLocked(data)
		data.Update = period
		return nil
	}
	if wasDisabled && !f.Disabled {
		// Re-enabling: vars were detached, force a fresh ensure below.
		data.Vars = make(map[string]*varenv.Var)
	}

	order, valueMap, err := parseOrderedValue(f.Value)
	if err != nil {
		return varerr.NewProtocolError(name, "decoding monitor value: "+err.Error())
	}

	oldVars := data.Vars
	newVars := make(map[string]*varenv.Var, len(order))
	newDataKeys := make([]DataKey, 0, len(order))

	for _, key := range order {
		v, err := varenv.Ensure(m.env, key, data.Root)
		if err != nil {
			m.log.Warnf("monitor %q: skipping var %q: %v", name, key, err)
			continue
		}
		newVars[key] = v
		newDataKeys = append(newDataKeys, DataKey{BlockKey: key, VarName: v.FullName})
	}

	// Any previously-bound var no longer declared loses its link under
	// the root, but the Var object itself stays in the env until an
	// explicit delete (spec.md §4.4).
	for key, v := range oldVars {
		if _, stillWanted := newVars[key]; stillWanted {
			continue
		}
		if v.Parent != nil && v.Parent.Children[v.Name] == v {
			delete(v.Parent.Children, v.Name)
		}
	}

	data.Vars = newVars
	data.DataKeys = newDataKeys
	data.Values = valueMap
	data.Update = period

	if f.Rename != "" {
		renameVar, err := varenv.Ensure(m.env, f.Rename, data.Root)
		if err != nil {
			m.log.Warnf("monitor %q: rename var %q: %v", name, f.Rename, err)
			data.Rename = nil
		} else {
			data.Rename = renameVar
		}
	} else {
		data.Rename = nil
	}

	m.applyInboundValuesLocked(data, isNew, order, valueMap)
	return nil
}

// detachVarsLocked removes a monitor's vars from the env entirely
// (spec.md §4.4: "disabled: true removes the monitor's vars from the env
// and leaves vars empty").
func (m *Manager) detachVarsLocked(data *Data) {
	for _, v := range data.Vars {
		varenv.Remove(m.env, v)
	}
	data.Vars = make(map[string]*varenv.Var)
	data.DataKeys = nil
}

// applyInboundValuesLocked writes every inbound value that actually
// differs from the var's current JSON view (spec.md §4.4 point 3), then
// unmarks those vars from env.changed so the write doesn't immediately
// echo back out. A first-time install (isNew) retains any already-
// pending changed entries instead of suppressing them, so the initial
// snapshot still propagates once (spec.md §4.4 point 4).
func (m *Manager) applyInboundValuesLocked(data *Data, isNew bool, order []string, valueMap map[string]json.RawMessage) {
	for _, key := range order {
		v, ok := data.Vars[key]
		if !ok {
			continue
		}
		raw, ok := valueMap[key]
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			m.log.Warnf("monitor %q: bad inbound value for %q: %v", data.Name, key, err)
			continue
		}
		resolved := walker.Deref(decoded, m.env.OIDs())

		if !isNew && walker.IsSame(v.JSONValue, resolved) {
			continue
		}

		if err := varenv.SetValue(m.env, v, resolved, isNew); err != nil {
			m.log.Warnf("monitor %q: set_value %q: %v", data.Name, key, err)
			continue
		}
		if !isNew {
			// Resync v's cache to the value we just wrote, not only unmark
			// it: Unmark alone only clears a change already recorded by a
			// prior refresh. Without also updating v.JSONValue here, the
			// very next Tick's refresh would fetch the host's new value,
			// find it differs from v's still-stale cache, and re-mark the
			// var changed — re-publishing the echo we meant to suppress.
			if err := varenv.SyncValue(m.env, v, resolved); err != nil {
				m.log.Warnf("monitor %q: resync %q after set_value: %v", data.Name, key, err)
			}
			m.env.Unmark(v.ID)
		}
	}
}

// parseOrderedValue decodes a monitor block's "value" object, recovering
// declaration order the same way block.Block.UnmarshalJSON recovers
// Extra key order.
func parseOrderedValue(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}
	order, err := block.OrderedKeys(raw)
	if err != nil {
		return nil, nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, err
	}
	return order, m, nil
}

// Delete removes monitor name entirely: its vars are detached from the
// env and the MonitorData itself is dropped (spec.md §4.5's delete
// block handling).
func (m *Manager) Delete(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.monitors[name]
	if !ok {
		return false
	}
	m.detachVarsLocked(data)
	delete(m.monitors, name)
	return true
}

// Force marks monitor name as due on the next Tick regardless of its
// update period (e.g. right after Ingest, so a newly installed monitor
// publishes promptly instead of waiting a full period).
func (m *Manager) Force(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.monitors[name]; ok {
		d.forced = true
	}
}

// Tick refreshes every monitor whose period has elapsed (or which was
// Force'd) and returns the outgoing publishes for the ones with actual
// changes (spec.md §4.4's "Outgoing computation"). now is the refresh
// pass's logical timestamp; refresh itself is delegated to
// internal/varenv, which already walks ancestors before descendants.
func (m *Manager) Tick(now time.Time) ([]Outgoing, error) {
	m.mu.Lock()
	due := make([]*Data, 0)
	for _, data := range m.monitors {
		if data.Disabled {
			continue
		}
		if data.forced || isDue(data, now) {
			due = append(due, data)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })

	var out []Outgoing
	for _, data := range due {
		ob, err := m.refreshOne(data, now)
		if err != nil {
			m.log.Warnf("monitor %q: refresh: %v", data.Name, err)
			continue
		}
		if ob != nil {
			out = append(out, *ob)
		}
	}
	return out, nil
}

func isDue(data *Data, now time.Time) bool {
	if data.Update <= 0 {
		return true
	}
	if data.lastCheck.IsZero() {
		return true
	}
	return now.Sub(data.lastCheck) >= data.Update
}

func (m *Manager) refreshOne(data *Data, now time.Time) (*Outgoing, error) {
	m.mu.Lock()
	vars := make([]*varenv.Var, 0, len(data.Vars)+2)
	if data.Root != nil {
		vars = append(vars, data.Root)
	}
	for _, v := range data.Vars {
		vars = append(vars, v)
	}
	if data.Rename != nil {
		vars = append(vars, data.Rename)
	}
	data.lastCheck = now
	forced := data.forced
	data.forced = false
	m.mu.Unlock()

	if err := varenv.Refresh(m.env, vars, true, false); err != nil {
		return nil, err
	}

	changed := forced
	for _, v := range vars {
		if m.env.Changed(v.ID) {
			changed = true
		}
	}
	if !changed {
		return nil, nil
	}

	ob, err := m.buildOutgoing(data)
	if err != nil {
		return nil, err
	}
	if data.Quiet {
		return nil, nil
	}
	return ob, nil
}

func (m *Manager) buildOutgoing(data *Data) (*Outgoing, error) {
	builder := block.NewOutgoingBuilder(data.Extra, data.ExtraKeys)
	if err := builder.Set("root", data.RootPath); err != nil {
		return nil, err
	}
	if data.Rename != nil {
		if err := builder.Set("rename", data.Rename.JSONValue); err != nil {
			return nil, err
		}
	}
	if data.Update > 0 && data.Update != m.defaultUpdate {
		if err := builder.Set("update", data.Update.Seconds()); err != nil {
			return nil, err
		}
	}
	if data.Quiet {
		if err := builder.Set("quiet", true); err != nil {
			return nil, err
		}
	}
	if len(data.UpdateTopics) > 0 {
		if err := builder.Set("updatetopics", data.UpdateTopics); err != nil {
			return nil, err
		}
	}

	value := make(map[string]any, len(data.DataKeys))
	for _, dk := range data.DataKeys {
		v, ok := data.Vars[dk.BlockKey]
		if !ok {
			continue
		}
		value[dk.BlockKey] = v.JSONValue
	}
	// value's outgoing key order must follow data_keys, not Go's
	// unordered map iteration, so it's built with the same
	// order-preserving approach as the rest of the outgoing object.
	valueRaw, err := marshalOrdered(data.DataKeys, value)
	if err != nil {
		return nil, err
	}
	builder.SetRaw("value", valueRaw)

	raw, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("monitor %q: building outgoing block: %w", data.Name, err)
	}

	return &Outgoing{
		Name:         data.Name,
		JSON:         raw,
		Topics:       data.Topics,
		UpdateTopics: data.UpdateTopics,
		Quiet:        data.Quiet,
	}, nil
}

// marshalOrdered renders value's entries in data_keys order (spec.md
// §4.4: "an ordered object whose keys are data_keys in block order").
func marshalOrdered(keys []DataKey, value map[string]any) (json.RawMessage, error) {
	var bld block.OutgoingBuilder
	for _, dk := range keys {
		raw, err := json.Marshal(value[dk.BlockKey])
		if err != nil {
			return nil, fmt.Errorf("marshal value[%q]: %w", dk.BlockKey, err)
		}
		bld.SetRaw(dk.BlockKey, raw)
	}
	return bld.Build()
}
