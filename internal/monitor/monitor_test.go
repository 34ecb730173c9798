package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/untoldecay/varmesh/internal/block"
	"github.com/untoldecay/varmesh/internal/rtlog"
	"github.com/untoldecay/varmesh/internal/varenv"
)

func decodeBlock(t *testing.T, raw string) block.Block {
	t.Helper()
	var b block.Block
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("decode block: %v", err)
	}
	return b
}

func newTestManager(t *testing.T, roots map[string]any) (*Manager, *varenv.VarEnv) {
	t.Helper()
	env := varenv.New("test")
	for name, value := range roots {
		env.SetRoot(name, value)
	}
	return NewManager(env, rtlog.Discard, 30*time.Second), env
}

func outgoingValue(t *testing.T, ob Outgoing) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(ob.JSON, &decoded); err != nil {
		t.Fatalf("decode outgoing: %v", err)
	}
	value, ok := decoded["value"].(map[string]any)
	if !ok {
		t.Fatalf("outgoing has no value object: %s", ob.JSON)
	}
	return value
}

// TestIngestBasicMonitorPublishesSnapshot reproduces spec.md §8 scenario 1:
// a fresh monitor install, forced due by the caller the way internal/conn
// is expected to after an Ingest, publishes the host's current values.
func TestIngestBasicMonitorPublishesSnapshot(t *testing.T) {
	person := map[string]any{"name": "Herman", "number": "1313"}
	m, _ := newTestManager(t, map[string]any{"person": person})

	b := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","value":{"name":"","number?path=number":""}}`)
	if err := m.Ingest("m1", b); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	m.Force("m1")

	out, err := m.Tick(time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one outgoing block, got %d", len(out))
	}
	if out[0].Name != "m1" {
		t.Fatalf("got name %q", out[0].Name)
	}

	value := outgoingValue(t, out[0])
	if value["name"] != "Herman" {
		t.Fatalf("value.name = %v, want Herman", value["name"])
	}
	if value["number?path=number"] != "1313" {
		t.Fatalf("value[number] = %v, want 1313", value["number?path=number"])
	}
}

// TestIngestInboundValueSuppressesEcho reproduces spec.md §8 scenario 2: a
// re-send that writes a differing value mutates the host, but the next
// poll sees no further change and publishes nothing.
func TestIngestInboundValueSuppressesEcho(t *testing.T) {
	person := map[string]any{"name": "Herman"}
	m, _ := newTestManager(t, map[string]any{"person": person})

	install := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","value":{"name":""}}`)
	if err := m.Ingest("m1", install); err != nil {
		t.Fatalf("install: %v", err)
	}
	m.Force("m1")
	if _, err := m.Tick(time.Now()); err != nil {
		t.Fatalf("baseline tick: %v", err)
	}

	resend := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","value":{"name":"Freddy"}}`)
	if err := m.Ingest("m1", resend); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if person["name"] != "Freddy" {
		t.Fatalf("expected host mutated to Freddy, got %v", person["name"])
	}

	out, err := m.Tick(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected echo suppressed, got %d outgoing blocks", len(out))
	}
}

// TestQuietMonitorRefreshesWithoutPublishing reproduces spec.md §8 scenario
// 3: a quiet monitor still tracks changes (so it stays current for a later
// non-quiet re-send) but never itself appears in Tick's output.
func TestQuietMonitorRefreshesWithoutPublishing(t *testing.T) {
	person := map[string]any{"name": "Herman"}
	m, _ := newTestManager(t, map[string]any{"person": person})

	b := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","quiet":true,"value":{"name":""}}`)
	if err := m.Ingest("m1", b); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	m.Force("m1")

	out, err := m.Tick(time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected quiet monitor to publish nothing, got %d", len(out))
	}

	data, ok := m.Get("m1")
	if !ok {
		t.Fatalf("expected monitor m1 to exist")
	}
	if !data.Quiet {
		t.Fatalf("expected data.Quiet true")
	}
}

// TestDisabledMonitorDetachesThenReenableRecreatesVars exercises the
// disabled/re-enable boundary behavior in spec.md §4.4: disabling removes
// the monitor's vars from the env, and re-enabling recreates them fresh.
func TestDisabledMonitorDetachesThenReenableRecreatesVars(t *testing.T) {
	person := map[string]any{"name": "Herman"}
	m, env := newTestManager(t, map[string]any{"person": person})

	install := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","value":{"name":""}}`)
	if err := m.Ingest("m1", install); err != nil {
		t.Fatalf("install: %v", err)
	}
	data, _ := m.Get("m1")
	if _, ok := data.Vars["name"]; !ok {
		t.Fatalf("expected name var bound after install")
	}
	if _, ok := env.ByFullName("name"); !ok {
		t.Fatalf("expected name var registered in env")
	}

	disable := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","disabled":true,"value":{"name":""}}`)
	if err := m.Ingest("m1", disable); err != nil {
		t.Fatalf("disable: %v", err)
	}
	data, _ = m.Get("m1")
	if len(data.Vars) != 0 {
		t.Fatalf("expected vars detached while disabled, got %v", data.Vars)
	}
	if _, ok := env.ByFullName("name"); ok {
		t.Fatalf("expected name var removed from env while disabled")
	}

	reenable := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","disabled":false,"value":{"name":""}}`)
	if err := m.Ingest("m1", reenable); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	data, _ = m.Get("m1")
	if _, ok := data.Vars["name"]; !ok {
		t.Fatalf("expected name var recreated after re-enable")
	}
	if _, ok := env.ByFullName("name"); !ok {
		t.Fatalf("expected name var re-registered in env")
	}
}

// TestReRootCarriesLevelAndValueForward reproduces spec.md §4.4's monitor_
// from behavior: re-pointing a monitor at a different root carries the old
// root's level/value onto the replacement, even though the VarID itself is
// necessarily new.
func TestReRootCarriesLevelAndValueForward(t *testing.T) {
	alice := map[string]any{"name": "Alice"}
	bob := map[string]any{"name": "Bob"}
	m, _ := newTestManager(t, map[string]any{"alice": alice, "bob": bob})

	install := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@alice","value":{"name":""}}`)
	if err := m.Ingest("m1", install); err != nil {
		t.Fatalf("install: %v", err)
	}
	m.Force("m1")
	if _, err := m.Tick(time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	data, _ := m.Get("m1")
	oldRoot := data.Root
	oldLevel := oldRoot.Level
	oldValue := oldRoot.Value

	reroot := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@bob","value":{"name":""}}`)
	if err := m.Ingest("m1", reroot); err != nil {
		t.Fatalf("reroot: %v", err)
	}

	data, _ = m.Get("m1")
	newRoot := data.Root
	if newRoot == oldRoot {
		t.Fatalf("expected a distinct root var after re-rooting")
	}
	if newRoot.ID == oldRoot.ID {
		t.Fatalf("expected a new VarID after re-rooting, VarIDs are never reused")
	}
	if newRoot.Level != oldLevel {
		t.Fatalf("expected level carried forward, got %d want %d", newRoot.Level, oldLevel)
	}
	if newRoot.Value == nil || newRoot.Value.(map[string]any)["name"] != oldValue.(map[string]any)["name"] {
		t.Fatalf("expected prior root value carried forward, got %v", newRoot.Value)
	}
}

// TestDeleteDetachesVarsAndForgetsMonitor exercises the delete block path
// (spec.md §4.5): once deleted, the monitor no longer appears in Tick or
// Get, and its vars are detached from the env.
func TestDeleteDetachesVarsAndForgetsMonitor(t *testing.T) {
	person := map[string]any{"name": "Herman"}
	m, env := newTestManager(t, map[string]any{"person": person})

	install := decodeBlock(t, `{"type":"monitor","name":"m1","root":"@person","value":{"name":""}}`)
	if err := m.Ingest("m1", install); err != nil {
		t.Fatalf("install: %v", err)
	}
	if !m.Delete("m1") {
		t.Fatalf("expected delete to report m1 existed")
	}
	if _, ok := m.Get("m1"); ok {
		t.Fatalf("expected m1 gone after delete")
	}
	if _, ok := env.ByFullName("name"); ok {
		t.Fatalf("expected name var detached from env after delete")
	}
	if m.Delete("m1") {
		t.Fatalf("expected second delete of the same name to report false")
	}
}
