package registry

import (
	"os"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	return r
}

func TestRegisterAndList(t *testing.T) {
	r := newTestRegistry(t)

	entry := Entry{
		Name:          "demo",
		TransportKind: "memory",
		Endpoint:      "inproc",
		PID:           os.Getpid(),
		StartedAt:     time.Unix(0, 0).UTC(),
	}
	if err := r.Register(entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entries, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "demo" {
		t.Fatalf("expected 1 entry named demo, got %+v", entries)
	}
}

func TestRegisterReplacesSameName(t *testing.T) {
	r := newTestRegistry(t)
	pid := os.Getpid()

	if err := r.Register(Entry{Name: "demo", PID: pid, Endpoint: "a"}); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := r.Register(Entry{Name: "demo", PID: pid, Endpoint: "b"}); err != nil {
		t.Fatalf("Register second: %v", err)
	}

	entries, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Endpoint != "b" {
		t.Fatalf("expected one entry with endpoint b, got %+v", entries)
	}
}

func TestListPrunesDeadEntries(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(Entry{Name: "alive", PID: os.Getpid()}); err != nil {
		t.Fatalf("Register alive: %v", err)
	}
	// A PID essentially guaranteed not to exist.
	if err := r.Register(Entry{Name: "dead", PID: 1 << 30}); err != nil {
		t.Fatalf("Register dead: %v", err)
	}

	entries, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "alive" {
		t.Fatalf("expected only the alive entry to survive, got %+v", entries)
	}
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	pid := os.Getpid()
	if err := r.Register(Entry{Name: "demo", PID: pid}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister("demo", pid); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	entries, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after unregister, got %+v", entries)
	}
}

func TestGetReturnsFalseForMissingName(t *testing.T) {
	r := newTestRegistry(t)
	_, ok, err := r.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing entry")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Entry{Name: "demo", PID: os.Getpid()}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	entries, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty registry after Clear, got %+v", entries)
	}
}
