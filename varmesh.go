// Package varmesh is the engine's public surface (spec.md §6): start a
// connection, send/sync/async/shut it down, and reach it again as the
// ambient "current connection" without threading a *Connection through
// code that only occasionally needs one — the shape a thin CLI wrapper
// (cmd/varmesh) or a host embedding the engine in-process both want.
//
// Everything that actually runs the engine — variable declarations,
// monitors, the block protocol, the five workers — lives in
// internal/conn and the packages under it; this package only adds the
// ambient-access convenience and the optional cross-process registry
// wiring around a single internal/conn.Connection per process.
package varmesh

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/untoldecay/varmesh/internal/conn"
	"github.com/untoldecay/varmesh/internal/registry"
)

// Connection is one running instance of the engine.
type Connection = conn.Connection

// Transport is the seam a host implements to move blocks to and from a
// subscriber (spec.md §4.6). internal/transport/memory, /wsbroker and
// /pipe are ready-made implementations.
type Transport = conn.Transport

// Evaluator executes a "code" block's payload (spec.md §4.5).
// internal/evaluator/wasmeval and /hookexec are ready-made backends.
type Evaluator = conn.Evaluator

// Status is a point-in-time diagnostic snapshot (SPEC_FULL.md §4).
type Status = conn.Status

// WorkerID names one of the five workers Sync/Async can target
// (spec.md §4.6, §5).
type WorkerID = conn.ID

// The five workers, in ownership order (spec.md §5's ownership table).
const (
	Command    = conn.Command
	Refresh    = conn.Refresh
	Input      = conn.Input
	Output     = conn.Output
	Accounting = conn.Accounting
)

// Options configures Start. The embedded conn.Options carries every
// engine tunable (logger, default update period, indicate_start,
// queue/buffer sizes, the code-block Evaluator, the data-block
// callback); the fields below are this package's own addition for
// registry-backed discovery.
type Options struct {
	conn.Options

	// TransportKind/Endpoint describe the transport for the registry
	// entry (SPEC_FULL.md §3.4) — purely descriptive, shown to whatever
	// reads the registry. Left empty, TransportKind falls back to the
	// transport value's own Go type name.
	TransportKind string
	Endpoint      string

	// Registry, when set, receives this connection's entry at Start and
	// loses it at Shutdown, so another process can discover the
	// connection. CurrentConnection does not consult it: it returns only
	// a connection started in this process. Nil disables
	// registry integration entirely (the common case for an in-process
	// embedding, or for tests that don't want to touch ~/.varmesh).
	Registry *registry.Registry
}

var (
	mu              sync.Mutex
	current         *Connection
	currentName     string
	currentRegistry *registry.Registry
)

// Start brings up a connection (spec.md §4.6's start), makes it the
// ambient current_connection, and — when opts.Registry is set —
// registers it for cross-process discovery. A prior current connection,
// if any, is simply replaced; it keeps running until its own Shutdown is
// called.
func Start(ctx context.Context, name string, data any, roots map[string]any, transport Transport, opts Options) (*Connection, error) {
	c, err := conn.Start(ctx, name, data, roots, transport, opts.Options)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = c
	currentName = name
	currentRegistry = opts.Registry
	mu.Unlock()

	if opts.Registry != nil {
		kind := opts.TransportKind
		if kind == "" {
			kind = fmt.Sprintf("%T", transport)
		}
		entry := registry.Entry{
			Name:          name,
			InstanceID:    c.InstanceID,
			TransportKind: kind,
			Endpoint:      opts.Endpoint,
			PID:           os.Getpid(),
			StartedAt:     time.Now(),
		}
		// Registration failure doesn't abort Start: the registry is a
		// discovery convenience, never a precondition for a connection
		// to run, so a host with an unwritable ~/.varmesh still works.
		_ = opts.Registry.Register(entry)
	}

	return c, nil
}

// CurrentConnection returns the connection Start most recently brought
// up in this process, if one is still current (spec.md §6's
// current_connection ambient access).
func CurrentConnection() (*Connection, bool) {
	mu.Lock()
	defer mu.Unlock()
	return current, current != nil
}

// Send publishes value under name as a "data" block on the current
// connection (spec.md §4.6's send).
func Send(ctx context.Context, name string, value any) error {
	c, ok := CurrentConnection()
	if !ok {
		return fmt.Errorf("varmesh: no current connection")
	}
	return c.Send(ctx, name, value)
}

// Sync runs fn on worker w and blocks for its result, on the current
// connection (spec.md §4.6's sync).
func Sync(ctx context.Context, w WorkerID, fn func(context.Context) error) error {
	c, ok := CurrentConnection()
	if !ok {
		return fmt.Errorf("varmesh: no current connection")
	}
	return c.Sync(ctx, w, fn)
}

// Async submits fn to worker w without waiting, on the current
// connection (spec.md §4.6's async).
func Async(ctx context.Context, w WorkerID, fn func(context.Context) error) error {
	c, ok := CurrentConnection()
	if !ok {
		return fmt.Errorf("varmesh: no current connection")
	}
	return c.Async(ctx, w, fn)
}

// Shutdown stops the current connection (spec.md §4.6's shutdown),
// clears it as current_connection, and unregisters it from the
// registry it was started with, if any. A no-op when nothing is
// current.
func Shutdown(reason string) {
	mu.Lock()
	c := current
	name := currentName
	reg := currentRegistry
	current = nil
	currentName = ""
	currentRegistry = nil
	mu.Unlock()

	if c == nil {
		return
	}
	c.Shutdown(reason)
	if reg != nil {
		_ = reg.Unregister(name, os.Getpid())
	}
}
