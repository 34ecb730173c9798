// Package wasmeval implements a "code" block evaluator backend that
// runs pre-registered WebAssembly modules under tetratelabs/wazero
// (spec.md §4.5). It sandboxes execution the way the teacher's
// internal/hooks.Runner sandboxes an external script — a bounded
// environment with no access to the host process beyond what the
// module config explicitly wires in — generalized from "spawn an OS
// process with a timeout" to "instantiate a WASM module with a
// timeout".
package wasmeval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Evaluator runs a "code" block whose code field names a module
// previously registered via Register. Satisfies internal/conn's
// Evaluator interface structurally.
type Evaluator struct {
	runtime wazero.Runtime
	closer  func(context.Context) error
	timeout time.Duration

	mu      sync.Mutex
	modules map[string]wazero.CompiledModule
}

// New builds an Evaluator with its own wazero runtime and WASI
// environment. timeout bounds every Eval call; 0 defaults to 5s.
func New(ctx context.Context, timeout time.Duration) (*Evaluator, error) {
	rt := wazero.NewRuntime(ctx)
	closer, err := wasi_snapshot_preview1.Instantiate(ctx, rt)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmeval: instantiate wasi: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Evaluator{
		runtime: rt,
		closer:  closer.Close,
		timeout: timeout,
		modules: make(map[string]wazero.CompiledModule),
	}, nil
}

// Register compiles wasm and caches it under name for later Eval calls
// to reference by their code field.
func (e *Evaluator) Register(ctx context.Context, name string, wasm []byte) error {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("wasmeval: compile %q: %w", name, err)
	}
	e.mu.Lock()
	if old, exists := e.modules[name]; exists {
		old.Close(ctx)
	}
	e.modules[name] = compiled
	e.mu.Unlock()
	return nil
}

// Eval instantiates the module named by code, feeds data on stdin, and
// decodes its stdout as JSON if possible, else returns it as a plain
// string (spec.md §4.5's code block).
func (e *Evaluator) Eval(ctx context.Context, blockName, code string, data json.RawMessage) (any, error) {
	e.mu.Lock()
	compiled, ok := e.modules[code]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wasmeval: no module registered as %q", code)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout bytes.Buffer
	conf := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(data)).
		WithStdout(&stdout).
		WithName(blockName)

	mod, err := e.runtime.InstantiateModule(evalCtx, compiled, conf)
	if err != nil {
		return nil, fmt.Errorf("wasmeval: instantiate %q for block %q: %w", code, blockName, err)
	}
	defer mod.Close(evalCtx)

	if stdout.Len() == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return stdout.String(), nil
	}
	return result, nil
}

// Close releases the runtime and every compiled module.
func (e *Evaluator) Close(ctx context.Context) error {
	e.mu.Lock()
	for _, m := range e.modules {
		m.Close(ctx)
	}
	e.modules = nil
	e.mu.Unlock()
	if err := e.closer(ctx); err != nil {
		return err
	}
	return e.runtime.Close(ctx)
}
