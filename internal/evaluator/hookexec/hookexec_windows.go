//go:build windows

package hookexec

import (
	"context"
	"os/exec"
)

// run starts cmd and, on timeout, kills the direct child only — Windows
// has no equivalent of a process-group signal, so descendants the
// script spawned may survive (grounded on the teacher's
// hooks_windows.go, which documents the same limitation).
func (e *Evaluator) run(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}
