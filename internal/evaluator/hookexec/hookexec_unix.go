//go:build unix

package hookexec

import (
	"context"
	"os/exec"
	"syscall"
)

// run starts cmd in its own process group so a timeout kill reaches any
// descendants it spawned, not just the direct child (grounded on the
// teacher's hooks_unix.go).
func (e *Evaluator) run(ctx context.Context, cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return err
		}
		<-done
		return ctx.Err()
	}
}
