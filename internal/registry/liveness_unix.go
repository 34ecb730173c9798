//go:build unix

package registry

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a running process, probing with
// signal 0 (no-op delivery, just existence/permission check).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
