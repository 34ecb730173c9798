//go:build windows

package registry

import (
	"golang.org/x/sys/windows"
)

// processAlive reports whether pid names a running process, via
// OpenProcess — Windows has no signal-0 equivalent, so existence is
// checked by asking the OS for a query-only handle.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(h, &exitCode); err != nil {
		return false
	}
	const stillActive = 259
	return exitCode == stillActive
}
