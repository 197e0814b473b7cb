// Package process answers liveness questions about processes that left
// their PID behind in a file (runner pidfiles, session lock artifacts).
package process

import (
	"os"
	"strings"
	"syscall"
)

// IsProcessAlive checks if a process with the given PID is still running.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	// FindProcess never fails on Unix; signal 0 is the real test.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// EPERM means the process exists but belongs to someone else.
	err = p.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}

// Hostname returns the local hostname, or "unknown".
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// IsDeadLocalHolder reports whether a holder recorded as (hostname, pid) is
// provably gone: it ran on this host and its PID no longer exists. Holders
// on other hosts are never considered dead since their PIDs can't be signalled.
func IsDeadLocalHolder(hostname string, pid int) bool {
	if hostname == "" || pid <= 0 {
		return false
	}
	if !strings.EqualFold(hostname, Hostname()) {
		return false
	}
	return !IsProcessAlive(pid)
}
