//go:build linux

package executor

import (
	"golang.org/x/sys/unix"
)

// applyLimits sets resource ceilings on an already-started process.
// The limits land before the worker does meaningful work; the window
// between exec and prlimit is a few scheduler ticks.
func applyLimits(pid int, l Limits) error {
	if l.CPUSeconds > 0 {
		lim := unix.Rlimit{Cur: uint64(l.CPUSeconds), Max: uint64(l.CPUSeconds)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return err
		}
	}
	if l.MemoryMB > 0 {
		bytes := uint64(l.MemoryMB) * 1024 * 1024
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return err
		}
	}
	if l.FileSizeMB > 0 {
		bytes := uint64(l.FileSizeMB) * 1024 * 1024
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, &lim, nil); err != nil {
			return err
		}
	}
	return nil
}
