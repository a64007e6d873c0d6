//go:build linux

// Copyright © 2024 Quillstor, Inc.
package reactor

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling thread to one CPU. Callers hold LockOSThread.
func pinThread(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
