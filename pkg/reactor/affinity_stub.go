//go:build !linux

// Copyright © 2024 Quillstor, Inc.
package reactor

// pinThread is a no-op where thread affinity is unsupported.
func pinThread(core int) error {
	return nil
}
