// Copyright © 2024 Quillstor, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Kind is the high-level error category. Dispatch and completion failures
// are never retried at this layer; whether to retry is the caller's call,
// and it needs the distinction to make it.
type Kind string

const (
	// KindNotFound: a named device could not be resolved, or an
	// exclusive claim could not be acquired.
	KindNotFound Kind = "device not found"
	// KindChannelAlloc: the descriptor opened but a submission channel
	// could not be allocated on the calling core.
	KindChannelAlloc Kind = "io channel allocation failed"
	// KindDispatch: the driver rejected the submission synchronously.
	KindDispatch Kind = "submission rejected"
	// KindFailed: the driver accepted the submission but reported
	// failure at completion.
	KindFailed Kind = "operation failed"
	// KindTimedOut: a bounded wait elapsed (attach-class operations).
	KindTimedOut Kind = "timed out"
	// KindInvalidParam: a malformed target identifier or argument.
	KindInvalidParam Kind = "invalid parameters"
	// KindUnrecoverable: a violated core-affinity precondition or an
	// abandoned completion await. Not retryable at any layer.
	KindUnrecoverable Kind = "unrecoverable"
)

// Error is the typed error returned by every operation in this package.
type Error struct {
	Kind   Kind
	Op     string // "read", "write", "reset", "nvme_admin", "open", ...
	Name   string // device name, when known
	Status int    // raw driver status (negated errno) for dispatch errors
	Offset uint64
	Len    uint64
	Opcode uint8
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Name != "" {
		parts = append(parts, fmt.Sprintf("name=%s", e.Name))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d/%s", e.Status, e.Errno()))
	}
	if e.Kind == KindDispatch || e.Kind == KindFailed {
		switch e.Op {
		case "read", "write":
			parts = append(parts, fmt.Sprintf("offset=%d", e.Offset), fmt.Sprintf("len=%d", e.Len))
		case "nvme_admin":
			parts = append(parts, fmt.Sprintf("opcode=0x%02x", e.Opcode))
		}
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + " " + msg
	}
	if len(parts) > 0 {
		return fmt.Sprintf("core: %s (%s)", msg, strings.Join(parts, " "))
	}
	return "core: " + msg
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches any *Error of the same kind, so callers can branch on
// categories with errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && e.Kind == te.Kind
}

// Errno converts a dispatch status back to the platform error code.
func (e *Error) Errno() syscall.Errno {
	if e.Status >= 0 {
		return 0
	}
	return syscall.Errno(-e.Status)
}

// IsKind reports whether err carries the given category anywhere in its
// chain.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

func errNotFound(name, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: "open", Name: name, Msg: msg}
}

func errChannelAlloc(name string, inner error) *Error {
	return &Error{Kind: KindChannelAlloc, Op: "open", Name: name, Inner: inner}
}

func errDispatch(op string, status int, offset, length uint64) *Error {
	return &Error{Kind: KindDispatch, Op: op, Status: status, Offset: offset, Len: length}
}

func errFailed(op string, offset, length uint64) *Error {
	return &Error{Kind: KindFailed, Op: op, Offset: offset, Len: length}
}

func errAdminDispatch(status int, opcode uint8) *Error {
	return &Error{Kind: KindDispatch, Op: "nvme_admin", Status: status, Opcode: opcode}
}

func errAdminFailed(opcode uint8) *Error {
	return &Error{Kind: KindFailed, Op: "nvme_admin", Opcode: opcode}
}

func errUnrecoverable(op, msg string, inner error) *Error {
	return &Error{Kind: KindUnrecoverable, Op: op, Msg: msg, Inner: inner}
}
