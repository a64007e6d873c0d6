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

// Package driver defines the poll-mode driver boundary. A Device exposes
// static properties and per-core Queues; a Queue accepts submissions that
// either fail synchronously with a negated errno or complete later by
// invoking the request's callback from the polling context.
package driver

import (
	"sync/atomic"

	"github.com/quillstor/quillstor/pkg/nvme"
)

// Op identifies the kind of a submitted operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpReset
	OpAdmin
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpReset:
		return "reset"
	case OpAdmin:
		return "nvme_admin"
	default:
		return "unknown"
	}
}

// CompletionFn is invoked exactly once for every accepted submission, from
// the driver's own execution context. The callback owns rec and must call
// rec.Release before returning. token is the opaque context supplied with
// the request; it is never interpreted by the driver.
type CompletionFn func(rec *Record, success bool, token uint64)

// Request describes one operation handed to a Queue. Buf and Length apply to
// read/write, Cmd to admin passthrough.
type Request struct {
	Op       Op
	Buf      []byte
	Offset   uint64
	Length   uint64
	Cmd      *nvme.Cmd
	Token    uint64
	Complete CompletionFn
}

// Record is the driver-owned completion record passed to the callback. The
// callback must release it; a device may account outstanding records to
// detect leaks.
type Record struct {
	op        Op
	released  atomic.Bool
	onRelease func()
}

// NewRecord is used by device implementations to construct a completion
// record. onRelease may be nil.
func NewRecord(op Op, onRelease func()) *Record {
	return &Record{op: op, onRelease: onRelease}
}

func (r *Record) Op() Op {
	return r.op
}

// Release returns the record to the device. Safe to call once; later calls
// are ignored.
func (r *Record) Release() {
	if r.released.CompareAndSwap(false, true) && r.onRelease != nil {
		r.onRelease()
	}
}

func (r *Record) Released() bool {
	return r.released.Load()
}

// Device is an attached device as seen by the data plane.
type Device interface {
	Name() string
	NumBlocks() uint64
	BlockSize() uint32
	Alignment() uint64

	// CreateQueue allocates submission queue resources bound to one core.
	// The returned Queue must only be polled from that core's loop.
	CreateQueue(core int) (Queue, error)

	// Destroy tears the device down. Fails while queues are still alive.
	Destroy() error
}

// Queue is a core-local submission path.
type Queue interface {
	// Submit returns 0 when the operation was accepted, otherwise a
	// negated errno. An accepted operation completes exactly once via the
	// request callback; a rejected one never does.
	Submit(req *Request) int

	// Poll fires pending completion callbacks and reports how many ran.
	Poll() int

	// Destroy releases queue resources. In-flight operations complete
	// with a failure flag before Destroy returns.
	Destroy() error
}

// EventSink is implemented by devices that keep an ordered event log, used
// to observe lifecycle ordering in tests.
type EventSink interface {
	RecordEvent(ev string)
}
