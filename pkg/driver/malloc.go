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

package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/eapache/queue"

	"github.com/quillstor/quillstor/pkg/nvme"
)

// MallocConfig configures a RAM-backed device.
type MallocConfig struct {
	Name      string
	Size      int64  `help:"Device capacity in bytes" default:"67108864"`
	BlockSize uint32 `help:"Logical block size" default:"4096"`
	Alignment uint64 `help:"Required buffer alignment" default:"512"`
}

// Malloc is a RAM-backed poll-mode device. Submissions are queued and
// executed when the owning core polls, so completion callbacks always fire
// from the polling context, never inline with Submit.
type Malloc struct {
	cfg  MallocConfig
	data []byte

	mu          sync.Mutex
	events      []string
	queues      int
	nextQueue   int
	failStatus  int
	failResults int
	lastAdmin   *nvme.Cmd

	outstanding atomic.Int64
}

func NewMalloc(cfg MallocConfig) (*Malloc, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("malloc: device name is required")
	}
	if cfg.BlockSize == 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, fmt.Errorf("malloc: block size %d is not a power of two", cfg.BlockSize)
	}
	if cfg.Size <= 0 || cfg.Size%int64(cfg.BlockSize) != 0 {
		return nil, fmt.Errorf("malloc: size %d is not a multiple of block size %d", cfg.Size, cfg.BlockSize)
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = 512
	}
	m := &Malloc{
		cfg:  cfg,
		data: make([]byte, cfg.Size),
	}
	m.RecordEvent("create")
	return m, nil
}

func (m *Malloc) Name() string      { return m.cfg.Name }
func (m *Malloc) NumBlocks() uint64 { return uint64(m.cfg.Size) / uint64(m.cfg.BlockSize) }
func (m *Malloc) BlockSize() uint32 { return m.cfg.BlockSize }
func (m *Malloc) Alignment() uint64 { return m.cfg.Alignment }

func (m *Malloc) CreateQueue(core int) (Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextQueue
	m.nextQueue++
	m.queues++
	m.events = append(m.events, fmt.Sprintf("queue-create q%d core%d", id, core))
	return &mallocQueue{
		dev:     m,
		id:      id,
		core:    core,
		pending: queue.New(),
	}, nil
}

func (m *Malloc) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queues > 0 {
		return fmt.Errorf("malloc: %s has %d live queues", m.cfg.Name, m.queues)
	}
	m.events = append(m.events, "destroy")
	return nil
}

// RecordEvent appends to the ordered lifecycle log.
func (m *Malloc) RecordEvent(ev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of the lifecycle log.
func (m *Malloc) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}

// LastAdmin returns the most recently executed admin command.
func (m *Malloc) LastAdmin() *nvme.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAdmin
}

// Outstanding reports completion records not yet released by callbacks.
func (m *Malloc) Outstanding() int64 {
	return m.outstanding.Load()
}

// FailNext makes the next submission on any queue fail synchronously with
// status, which must be a negated errno.
func (m *Malloc) FailNext(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = status
}

// FailResults makes the next n completions report failure instead of
// success. The submissions themselves are still accepted.
func (m *Malloc) FailResults(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failResults = n
}

func (m *Malloc) takeFailStatus() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.failStatus
	m.failStatus = 0
	return s
}

type mallocQueue struct {
	dev  *Malloc
	id   int
	core int

	mu        sync.Mutex
	pending   *queue.Queue
	destroyed bool
}

func (q *mallocQueue) Submit(req *Request) int {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return -int(syscall.ENODEV)
	}
	q.mu.Unlock()

	if s := q.dev.takeFailStatus(); s != 0 {
		return s
	}

	switch req.Op {
	case OpRead, OpWrite:
		if req.Buf == nil || uint64(len(req.Buf)) != req.Length {
			return -int(syscall.EINVAL)
		}
		if req.Length%uint64(q.dev.cfg.BlockSize) != 0 {
			return -int(syscall.EINVAL)
		}
		// Offset+Length would wrap for offsets near the top of the range.
		size := uint64(len(q.dev.data))
		if req.Offset > size || req.Length > size-req.Offset {
			return -int(syscall.ENXIO)
		}
	case OpReset:
	case OpAdmin:
		if req.Cmd == nil {
			return -int(syscall.EINVAL)
		}
	default:
		return -int(syscall.EOPNOTSUPP)
	}
	if req.Complete == nil {
		return -int(syscall.EINVAL)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return -int(syscall.ENODEV)
	}
	q.pending.Add(req)
	return 0
}

func (q *mallocQueue) Poll() int {
	q.mu.Lock()
	var reqs []*Request
	for q.pending.Length() > 0 {
		reqs = append(reqs, q.pending.Remove().(*Request))
	}
	q.mu.Unlock()

	for _, req := range reqs {
		q.execute(req, true)
	}
	return len(reqs)
}

// execute performs the data movement and fires the completion callback. live
// is false when draining a destroyed queue, forcing a failure result.
func (q *mallocQueue) execute(req *Request, live bool) {
	dev := q.dev

	success := live
	if success {
		dev.mu.Lock()
		if dev.failResults > 0 {
			dev.failResults--
			success = false
		}
		dev.mu.Unlock()
	}

	if success {
		switch req.Op {
		case OpRead:
			copy(req.Buf, dev.data[req.Offset:req.Offset+req.Length])
		case OpWrite:
			copy(dev.data[req.Offset:req.Offset+req.Length], req.Buf)
		case OpReset:
		case OpAdmin:
			dev.mu.Lock()
			dev.lastAdmin = req.Cmd
			dev.mu.Unlock()
		}
	}

	dev.outstanding.Add(1)
	rec := NewRecord(req.Op, func() { dev.outstanding.Add(-1) })
	req.Complete(rec, success, req.Token)
}

func (q *mallocQueue) Destroy() error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	q.destroyed = true
	var reqs []*Request
	for q.pending.Length() > 0 {
		reqs = append(reqs, q.pending.Remove().(*Request))
	}
	q.mu.Unlock()

	// In-flight operations still owe exactly one completion each.
	for _, req := range reqs {
		q.execute(req, false)
	}

	q.dev.mu.Lock()
	q.dev.queues--
	q.dev.events = append(q.dev.events, fmt.Sprintf("queue-destroy q%d", q.id))
	q.dev.mu.Unlock()
	return nil
}
