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
	"syscall"
)

// Null is a device that discards writes and reads zeroes. Useful for
// benchmarking the layers above the driver boundary.
type Null struct {
	name      string
	numBlocks uint64
	blockSize uint32

	mu     sync.Mutex
	queues int
}

func NewNull(name string, numBlocks uint64, blockSize uint32) (*Null, error) {
	if name == "" {
		return nil, fmt.Errorf("null: device name is required")
	}
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("null: block size %d is not a power of two", blockSize)
	}
	return &Null{name: name, numBlocks: numBlocks, blockSize: blockSize}, nil
}

func (n *Null) Name() string      { return n.name }
func (n *Null) NumBlocks() uint64 { return n.numBlocks }
func (n *Null) BlockSize() uint32 { return n.blockSize }
func (n *Null) Alignment() uint64 { return 512 }

func (n *Null) CreateQueue(core int) (Queue, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queues++
	return &nullQueue{dev: n}, nil
}

func (n *Null) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queues > 0 {
		return fmt.Errorf("null: %s has %d live queues", n.name, n.queues)
	}
	return nil
}

type nullQueue struct {
	dev *Null

	mu        sync.Mutex
	pending   []*Request
	destroyed bool
}

func (q *nullQueue) Submit(req *Request) int {
	size := q.dev.numBlocks * uint64(q.dev.blockSize)
	switch req.Op {
	case OpRead, OpWrite:
		if req.Buf == nil || uint64(len(req.Buf)) != req.Length {
			return -int(syscall.EINVAL)
		}
		// Offset+Length would wrap for offsets near the top of the range.
		if req.Offset > size || req.Length > size-req.Offset {
			return -int(syscall.ENXIO)
		}
	case OpReset, OpAdmin:
	default:
		return -int(syscall.EOPNOTSUPP)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return -int(syscall.ENODEV)
	}
	q.pending = append(q.pending, req)
	return 0
}

func (q *nullQueue) Poll() int {
	q.mu.Lock()
	reqs := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range reqs {
		if req.Op == OpRead {
			for i := range req.Buf {
				req.Buf[i] = 0
			}
		}
		req.Complete(NewRecord(req.Op, nil), true, req.Token)
	}
	return len(reqs)
}

func (q *nullQueue) Destroy() error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	q.destroyed = true
	reqs := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range reqs {
		req.Complete(NewRecord(req.Op, nil), false, req.Token)
	}

	q.dev.mu.Lock()
	q.dev.queues--
	q.dev.mu.Unlock()
	return nil
}
