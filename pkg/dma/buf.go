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

// Package dma provides alignment-correct buffers for device I/O. A Buf is
// zero-initialized on allocation and owned by the caller for the duration of
// one operation; it must not back two in-flight operations at once.
package dma

import (
	"fmt"
	"sync"
	"unsafe"
)

// Buf is a byte region whose start address satisfies the alignment it was
// allocated with.
type Buf struct {
	raw   []byte
	data  []byte
	align uint64
}

// New allocates a zeroed buffer of size bytes aligned to align. align must
// be a power of two; an alignment of 0 or 1 means no constraint.
func New(size int, align uint64) (*Buf, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid buffer size %d", size)
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("dma: alignment %d is not a power of two", align)
	}

	// Over-allocate so an aligned start always exists within raw.
	raw := make([]byte, size+int(align)-1)
	off := 0
	if align > 1 {
		addr := uintptr(unsafe.Pointer(&raw[0]))
		if rem := addr & uintptr(align-1); rem != 0 {
			off = int(uintptr(align) - rem)
		}
	}

	return &Buf{
		raw:   raw,
		data:  raw[off : off+size : off+size],
		align: align,
	}, nil
}

// Bytes returns the aligned region.
func (b *Buf) Bytes() []byte {
	return b.data
}

// Len returns the usable length in bytes.
func (b *Buf) Len() int {
	return len(b.data)
}

// Alignment returns the alignment the buffer was allocated with.
func (b *Buf) Alignment() uint64 {
	return b.align
}

type poolKey struct {
	size  int
	align uint64
}

// Pool recycles buffers by (size, alignment) class. Returned buffers are
// re-zeroed, so Get always behaves like New.
type Pool struct {
	mu    sync.Mutex
	idle  map[poolKey][]*Buf
	limit int
}

// NewPool creates a pool keeping at most perClass idle buffers per size class.
func NewPool(perClass int) *Pool {
	if perClass <= 0 {
		perClass = 16
	}
	return &Pool{
		idle:  make(map[poolKey][]*Buf),
		limit: perClass,
	}
}

func (p *Pool) Get(size int, align uint64) (*Buf, error) {
	if align == 0 {
		align = 1
	}
	key := poolKey{size, align}

	p.mu.Lock()
	if bufs := p.idle[key]; len(bufs) > 0 {
		b := bufs[len(bufs)-1]
		p.idle[key] = bufs[:len(bufs)-1]
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	return New(size, align)
}

// Put returns a buffer to the pool. The buffer must not belong to an
// in-flight operation.
func (p *Pool) Put(b *Buf) {
	if b == nil {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	key := poolKey{len(b.data), b.align}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[key]) < p.limit {
		p.idle[key] = append(p.idle[key], b)
	}
}
