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
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quillstor/quillstor/pkg/driver"
)

// The completion bridge pairs each in-flight operation with the callback
// the driver fires at completion. Instead of smuggling a heap pointer
// through the driver, the opaque context is a token into a
// generation-checked slot table: a stale or duplicate callback fails the
// generation check and is discarded, so a token can never resolve the
// wrong operation twice.
//
// Tokens are index<<32 | generation. A slot stays allocated until its
// callback arrives, even if the awaiting side has already given up, so the
// driver can always deliver its one completion without touching freed
// state.

type bridgeSlot struct {
	gen  uint32
	ch   chan bool
	live bool
}

type bridgeTable struct {
	mu    sync.Mutex
	slots []bridgeSlot
	free  []int
}

var bridge bridgeTable

// alloc reserves a slot and returns its token plus the single-consumer
// resolution channel. The channel is buffered so the resolving side never
// blocks, and an abandoned consumer leaks nothing.
func (t *bridgeTable) alloc() (uint64, <-chan bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, bridgeSlot{gen: 1})
		idx = len(t.slots) - 1
	}
	s := &t.slots[idx]
	s.live = true
	s.ch = make(chan bool, 1)
	return uint64(idx)<<32 | uint64(s.gen), s.ch
}

// resolve delivers the completion result for token. Returns false when the
// token is stale: already resolved, reclaimed, or never issued.
func (t *bridgeTable) resolve(token uint64, success bool) bool {
	idx, gen := int(token>>32), uint32(token)

	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) {
		return false
	}
	s := &t.slots[idx]
	if !s.live || s.gen != gen {
		return false
	}
	s.ch <- success
	t.freeSlot(idx)
	return true
}

// reclaim releases a slot whose submission was rejected synchronously; no
// callback will ever fire for it.
func (t *bridgeTable) reclaim(token uint64) bool {
	idx, gen := int(token>>32), uint32(token)

	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) {
		return false
	}
	s := &t.slots[idx]
	if !s.live || s.gen != gen {
		return false
	}
	t.freeSlot(idx)
	return true
}

// freeSlot retires a slot. Bumping the generation invalidates any token
// still in flight for it. Callers hold t.mu.
func (t *bridgeTable) freeSlot(idx int) {
	s := &t.slots[idx]
	s.live = false
	s.gen++
	s.ch = nil
	t.free = append(t.free, idx)
}

// pending reports live slots, for leak checks.
func (t *bridgeTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].live {
			n++
		}
	}
	return n
}

// ioCompletion is the one callback handed to the driver for every
// submission. It runs on the driver's execution context: release the
// driver-owned record first, then resolve the bridge.
func ioCompletion(rec *driver.Record, success bool, token uint64) {
	op := rec.Op().String()
	rec.Release()
	if !bridge.resolve(token, success) {
		staleCompletions.Inc()
		zap.L().Sugar().Named("core").Warnf("dropping stale %s completion (token %#x)", op, token)
		return
	}
	result := "ok"
	if !success {
		result = "failed"
	}
	completionsTotal.WithLabelValues(op, result).Inc()
}

// awaitCompletion parks the caller until the bridge resolves or ctx ends.
// Abandoning the wait leaves the slot for the late callback to retire.
func awaitCompletion(ctx context.Context, ch <-chan bool) (bool, error) {
	select {
	case success := <-ch:
		return success, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
