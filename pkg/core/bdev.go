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

// Package core is the data plane: named devices, shareable descriptors,
// core-local submission channels, and the handle that composes them to
// perform asynchronous I/O against a poll-mode driver.
package core

import (
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/quillstor/quillstor/pkg/driver"
)

// Bdev is a named device plus its static properties. It may be looked up
// and opened from any core; submission paths are per-core and live on the
// handle, not here.
type Bdev struct {
	name   string
	uuid   uuid.UUID
	serial string
	dev    driver.Device

	mu      sync.Mutex
	opens   int
	claimed bool
	removed bool
}

// NewBdev wraps an attached driver device.
func NewBdev(dev driver.Device) *Bdev {
	name := dev.Name()
	return &Bdev{
		name:   name,
		uuid:   uuid.New(),
		serial: fmt.Sprintf("%016X", xxhash.ChecksumString64S(name, 0x71117)),
		dev:    dev,
	}
}

func (b *Bdev) Name() string      { return b.name }
func (b *Bdev) UUID() uuid.UUID   { return b.uuid }
func (b *Bdev) Serial() string    { return b.serial }
func (b *Bdev) NumBlocks() uint64 { return b.dev.NumBlocks() }
func (b *Bdev) BlockSize() uint32 { return b.dev.BlockSize() }
func (b *Bdev) Alignment() uint64 { return b.dev.Alignment() }

// Size returns the device capacity in bytes.
func (b *Bdev) Size() uint64 {
	return b.dev.NumBlocks() * uint64(b.dev.BlockSize())
}

// Open takes a shared reference to the device and returns a Descriptor
// owning it. A device that Remove has already committed to destroying
// cannot be opened again, even through a stale reference.
func (b *Bdev) Open(readWrite bool) (*Descriptor, error) {
	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		return nil, fmt.Errorf("device is being removed")
	}
	b.opens++
	b.mu.Unlock()
	b.event("open")
	d := &Descriptor{bdev: b, readWrite: readWrite}
	d.refs.Store(1)
	return d, nil
}

// OpenCount reports live descriptors, for teardown-order observation.
func (b *Bdev) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *Bdev) tryClaim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return false
	}
	b.claimed = true
	return true
}

func (b *Bdev) unclaim() {
	b.mu.Lock()
	b.claimed = false
	b.mu.Unlock()
}

// Claimed reports whether an exclusive opener currently holds the device.
func (b *Bdev) Claimed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimed
}

func (b *Bdev) closeOne() {
	b.mu.Lock()
	b.opens--
	b.mu.Unlock()
	b.event("close")
}

func (b *Bdev) event(ev string) {
	if sink, ok := b.dev.(driver.EventSink); ok {
		sink.RecordEvent(ev)
	}
}

type bdevItem struct {
	b *Bdev
}

func (i bdevItem) Less(other btree.Item) bool {
	return i.b.name < other.(bdevItem).b.name
}

var bdevs = struct {
	mu   sync.RWMutex
	tree *btree.BTree
}{tree: btree.New(8)}

// Register adds a device to the process-wide registry.
func Register(b *Bdev) error {
	bdevs.mu.Lock()
	defer bdevs.mu.Unlock()
	if bdevs.tree.Has(bdevItem{b}) {
		return &Error{Kind: KindInvalidParam, Op: "register", Name: b.name, Msg: "device already exists"}
	}
	bdevs.tree.ReplaceOrInsert(bdevItem{b})
	return nil
}

// Lookup resolves a device by name, or nil.
func Lookup(name string) *Bdev {
	bdevs.mu.RLock()
	defer bdevs.mu.RUnlock()
	item := bdevs.tree.Get(bdevItem{&Bdev{name: name}})
	if item == nil {
		return nil
	}
	return item.(bdevItem).b
}

// List returns the registered device names in order.
func List() []string {
	bdevs.mu.RLock()
	defer bdevs.mu.RUnlock()
	var names []string
	bdevs.tree.Ascend(func(item btree.Item) bool {
		names = append(names, item.(bdevItem).b.name)
		return true
	})
	return names
}

// Remove unregisters and destroys a device. Fails while descriptors are
// still open. The registry lock is held across the busy check, destroy
// and delete so a concurrent Open cannot slip a descriptor onto a device
// being torn down.
func Remove(name string) error {
	bdevs.mu.Lock()
	defer bdevs.mu.Unlock()

	item := bdevs.tree.Get(bdevItem{&Bdev{name: name}})
	if item == nil {
		return errNotFound(name, "")
	}
	b := item.(bdevItem).b

	b.mu.Lock()
	if b.opens > 0 {
		opens := b.opens
		b.mu.Unlock()
		return &Error{Kind: KindInvalidParam, Op: "remove", Name: name,
			Msg: "device busy", Inner: errBusy(opens)}
	}
	b.removed = true
	b.mu.Unlock()

	if err := b.dev.Destroy(); err != nil {
		b.mu.Lock()
		b.removed = false
		b.mu.Unlock()
		return &Error{Kind: KindInvalidParam, Op: "remove", Name: name, Inner: err}
	}
	bdevs.tree.Delete(bdevItem{b})
	return nil
}

func errBusy(n int) error {
	return fmt.Errorf("still open by %d descriptor(s)", n)
}
