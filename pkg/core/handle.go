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
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/quillstor/quillstor/pkg/dma"
	"github.com/quillstor/quillstor/pkg/driver"
	"github.com/quillstor/quillstor/pkg/nvme"
	"github.com/quillstor/quillstor/pkg/reactor"
)

// BdevHandle composes a shared Descriptor with an exclusively owned
// IoChannel. The descriptor may be shared between cores freely; the
// channel is only valid on the core it was allocated on, so every I/O
// method must be called with that core's capability in ctx.
type BdevHandle struct {
	desc    *Descriptor
	channel *IoChannel
	clock   func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open resolves a device by name and composes a handle, allocating the
// channel on the calling core. With claim set the open is exclusive; a
// device that cannot be claimed reports not-found, like a device that does
// not exist.
func Open(ctx context.Context, name string, readWrite, claim bool) (*BdevHandle, error) {
	b := Lookup(name)
	if b == nil {
		return nil, errNotFound(name, "")
	}
	return openBdev(ctx, b, readWrite, claim)
}

// OpenWithBdev composes a handle starting from an already-resolved device.
func OpenWithBdev(ctx context.Context, b *Bdev, readWrite bool) (*BdevHandle, error) {
	return openBdev(ctx, b, readWrite, false)
}

func openBdev(ctx context.Context, b *Bdev, readWrite, claim bool) (*BdevHandle, error) {
	r := reactor.FromContext(ctx)
	if r == nil {
		return nil, errUnrecoverable("open", "no core capability in context", reactor.ErrNoCore)
	}

	desc, err := b.Open(readWrite)
	if err != nil {
		return nil, errNotFound(b.name, err.Error())
	}
	if claim {
		if !b.tryClaim() {
			desc.Release()
			return nil, errNotFound(b.name, "exclusive claim unavailable")
		}
		desc.claimed.Store(true)
	}

	channel, err := newIoChannel(r, b)
	if err != nil {
		// Unwind in dependency order: no channel exists yet, so only
		// the descriptor reference needs releasing.
		desc.Release()
		return nil, errChannelAlloc(b.name, err)
	}

	zap.L().Sugar().Named("core").Debugf("opened %s on core %d (rw=%v claim=%v)",
		b.name, r.ID(), readWrite, claim)
	return &BdevHandle{desc: desc, channel: channel, clock: time.Now}, nil
}

// HandleFromDescriptor composes a new handle over a shared descriptor,
// allocating a fresh channel on the calling core. The descriptor gains a
// reference; both handles then close independently.
func HandleFromDescriptor(ctx context.Context, desc *Descriptor) (*BdevHandle, error) {
	r := reactor.FromContext(ctx)
	if r == nil {
		return nil, errUnrecoverable("open", "no core capability in context", reactor.ErrNoCore)
	}
	desc.retain()
	channel, err := newIoChannel(r, desc.bdev)
	if err != nil {
		desc.Release()
		return nil, errChannelAlloc(desc.bdev.name, err)
	}
	return &BdevHandle{desc: desc, channel: channel, clock: time.Now}, nil
}

// Bdev returns the underlying device's static properties.
func (h *BdevHandle) Bdev() *Bdev {
	return h.desc.bdev
}

// Descriptor exposes the shared descriptor so more handles can be built
// over it.
func (h *BdevHandle) Descriptor() *Descriptor {
	return h.desc
}

// bufPool recycles I/O buffers across handles, classed by size and
// alignment.
var bufPool = dma.NewPool(64)

// DmaMalloc allocates a zeroed buffer aligned for this device, drawn from
// the shared buffer pool.
func (h *BdevHandle) DmaMalloc(size int) (*dma.Buf, error) {
	return bufPool.Get(size, h.desc.bdev.Alignment())
}

// DmaFree returns a buffer to the pool. The buffer must not belong to an
// in-flight operation.
func (h *BdevHandle) DmaFree(buf *dma.Buf) {
	bufPool.Put(buf)
}

// Close releases the handle. The channel goes first, the descriptor
// reference second; the channel's driver resources are only valid while
// the device is open, and the driver enforces that shutdown order.
func (h *BdevHandle) Close() error {
	h.closeOnce.Do(func() {
		var result *multierror.Error
		if err := h.channel.destroy(); err != nil {
			result = multierror.Append(result, err)
		}
		h.desc.Release()
		h.closeErr = result.ErrorOrNil()
	})
	return h.closeErr
}

func (h *BdevHandle) checkCore(ctx context.Context, op string) *Error {
	r := reactor.FromContext(ctx)
	if r == nil {
		return errUnrecoverable(op, "no core capability in context", reactor.ErrNoCore)
	}
	if r != h.channel.core {
		return errUnrecoverable(op, "channel is bound to another core", nil)
	}
	return nil
}

// WriteAt writes buf at offset. On success the returned count is exactly
// buf.Len(). A synchronous driver rejection surfaces as a dispatch error
// carrying the status, offset and length, with no completion awaited.
func (h *BdevHandle) WriteAt(ctx context.Context, offset uint64, buf *dma.Buf) (int, error) {
	if err := h.checkCore(ctx, "write"); err != nil {
		return 0, err
	}
	if !h.desc.readWrite {
		return 0, errDispatch("write", -int(syscall.EBADF), offset, uint64(buf.Len()))
	}
	length := uint64(buf.Len())

	token, ch := bridge.alloc()
	dispatchTotal.WithLabelValues("write").Inc()
	status := h.channel.q.Submit(&driver.Request{
		Op:       driver.OpWrite,
		Buf:      buf.Bytes(),
		Offset:   offset,
		Length:   length,
		Token:    token,
		Complete: ioCompletion,
	})
	if status != 0 {
		bridge.reclaim(token)
		dispatchErrors.WithLabelValues("write").Inc()
		return 0, errDispatch("write", status, offset, length)
	}

	success, err := awaitCompletion(ctx, ch)
	if err != nil {
		return 0, errUnrecoverable("write", "abandoned await for completion", err)
	}
	if !success {
		return 0, errFailed("write", offset, length)
	}
	return buf.Len(), nil
}

// ReadAt reads into buf from offset; symmetric to WriteAt.
func (h *BdevHandle) ReadAt(ctx context.Context, offset uint64, buf *dma.Buf) (int, error) {
	if err := h.checkCore(ctx, "read"); err != nil {
		return 0, err
	}
	length := uint64(buf.Len())

	token, ch := bridge.alloc()
	dispatchTotal.WithLabelValues("read").Inc()
	status := h.channel.q.Submit(&driver.Request{
		Op:       driver.OpRead,
		Buf:      buf.Bytes(),
		Offset:   offset,
		Length:   length,
		Token:    token,
		Complete: ioCompletion,
	})
	if status != 0 {
		bridge.reclaim(token)
		dispatchErrors.WithLabelValues("read").Inc()
		return 0, errDispatch("read", status, offset, length)
	}

	success, err := awaitCompletion(ctx, ch)
	if err != nil {
		return 0, errUnrecoverable("read", "abandoned await for completion", err)
	}
	if !success {
		return 0, errFailed("read", offset, length)
	}
	return buf.Len(), nil
}

// Reset submits a device reset.
func (h *BdevHandle) Reset(ctx context.Context) error {
	if err := h.checkCore(ctx, "reset"); err != nil {
		return err
	}

	token, ch := bridge.alloc()
	dispatchTotal.WithLabelValues("reset").Inc()
	status := h.channel.q.Submit(&driver.Request{
		Op:       driver.OpReset,
		Token:    token,
		Complete: ioCompletion,
	})
	if status != 0 {
		bridge.reclaim(token)
		dispatchErrors.WithLabelValues("reset").Inc()
		return &Error{Kind: KindDispatch, Op: "reset", Status: status}
	}

	success, err := awaitCompletion(ctx, ch)
	if err != nil {
		return errUnrecoverable("reset", "abandoned await for completion", err)
	}
	if !success {
		return &Error{Kind: KindFailed, Op: "reset"}
	}
	return nil
}

// NvmeAdmin submits an admin command through the passthrough path.
func (h *BdevHandle) NvmeAdmin(ctx context.Context, cmd *nvme.Cmd) error {
	if err := h.checkCore(ctx, "nvme_admin"); err != nil {
		return err
	}
	zap.L().Sugar().Named("core").Debugf("sending nvme_admin 0x%02x", cmd.Opcode)

	token, ch := bridge.alloc()
	dispatchTotal.WithLabelValues("nvme_admin").Inc()
	status := h.channel.q.Submit(&driver.Request{
		Op:       driver.OpAdmin,
		Cmd:      cmd,
		Token:    token,
		Complete: ioCompletion,
	})
	if status != 0 {
		bridge.reclaim(token)
		dispatchErrors.WithLabelValues("nvme_admin").Inc()
		return errAdminDispatch(status, cmd.Opcode)
	}

	success, err := awaitCompletion(ctx, ch)
	if err != nil {
		return errUnrecoverable("nvme_admin", "abandoned await for completion", err)
	}
	if !success {
		return errAdminFailed(cmd.Opcode)
	}
	return nil
}

// NvmeAdminCustom submits an admin command built from a bare opcode.
func (h *BdevHandle) NvmeAdminCustom(ctx context.Context, opcode uint8) error {
	return h.NvmeAdmin(ctx, nvme.NewCmd(opcode))
}

// CreateSnapshot captures the current time as whole seconds since epoch,
// encodes it into the snapshot admin command (low word in cdw10, high word
// in cdw11), and returns the encoded value on success.
func (h *BdevHandle) CreateSnapshot(ctx context.Context) (uint64, error) {
	now := uint64(h.clock().Unix())
	cmd := nvme.NewCmd(nvme.AdminCreateSnapshot)
	cmd.SetTimestamp(now)
	zap.L().Sugar().Named("core").Debugf("creating snapshot at %d", now)
	if err := h.NvmeAdmin(ctx, cmd); err != nil {
		return 0, err
	}
	return now, nil
}

// SetClock overrides the snapshot timestamp source.
func (h *BdevHandle) SetClock(clock func() time.Time) {
	h.clock = clock
}
