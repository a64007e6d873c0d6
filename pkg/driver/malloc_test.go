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

package driver_test

import (
	"math"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstor/quillstor/pkg/driver"
	"github.com/quillstor/quillstor/pkg/nvme"
)

func newDev(t *testing.T) *driver.Malloc {
	t.Helper()
	m, err := driver.NewMalloc(driver.MallocConfig{
		Name:      "m0",
		Size:      1 << 20,
		BlockSize: 4096,
		Alignment: 512,
	})
	require.NoError(t, err)
	return m
}

type result struct {
	success bool
	token   uint64
}

func collect(results *[]result) driver.CompletionFn {
	return func(rec *driver.Record, success bool, token uint64) {
		rec.Release()
		*results = append(*results, result{success, token})
	}
}

func TestMallocRoundTrip(t *testing.T) {
	dev := newDev(t)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)

	var results []result
	wbuf := make([]byte, 4096)
	for i := range wbuf {
		wbuf[i] = byte(i)
	}
	status := q.Submit(&driver.Request{
		Op: driver.OpWrite, Buf: wbuf, Offset: 8192, Length: 4096,
		Token: 1, Complete: collect(&results),
	})
	require.Zero(t, status)
	assert.Empty(t, results, "completion must not fire before Poll")

	assert.Equal(t, 1, q.Poll())
	require.Len(t, results, 1)
	assert.True(t, results[0].success)
	assert.Equal(t, uint64(1), results[0].token)

	rbuf := make([]byte, 4096)
	status = q.Submit(&driver.Request{
		Op: driver.OpRead, Buf: rbuf, Offset: 8192, Length: 4096,
		Token: 2, Complete: collect(&results),
	})
	require.Zero(t, status)
	q.Poll()
	assert.Equal(t, wbuf, rbuf)

	require.NoError(t, q.Destroy())
	require.NoError(t, dev.Destroy())
	assert.Zero(t, dev.Outstanding())
}

func TestMallocSubmitValidation(t *testing.T) {
	dev := newDev(t)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)
	defer q.Destroy()

	var results []result
	buf := make([]byte, 4096)

	// Out of range.
	status := q.Submit(&driver.Request{
		Op: driver.OpRead, Buf: buf, Offset: 1 << 20, Length: 4096,
		Complete: collect(&results),
	})
	assert.Equal(t, -int(syscall.ENXIO), status)

	// Offset so large that offset+length wraps around zero. The request
	// must be rejected, never accepted and sliced at Poll.
	status = q.Submit(&driver.Request{
		Op: driver.OpWrite, Buf: buf, Offset: math.MaxUint64 - 4095, Length: 4096,
		Complete: collect(&results),
	})
	assert.Equal(t, -int(syscall.ENXIO), status)

	// Length not block aligned.
	status = q.Submit(&driver.Request{
		Op: driver.OpWrite, Buf: buf[:100], Offset: 0, Length: 100,
		Complete: collect(&results),
	})
	assert.Equal(t, -int(syscall.EINVAL), status)

	// Admin without a command.
	status = q.Submit(&driver.Request{Op: driver.OpAdmin, Complete: collect(&results)})
	assert.Equal(t, -int(syscall.EINVAL), status)

	// Rejected submissions never complete.
	assert.Zero(t, q.Poll())
	assert.Empty(t, results)
}

func TestMallocFailNext(t *testing.T) {
	dev := newDev(t)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)
	defer q.Destroy()

	dev.FailNext(-int(syscall.EIO))

	var results []result
	buf := make([]byte, 4096)
	status := q.Submit(&driver.Request{
		Op: driver.OpWrite, Buf: buf, Offset: 0, Length: 4096,
		Complete: collect(&results),
	})
	assert.Equal(t, -int(syscall.EIO), status)
	assert.Zero(t, q.Poll())
	assert.Empty(t, results)

	// The injection is one-shot.
	status = q.Submit(&driver.Request{
		Op: driver.OpWrite, Buf: buf, Offset: 0, Length: 4096,
		Complete: collect(&results),
	})
	assert.Zero(t, status)
	assert.Equal(t, 1, q.Poll())
}

func TestMallocFailResults(t *testing.T) {
	dev := newDev(t)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)
	defer q.Destroy()

	dev.FailResults(1)

	var results []result
	buf := make([]byte, 4096)
	require.Zero(t, q.Submit(&driver.Request{
		Op: driver.OpWrite, Buf: buf, Offset: 0, Length: 4096,
		Token: 7, Complete: collect(&results),
	}))
	q.Poll()
	require.Len(t, results, 1)
	assert.False(t, results[0].success)
	assert.Equal(t, uint64(7), results[0].token)
}

func TestMallocAdminRecorded(t *testing.T) {
	dev := newDev(t)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)
	defer q.Destroy()

	cmd := nvme.NewCmd(nvme.AdminCreateSnapshot)
	cmd.SetTimestamp(42)

	var results []result
	require.Zero(t, q.Submit(&driver.Request{Op: driver.OpAdmin, Cmd: cmd, Complete: collect(&results)}))
	q.Poll()
	require.Len(t, results, 1)
	assert.True(t, results[0].success)
	assert.Same(t, cmd, dev.LastAdmin())
}

func TestMallocDestroyDrainsWithFailure(t *testing.T) {
	dev := newDev(t)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)

	var results []result
	buf := make([]byte, 4096)
	require.Zero(t, q.Submit(&driver.Request{
		Op: driver.OpRead, Buf: buf, Offset: 0, Length: 4096,
		Complete: collect(&results),
	}))

	require.NoError(t, q.Destroy())
	require.Len(t, results, 1)
	assert.False(t, results[0].success)

	// Destroyed queues reject further submissions.
	status := q.Submit(&driver.Request{
		Op: driver.OpRead, Buf: buf, Offset: 0, Length: 4096,
		Complete: collect(&results),
	})
	assert.Equal(t, -int(syscall.ENODEV), status)

	require.NoError(t, dev.Destroy())
}

func TestMallocDestroyWithLiveQueue(t *testing.T) {
	dev := newDev(t)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)
	assert.Error(t, dev.Destroy())
	require.NoError(t, q.Destroy())
	assert.NoError(t, dev.Destroy())
}

func TestNullOffsetOverflow(t *testing.T) {
	dev, err := driver.NewNull("n-ovf", 256, 4096)
	require.NoError(t, err)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)
	defer q.Destroy()

	var results []result
	buf := make([]byte, 4096)
	status := q.Submit(&driver.Request{
		Op: driver.OpRead, Buf: buf, Offset: math.MaxUint64 - 4095, Length: 4096,
		Complete: collect(&results),
	})
	assert.Equal(t, -int(syscall.ENXIO), status)
	assert.Zero(t, q.Poll())
	assert.Empty(t, results)
}

func TestNullReadsZero(t *testing.T) {
	dev, err := driver.NewNull("n0", 256, 4096)
	require.NoError(t, err)
	q, err := dev.CreateQueue(0)
	require.NoError(t, err)

	var results []result
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xff
	}
	require.Zero(t, q.Submit(&driver.Request{
		Op: driver.OpRead, Buf: buf, Offset: 0, Length: 4096,
		Complete: collect(&results),
	}))
	q.Poll()
	require.Len(t, results, 1)
	assert.True(t, results[0].success)
	for _, c := range buf {
		require.Zero(t, c)
	}

	require.NoError(t, q.Destroy())
	require.NoError(t, dev.Destroy())
}
