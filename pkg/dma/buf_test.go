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

package dma_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstor/quillstor/pkg/dma"
)

func TestNewAligned(t *testing.T) {
	for _, align := range []uint64{1, 8, 512, 4096} {
		b, err := dma.New(4096, align)
		require.NoError(t, err)
		assert.Equal(t, 4096, b.Len())
		addr := uintptr(unsafe.Pointer(&b.Bytes()[0]))
		assert.Zero(t, addr&uintptr(align-1), "alignment %d", align)
	}
}

func TestNewZeroed(t *testing.T) {
	b, err := dma.New(1024, 512)
	require.NoError(t, err)
	for _, c := range b.Bytes() {
		require.Zero(t, c)
	}
}

func TestNewRejectsBadArgs(t *testing.T) {
	_, err := dma.New(0, 512)
	assert.Error(t, err)
	_, err = dma.New(-1, 512)
	assert.Error(t, err)
	_, err = dma.New(4096, 3)
	assert.Error(t, err)
}

func TestPoolRecyclesZeroed(t *testing.T) {
	p := dma.NewPool(4)
	b, err := p.Get(512, 512)
	require.NoError(t, err)
	copy(b.Bytes(), []byte("dirty"))
	p.Put(b)

	b2, err := p.Get(512, 512)
	require.NoError(t, err)
	assert.Same(t, b, b2)
	for _, c := range b2.Bytes() {
		require.Zero(t, c)
	}

	// A different class must not reuse the buffer.
	b3, err := p.Get(1024, 512)
	require.NoError(t, err)
	assert.NotSame(t, b2, b3)
}
