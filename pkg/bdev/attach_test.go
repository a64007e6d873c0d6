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

package bdev_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstor/quillstor/pkg/bdev"
	"github.com/quillstor/quillstor/pkg/core"
)

func TestAttachMalloc(t *testing.T) {
	ctx := context.Background()
	name, err := bdev.Attach(ctx, "malloc:///disk0?size=8MiB&blk=512")
	require.NoError(t, err)
	assert.Equal(t, "disk0", name)
	defer bdev.Detach(ctx, name)

	b := core.Lookup("disk0")
	require.NotNil(t, b)
	assert.Equal(t, uint64(8<<20), b.Size())
	assert.Equal(t, uint32(512), b.BlockSize())
}

func TestAttachMallocDefaults(t *testing.T) {
	ctx := context.Background()
	name, err := bdev.Attach(ctx, "malloc:///disk-defaults")
	require.NoError(t, err)
	defer bdev.Detach(ctx, name)

	b := core.Lookup(name)
	require.NotNil(t, b)
	assert.Equal(t, uint64(64<<20), b.Size())
	assert.Equal(t, uint32(4096), b.BlockSize())
}

func TestAttachNull(t *testing.T) {
	ctx := context.Background()
	name, err := bdev.Attach(ctx, "null:///zero0?blocks=128&blk=4096")
	require.NoError(t, err)
	defer bdev.Detach(ctx, name)

	b := core.Lookup(name)
	require.NotNil(t, b)
	assert.Equal(t, uint64(128), b.NumBlocks())
}

func TestAttachErrors(t *testing.T) {
	ctx := context.Background()

	_, err := bdev.Attach(ctx, "ftp:///nope")
	assert.True(t, core.IsKind(err, core.KindInvalidParam))

	_, err = bdev.Attach(ctx, "malloc:///")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "names no device")

	_, err = bdev.Attach(ctx, "malloc:///bad?size=banana")
	require.Error(t, err)

	// Duplicate name collides in the registry.
	name, err := bdev.Attach(ctx, "malloc:///dup0")
	require.NoError(t, err)
	defer bdev.Detach(ctx, name)
	_, err = bdev.Attach(ctx, "malloc:///dup0")
	assert.True(t, core.IsKind(err, core.KindInvalidParam))
}

func TestDetach(t *testing.T) {
	ctx := context.Background()
	name, err := bdev.Attach(ctx, "malloc:///gone0")
	require.NoError(t, err)
	require.NoError(t, bdev.Detach(ctx, name))
	assert.Nil(t, core.Lookup(name))

	err = bdev.Detach(ctx, name)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestNvmeAttachUnsupported(t *testing.T) {
	_, err := bdev.Attach(context.Background(), "nvme://0000:01:00.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no platform nvme driver")
}

func TestTransportIDBounds(t *testing.T) {
	var tid bdev.TransportID
	require.NoError(t, tid.SetTraddr("0000:01:00.0"))
	assert.Equal(t, "0000:01:00.0", tid.Traddr())

	err := tid.SetTraddr(strings.Repeat("x", 257))
	assert.True(t, core.IsKind(err, core.KindInvalidParam))
	assert.Equal(t, "0000:01:00.0", tid.Traddr(), "rejected set leaves the address unchanged")
}

func TestSchemes(t *testing.T) {
	schemes := bdev.Schemes()
	assert.Contains(t, schemes, "malloc")
	assert.Contains(t, schemes, "null")
	assert.Contains(t, schemes, "nvme")
	assert.True(t, sortedStrings(schemes))
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}
