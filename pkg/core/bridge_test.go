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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstor/quillstor/pkg/driver"
)

func TestBridgeResolveOnce(t *testing.T) {
	var tbl bridgeTable
	token, ch := tbl.alloc()

	require.True(t, tbl.resolve(token, true))
	assert.True(t, <-ch)

	// A second resolution of the same token is stale.
	assert.False(t, tbl.resolve(token, false))
	assert.Zero(t, tbl.pending())
}

func TestBridgeReclaim(t *testing.T) {
	var tbl bridgeTable
	token, _ := tbl.alloc()

	require.True(t, tbl.reclaim(token))
	assert.False(t, tbl.resolve(token, true), "reclaimed token must be stale")
	assert.False(t, tbl.reclaim(token))
	assert.Zero(t, tbl.pending())
}

func TestBridgeGenerationGuardsReuse(t *testing.T) {
	var tbl bridgeTable
	token1, _ := tbl.alloc()
	require.True(t, tbl.reclaim(token1))

	// The slot is reused, but under a new generation.
	token2, ch2 := tbl.alloc()
	assert.Equal(t, token1>>32, token2>>32, "slot index should be recycled")
	assert.NotEqual(t, token1, token2)

	assert.False(t, tbl.resolve(token1, true), "old generation must not resolve the new operation")
	require.True(t, tbl.resolve(token2, true))
	assert.True(t, <-ch2)
}

func TestBridgeUnknownToken(t *testing.T) {
	var tbl bridgeTable
	assert.False(t, tbl.resolve(999<<32|1, true))
	assert.False(t, tbl.reclaim(0))
}

func TestAwaitAbandonedThenLateResolve(t *testing.T) {
	var tbl bridgeTable
	token, ch := tbl.alloc()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := awaitCompletion(ctx, ch)
	require.ErrorIs(t, err, context.Canceled)

	// The slot stayed allocated for the driver; the late callback still
	// resolves exactly once and retires it without blocking.
	assert.Equal(t, 1, tbl.pending())
	require.True(t, tbl.resolve(token, false))
	assert.Zero(t, tbl.pending())
}

func TestIoCompletionReleasesRecord(t *testing.T) {
	rec := driver.NewRecord(driver.OpRead, nil)
	// Bogus token: the record must be released even when the bridge
	// discards the completion as stale.
	ioCompletion(rec, true, 1<<40|7)
	assert.True(t, rec.Released())
}
