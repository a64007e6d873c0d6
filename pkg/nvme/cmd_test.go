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

package nvme_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quillstor/quillstor/pkg/nvme"
)

func TestTimestampSplit(t *testing.T) {
	cmd := nvme.NewCmd(nvme.AdminCreateSnapshot)
	cmd.SetTimestamp(7<<32 | 3)
	assert.Equal(t, uint32(3), cmd.Cdw10)
	assert.Equal(t, uint32(7), cmd.Cdw11)
	assert.Equal(t, uint64(7<<32|3), cmd.Timestamp())
}

func TestTimestampSmall(t *testing.T) {
	cmd := nvme.NewCmd(nvme.AdminCreateSnapshot)
	cmd.SetTimestamp(1591357923)
	assert.Equal(t, uint32(1591357923), cmd.Cdw10)
	assert.Equal(t, uint32(0), cmd.Cdw11)
	assert.Equal(t, uint64(1591357923), cmd.Timestamp())
}

func TestNewCmd(t *testing.T) {
	cmd := nvme.NewCmd(nvme.AdminIdentify)
	assert.Equal(t, nvme.AdminIdentify, cmd.Opcode)
	assert.Zero(t, cmd.Cdw10)
	assert.Zero(t, cmd.Cdw11)
}
