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

// Package nvme describes the subset of the NVMe admin command set that the
// device handle layer populates for passthrough operations.
package nvme

// Admin opcodes. Opcodes at 0xc0 and above are vendor specific.
const (
	AdminIdentify       uint8 = 0x06
	AdminGetLogPage     uint8 = 0x02
	AdminCreateSnapshot uint8 = 0xc1
)

// Cmd is an admin command as handed to the driver submission path. Only the
// fields the data plane populates are modeled; the driver is responsible for
// the remainder of the 64-byte wire layout.
type Cmd struct {
	Opcode uint8
	NSID   uint32
	Cdw10  uint32
	Cdw11  uint32
	Cdw12  uint32
	Cdw13  uint32
}

// NewCmd returns an admin command with the given opcode.
func NewCmd(opcode uint8) *Cmd {
	return &Cmd{Opcode: opcode}
}

// SetTimestamp encodes secs into the command, low 32 bits in cdw10 and high
// 32 bits in cdw11.
func (c *Cmd) SetTimestamp(secs uint64) {
	c.Cdw10 = uint32(secs)
	c.Cdw11 = uint32(secs >> 32)
}

// Timestamp decodes the value written by SetTimestamp.
func (c *Cmd) Timestamp() uint64 {
	return uint64(c.Cdw11)<<32 | uint64(c.Cdw10)
}
