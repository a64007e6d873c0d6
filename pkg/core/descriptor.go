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

import "sync/atomic"

// Descriptor is an opened reference to a Bdev. It may be shared by any
// number of handles on any core; the reference count is the only mutable
// state. The device stays open until the last reference is released.
type Descriptor struct {
	bdev      *Bdev
	readWrite bool
	refs      atomic.Int32
	claimed   atomic.Bool
}

func (d *Descriptor) Bdev() *Bdev {
	return d.bdev
}

func (d *Descriptor) ReadWrite() bool {
	return d.readWrite
}

// Refs reports the live reference count.
func (d *Descriptor) Refs() int32 {
	return d.refs.Load()
}

func (d *Descriptor) retain() {
	d.refs.Add(1)
}

// Release drops one reference. The last release gives the claim back and
// closes the device-level open.
func (d *Descriptor) Release() {
	if d.refs.Add(-1) != 0 {
		return
	}
	if d.claimed.Load() {
		d.bdev.unclaim()
	}
	d.bdev.closeOne()
}
