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
	"github.com/quillstor/quillstor/pkg/driver"
	"github.com/quillstor/quillstor/pkg/reactor"
)

// IoChannel is the core-local submission path. It is created on one core,
// registers the driver queue with that core's loop, and is never handed to
// another core. It must be destroyed before the descriptor it was created
// under is released; the queue's driver resources are only valid while the
// device stays open.
type IoChannel struct {
	core     *reactor.Reactor
	q        driver.Queue
	pollerID int
}

func newIoChannel(r *reactor.Reactor, b *Bdev) (*IoChannel, error) {
	q, err := b.dev.CreateQueue(r.ID())
	if err != nil {
		return nil, err
	}
	return &IoChannel{
		core:     r,
		q:        q,
		pollerID: r.RegisterPoller(q.Poll),
	}, nil
}

// Core returns the reactor this channel is bound to.
func (c *IoChannel) Core() *reactor.Reactor {
	return c.core
}

func (c *IoChannel) destroy() error {
	c.core.UnregisterPoller(c.pollerID)
	return c.q.Destroy()
}
