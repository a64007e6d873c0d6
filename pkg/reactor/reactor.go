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

// Package reactor runs one polling loop per core. Driver queues register as
// pollers with the core that owns them, so completion callbacks only ever
// fire from that core's loop thread. Reactor 0 is the management core; it is
// the only one that may block-wait on a computation while keeping its loop
// serviced.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// ErrNotManagement is returned when a management-only entry point is used
// from another core. This is a broken programming contract, not a runtime
// condition to retry.
var ErrNotManagement = errors.New("reactor: block-on is only valid on the management core")

// ErrNoCore is returned when a call requiring a core capability receives a
// context that does not carry one.
var ErrNoCore = errors.New("reactor: context carries no core capability")

const idlePark = 200 * time.Microsecond

// Poller is a unit of poll work, typically a driver queue. It reports how
// many completions it fired.
type Poller func() int

// Reactor is a single core's event loop.
type Reactor struct {
	id      int
	primary bool

	mu         sync.Mutex
	ring       *queue.Queue // deferred funcs, run on the loop thread
	pollers    map[int]Poller
	nextPoller int

	loopMu sync.Mutex // serializes loop iterations between run and BlockOn
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

var registry struct {
	mu   sync.Mutex
	list []*Reactor
}

// Start launches n reactors pinned to cores 0..n-1. Reactor 0 is the
// management core. The worker set is stable until StopAll.
func Start(n int) ([]*Reactor, error) {
	if n < 1 {
		return nil, fmt.Errorf("reactor: need at least one core, got %d", n)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.list) > 0 {
		return nil, fmt.Errorf("reactor: already running with %d cores", len(registry.list))
	}
	for i := 0; i < n; i++ {
		r := &Reactor{
			id:      i,
			primary: i == 0,
			ring:    queue.New(),
			pollers: make(map[int]Poller),
			wake:    make(chan struct{}, 1),
			quit:    make(chan struct{}),
			done:    make(chan struct{}),
		}
		registry.list = append(registry.list, r)
		go r.run()
	}
	return registry.list, nil
}

// StopAll shuts every loop down and clears the worker set.
func StopAll() {
	registry.mu.Lock()
	list := registry.list
	registry.list = nil
	registry.mu.Unlock()

	for _, r := range list {
		close(r.quit)
	}
	for _, r := range list {
		<-r.done
	}
}

// Primary returns the management core, or nil before Start.
func Primary() *Reactor {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.list) == 0 {
		return nil
	}
	return registry.list[0]
}

// Get returns the reactor for a core id, or nil.
func Get(id int) *Reactor {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if id < 0 || id >= len(registry.list) {
		return nil
	}
	return registry.list[id]
}

func (r *Reactor) ID() int         { return r.id }
func (r *Reactor) IsPrimary() bool { return r.primary }

func (r *Reactor) run() {
	// Completion callbacks assume a stable driver execution context.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinThread(r.id); err != nil {
		zap.L().Sugar().Named("reactor").Warnf("core %d not pinned: %s", r.id, err)
	}

	defer close(r.done)
	for {
		select {
		case <-r.quit:
			r.step() // final drain
			return
		default:
		}
		if r.step() == 0 {
			select {
			case <-r.quit:
				r.step()
				return
			case <-r.wake:
			case <-time.After(idlePark):
			}
		}
	}
}

// step runs one loop iteration: deferred funcs first, then every poller.
// Returns the amount of work done.
func (r *Reactor) step() int {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	r.mu.Lock()
	var fns []func()
	for r.ring.Length() > 0 {
		fns = append(fns, r.ring.Remove().(func()))
	}
	pollers := make([]Poller, 0, len(r.pollers))
	for _, p := range r.pollers {
		pollers = append(pollers, p)
	}
	r.mu.Unlock()

	work := len(fns)
	for _, fn := range fns {
		fn()
	}
	for _, p := range pollers {
		work += p()
	}
	return work
}

// Submit queues fn to run on the loop thread between polls.
func (r *Reactor) Submit(fn func()) {
	r.mu.Lock()
	r.ring.Add(fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterPoller adds a poll unit to this core's loop and returns its id.
func (r *Reactor) RegisterPoller(p Poller) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextPoller
	r.nextPoller++
	r.pollers[id] = p
	return id
}

// UnregisterPoller removes a poll unit. In-flight completions already fired
// by the poller are unaffected.
func (r *Reactor) UnregisterPoller(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pollers, id)
}

// Done is the awaitable handle of a spawned task.
type Done struct {
	ch chan error
}

// Wait blocks until the task resolves or ctx expires.
func (d *Done) Wait(ctx context.Context) error {
	select {
	case err := <-d.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn runs fn bound to this core: the task's context carries the core
// capability, so every submission it makes lands on this core's queues. The
// task runs concurrently with the loop; the loop keeps polling while the
// task is suspended on a completion.
func (r *Reactor) Spawn(ctx context.Context, fn func(ctx context.Context) error) *Done {
	d := &Done{ch: make(chan error, 1)}
	cctx := WithContext(ctx, r)
	go func() {
		d.ch <- fn(cctx)
	}()
	return d
}

// BlockOn runs fn on the management core and drives that core's loop until
// the task resolves, then returns its result. Device attach, detach and
// snapshot coordination assume they never leave the management core, which
// is why any other caller gets ErrNotManagement.
func BlockOn(r *Reactor, fn func(ctx context.Context) error) error {
	if r == nil || !r.primary {
		return ErrNotManagement
	}
	d := r.Spawn(context.Background(), fn)
	for {
		select {
		case err := <-d.ch:
			return err
		default:
		}
		if r.step() == 0 {
			select {
			case err := <-d.ch:
				return err
			case <-time.After(idlePark):
			}
		}
	}
}

// Locally spawns fn on the context's core, awaits it, and on failure logs
// the chained error description before propagating it. This is the standard
// surfacing idiom for management-plane work invoked from an arbitrary
// caller.
func Locally(ctx context.Context, fn func(ctx context.Context) error) error {
	r := FromContext(ctx)
	if r == nil {
		return ErrNoCore
	}
	if err := r.Spawn(ctx, fn).Wait(ctx); err != nil {
		zap.L().Sugar().Named("reactor").Errorf("%s", Chain(err))
		return err
	}
	return nil
}

// Chain renders err as the outermost message followed by each underlying
// cause.
func Chain(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		msg = msg + ": " + cause.Error()
	}
	return msg
}
