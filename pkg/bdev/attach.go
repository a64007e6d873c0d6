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

// Package bdev is the attach boundary. Devices are created from URIs,
// registered under a name, and later detached by that name. Attachers are
// keyed by URI scheme; malloc and null ship built in, nvme is a stub until
// a platform driver exists.
package bdev

import (
	"context"
	stdurl "net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quillstor/quillstor/pkg/core"
)

// DefaultReadyTimeout bounds how long Attach waits for a device to appear
// in the registry after its attacher returns.
const DefaultReadyTimeout = 5 * time.Second

// Attach creates a device from uri and waits for it to become visible in
// the device registry. It returns the registered device name.
func Attach(ctx context.Context, uri string) (string, error) {
	u, err := stdurl.Parse(uri)
	if err != nil {
		return "", &core.Error{
			Kind:  core.KindInvalidParam,
			Op:    "attach",
			Msg:   "malformed device uri",
			Inner: err,
		}
	}
	attacher := find(u.Scheme)
	if attacher == nil {
		return "", &core.Error{
			Kind: core.KindInvalidParam,
			Op:   "attach",
			Name: uri,
			Msg:  "no attacher for scheme " + u.Scheme,
		}
	}

	name, err := attacher.Attach(ctx, u)
	if err != nil {
		return "", errors.Wrapf(err, "attaching %q", uri)
	}

	if err := waitReady(ctx, name); err != nil {
		return "", err
	}
	zap.L().Sugar().Named("bdev").Infof("attached %s as %q", uri, name)
	return name, nil
}

// waitReady polls the registry until the named device appears. Creation is
// synchronous for the built-in modules, but drivers that probe hardware
// register asynchronously.
func waitReady(ctx context.Context, name string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = DefaultReadyTimeout
	for {
		if core.Lookup(name) != nil {
			return nil
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return &core.Error{
				Kind: core.KindTimedOut,
				Op:   "attach",
				Name: name,
				Msg:  "device did not become ready",
			}
		}
		select {
		case <-ctx.Done():
			return &core.Error{
				Kind:  core.KindTimedOut,
				Op:    "attach",
				Name:  name,
				Msg:   "device did not become ready",
				Inner: ctx.Err(),
			}
		case <-time.After(delay):
		}
	}
}

// Detach removes the named device from the registry and destroys it. A
// device with open descriptors cannot be detached.
func Detach(ctx context.Context, name string) error {
	if core.Lookup(name) == nil {
		return &core.Error{Kind: core.KindNotFound, Op: "detach", Name: name}
	}
	if err := core.Remove(name); err != nil {
		return errors.Wrapf(err, "detaching %q", name)
	}
	zap.L().Sugar().Named("bdev").Infof("detached %q", name)
	return nil
}
