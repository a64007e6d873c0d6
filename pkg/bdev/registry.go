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

package bdev

import (
	"context"
	stdurl "net/url"
	"sort"
	"sync"
)

// Attacher creates and registers a device from a parsed URI. It returns the
// registered device name.
type Attacher interface {
	Attach(ctx context.Context, u *stdurl.URL) (string, error)
}

var (
	attachersMu sync.RWMutex
	attachers   = make(map[string]Attacher)
)

// Register makes an attacher available by the provided URI scheme.
// If Register is called twice with the same scheme or if attacher is nil,
// it panics.
func Register(scheme string, attacher Attacher) {
	attachersMu.Lock()
	defer attachersMu.Unlock()
	if attacher == nil {
		panic("bdev: Register attacher is nil")
	}
	if _, dup := attachers[scheme]; dup {
		panic("bdev: Register called twice for scheme " + scheme)
	}
	attachers[scheme] = attacher
}

// Schemes returns a sorted list of the registered URI schemes.
func Schemes() []string {
	attachersMu.RLock()
	defer attachersMu.RUnlock()
	var list []string
	for scheme := range attachers {
		list = append(list, scheme)
	}
	sort.Strings(list)
	return list
}

func find(scheme string) Attacher {
	attachersMu.RLock()
	defer attachersMu.RUnlock()
	return attachers[scheme]
}
