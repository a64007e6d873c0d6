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

	"github.com/quillstor/quillstor/pkg/core"
)

func init() {
	Register("nvme", &nvmeAttacher{})
}

// TraddrLen is the fixed capacity of the transport address field,
// including the terminating NUL required by the wire format.
const TraddrLen = 257

// TransportID identifies an NVMe controller by transport address.
type TransportID struct {
	traddr [TraddrLen]byte
	n      int
}

// SetTraddr copies addr into the fixed-capacity address field. Addresses
// that do not fit (leaving room for the terminating NUL) are rejected
// rather than truncated.
func (t *TransportID) SetTraddr(addr string) error {
	if len(addr) >= TraddrLen {
		return &core.Error{
			Kind: core.KindInvalidParam,
			Op:   "attach",
			Name: addr,
			Msg:  "transport address exceeds field capacity",
		}
	}
	for i := range t.traddr {
		t.traddr[i] = 0
	}
	copy(t.traddr[:], addr)
	t.n = len(addr)
	return nil
}

// Traddr returns the stored transport address.
func (t *TransportID) Traddr() string {
	return string(t.traddr[:t.n])
}

type nvmeAttacher struct{}

func (a *nvmeAttacher) Attach(ctx context.Context, u *stdurl.URL) (string, error) {
	var tid TransportID
	if err := tid.SetTraddr(u.Host); err != nil {
		return "", err
	}
	// Controller probing needs a platform driver; none is wired in yet.
	return "", &core.Error{
		Kind: core.KindInvalidParam,
		Op:   "attach",
		Name: tid.Traddr(),
		Msg:  "no platform nvme driver available",
	}
}
