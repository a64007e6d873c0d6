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
	"strconv"
	"strings"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"

	"github.com/quillstor/quillstor/pkg/core"
	"github.com/quillstor/quillstor/pkg/driver"
)

func init() {
	Register("malloc", &mallocAttacher{})
	Register("null", &nullAttacher{})
}

// deviceName extracts the device name from a URI of the form
// scheme:///name or scheme://name.
func deviceName(u *stdurl.URL) (string, error) {
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		name = u.Host
	}
	if name == "" {
		return "", errors.Errorf("uri %q names no device", u.String())
	}
	return name, nil
}

func sizeParam(u *stdurl.URL, key string, def int64) (int64, error) {
	raw := u.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := units.ParseStrictBytes(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s=%q", key, raw)
	}
	return n, nil
}

// mallocAttacher handles malloc:///name?size=64MiB&blk=4096&align=512.
type mallocAttacher struct{}

func (a *mallocAttacher) Attach(ctx context.Context, u *stdurl.URL) (string, error) {
	name, err := deviceName(u)
	if err != nil {
		return "", err
	}
	size, err := sizeParam(u, "size", 64*int64(units.MiB))
	if err != nil {
		return "", err
	}
	blk, err := sizeParam(u, "blk", 4096)
	if err != nil {
		return "", err
	}
	align, err := sizeParam(u, "align", 512)
	if err != nil {
		return "", err
	}
	dev, err := driver.NewMalloc(driver.MallocConfig{
		Name:      name,
		Size:      size,
		BlockSize: uint32(blk),
		Alignment: uint64(align),
	})
	if err != nil {
		return "", err
	}
	if err := core.Register(core.NewBdev(dev)); err != nil {
		dev.Destroy()
		return "", err
	}
	return name, nil
}

// nullAttacher handles null:///name?blocks=16384&blk=4096.
type nullAttacher struct{}

func (a *nullAttacher) Attach(ctx context.Context, u *stdurl.URL) (string, error) {
	name, err := deviceName(u)
	if err != nil {
		return "", err
	}
	blocks := int64(16384)
	if raw := u.Query().Get("blocks"); raw != "" {
		blocks, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", errors.Wrapf(err, "parsing blocks=%q", raw)
		}
	}
	blk, err := sizeParam(u, "blk", 4096)
	if err != nil {
		return "", err
	}
	dev, err := driver.NewNull(name, uint64(blocks), uint32(blk))
	if err != nil {
		return "", err
	}
	if err := core.Register(core.NewBdev(dev)); err != nil {
		dev.Destroy()
		return "", err
	}
	return name, nil
}
