// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package bo

import (
	"fmt"
	"strings"

	"github.com/containers/gpumem/pkg/kmd"
)

// Flags are the immutable creation-time properties of a BufferObject.
type Flags uint32

const (
	// Executable objects may hold shader code.
	Executable Flags = 1 << iota
	// Growable objects are backed lazily, on GPU page faults. They
	// must also be Invisible.
	Growable
	// Invisible objects are GPU-only and never mapped into the process.
	Invisible
	// Shareable objects may cross process boundaries. They are never cached.
	Shareable
	// DeferMap objects are mapped on the first call to Map.
	DeferMap

	allFlags = Executable | Growable | Invisible | Shareable | DeferMap
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Executable, "executable"},
	{Growable, "growable"},
	{Invisible, "invisible"},
	{Shareable, "shareable"},
	{DeferMap, "defer-map"},
}

// Validate checks that the flags form a valid combination.
func (f Flags) Validate() error {
	if f&^allFlags != 0 {
		return fmt.Errorf("%w: unknown flags %#x", ErrInvalidFlags, uint32(f&^allFlags))
	}
	if f&Growable != 0 && f&Invisible == 0 {
		return fmt.Errorf("%w: growable objects must be invisible", ErrInvalidFlags)
	}
	return nil
}

// String returns a string representation of the flags.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
			f &^= n.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}

	return strings.Join(names, "|")
}

// kernel returns the flags to create the kernel object with.
func (f Flags) kernel() kmd.Flags {
	var k kmd.Flags
	if f&Executable != 0 {
		k |= kmd.Executable
	}
	if f&Growable != 0 {
		k |= kmd.Growable
	}
	if f&Invisible != 0 {
		k |= kmd.NoMmap
	}
	if f&Shareable != 0 {
		k |= kmd.Shareable
	}
	return k
}

// cacheKey returns the flags two objects must share to be interchangeable.
func (f Flags) cacheKey() Flags {
	return f &^ DeferMap
}
