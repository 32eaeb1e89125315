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

package pool

import (
	"sync"

	"github.com/containers/gpumem/pkg/bo"
)

// Freelist keeps released slab-sized backing objects of a family of pools
// for reuse by the next pool of the family. It is safe for concurrent use.
type Freelist struct {
	sync.Mutex
	slabSize uint64
	flags    bo.Flags
	free     []*bo.BufferObject
	closed   bool
}

// NewFreelist creates a freelist for slabs of the given size and flags.
func NewFreelist(slabSize uint64, flags bo.Flags) *Freelist {
	return &Freelist{
		slabSize: slabSize,
		flags:    flags,
	}
}

// SlabSize returns the size of objects kept in the freelist.
func (f *Freelist) SlabSize() uint64 {
	return f.slabSize
}

// Flags returns the flags of objects kept in the freelist.
func (f *Freelist) Flags() bo.Flags {
	return f.flags
}

// Push puts an object in the freelist, taking over the caller's reference.
// Objects of the wrong size or flags, and objects pushed after Close, are
// released instead.
func (f *Freelist) Push(o *bo.BufferObject) {
	f.Lock()
	defer f.Unlock()

	if f.closed || o.Size() != f.slabSize || o.Flags() != f.flags {
		details.Debug("freelist: releasing %s instead of keeping it", o)
		o.Unref()
		return
	}

	f.free = append(f.free, o)
}

// Pop takes the most recently pushed object out of the freelist, or
// returns nil if the freelist is empty.
func (f *Freelist) Pop() *bo.BufferObject {
	f.Lock()
	defer f.Unlock()

	n := len(f.free)
	if n == 0 {
		return nil
	}

	o := f.free[n-1]
	f.free[n-1] = nil
	f.free = f.free[:n-1]

	return o
}

// Len returns the number of objects in the freelist.
func (f *Freelist) Len() int {
	f.Lock()
	defer f.Unlock()
	return len(f.free)
}

// Trim releases all but the keep most recently pushed objects.
func (f *Freelist) Trim(keep int) int {
	f.Lock()
	defer f.Unlock()

	keep = max(keep, 0)
	drop := len(f.free) - keep
	if drop <= 0 {
		return 0
	}

	for _, o := range f.free[:drop] {
		o.Unref()
	}
	f.free = append(f.free[:0], f.free[drop:]...)
	clear(f.free[len(f.free):cap(f.free)])

	log.Debug("trimmed %d objects from freelist", drop)

	return drop
}

// Close releases every object in the freelist. Objects pushed after Close
// are released immediately.
func (f *Freelist) Close() {
	f.Lock()
	defer f.Unlock()

	for _, o := range f.free {
		o.Unref()
	}
	f.free = nil
	f.closed = true
}
