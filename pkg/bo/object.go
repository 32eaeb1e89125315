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
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containers/gpumem/pkg/kmd"
)

// Access is a bitmask of pending GPU access to an object.
type Access uint32

const (
	// AccessRead marks pending GPU reads.
	AccessRead Access = 1 << iota
	// AccessWrite marks pending GPU writes.
	AccessWrite

	// AccessRW marks both pending reads and writes.
	AccessRW = AccessRead | AccessWrite
)

// BufferObject is the userspace handle of a single kernel memory object.
// It is reference counted: the last Unref returns it to the device cache
// or destroys the kernel object.
type BufferObject struct {
	dev      *Device
	handle   kmd.Handle
	size     uint64
	gpuAddr  uint64
	flags    Flags
	shared   bool
	exported atomic.Bool
	refs     atomic.Int32
	access   atomic.Uint32

	mu    sync.Mutex
	cpu   []byte
	label atomic.Pointer[string]

	// owned by the cache, protected by its lock
	lastUsed time.Time
	bucket   *list.Element
}

// Handle returns the kernel handle of the object.
func (o *BufferObject) Handle() kmd.Handle {
	return o.handle
}

// Size returns the size of the object. It is a multiple of the page size
// for objects created by this process.
func (o *BufferObject) Size() uint64 {
	return o.size
}

// GPUAddr returns the device virtual address of the object.
func (o *BufferObject) GPUAddr() uint64 {
	return o.gpuAddr
}

// Flags returns the creation flags of the object.
func (o *BufferObject) Flags() Flags {
	return o.flags
}

// CPU returns the process mapping of the object, or nil if the object is
// invisible or its mapping has been deferred.
func (o *BufferObject) CPU() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cpu
}

// Label returns the debug label of the object.
func (o *BufferObject) Label() string {
	if l := o.label.Load(); l != nil {
		return *l
	}
	return ""
}

// SetLabel updates the debug label of the object.
func (o *BufferObject) SetLabel(label string) {
	o.label.Store(&label)
}

// RefCount returns the current number of references to the object.
func (o *BufferObject) RefCount() int {
	return int(o.refs.Load())
}

// IsShared returns true if the object crosses process boundaries, either
// because it was imported or because it has been exported.
func (o *BufferObject) IsShared() bool {
	return o.shared || o.exported.Load()
}

// Ref takes a new reference to the object. Taking a reference to an
// object which has already been released is a programmer error and
// causes a panic.
func (o *BufferObject) Ref() *BufferObject {
	for {
		refs := o.refs.Load()
		if refs <= 0 {
			log.Panic("%s: reference to released object", o)
		}
		if o.refs.CompareAndSwap(refs, refs+1) {
			return o
		}
	}
}

// Unref drops a reference to the object. Dropping the last reference
// unmaps the object and either returns it to the device cache or destroys
// it.
func (o *BufferObject) Unref() {
	for {
		refs := o.refs.Load()
		if refs <= 0 {
			log.Panic("%s: unreference of released object", o)
		}
		if refs == 1 {
			break
		}
		if o.refs.CompareAndSwap(refs, refs-1) {
			return
		}
	}

	// The final transition to zero happens under the registry lock, so
	// a concurrent Import of the same handle either sees a live object
	// or no object at all.
	o.dev.reg.Lock()
	defer o.dev.reg.Unlock()

	if o.refs.Add(-1) != 0 {
		return
	}

	o.dev.reg.remove(o)
	o.dev.release(o)
}

// MarkAccess records pending GPU access to the object.
func (o *BufferObject) MarkAccess(access Access) {
	for {
		old := o.access.Load()
		if o.access.CompareAndSwap(old, old|uint32(access)) {
			return
		}
	}
}

func (o *BufferObject) clearAccess(access Access) {
	for {
		old := o.access.Load()
		if o.access.CompareAndSwap(old, old&^uint32(access)) {
			return
		}
	}
}

// Wait waits up to timeout for pending GPU access to the object to finish.
// If readers is false, only pending writes are waited for. Wait returns
// false, without an error, if the object is still busy when the timeout
// expires. Use kmd.Infinite to wait without a timeout.
func (o *BufferObject) Wait(timeout time.Duration, readers bool) (bool, error) {
	if !o.IsShared() {
		access := Access(o.access.Load())
		if access == 0 || (!readers && access&AccessWrite == 0) {
			return true, nil
		}
	}

	idle, err := o.dev.t.Wait(o.handle, timeout, !readers)
	if err != nil {
		return false, fmt.Errorf("failed to wait for %s: %w", o, err)
	}
	if !idle {
		return false, nil
	}

	if readers {
		o.access.Store(0)
	} else {
		o.clearAccess(AccessWrite)
	}

	return true, nil
}

// Map maps the object into the process, unless it is already mapped, and
// returns the mapping.
func (o *BufferObject) Map() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.mapLocked()
}

func (o *BufferObject) mapLocked() ([]byte, error) {
	if o.cpu != nil {
		return o.cpu, nil
	}
	if o.flags&Invisible != 0 {
		return nil, fmt.Errorf("%w: %s is invisible", ErrNotMappable, o)
	}

	mem, err := o.dev.t.Mmap(o.handle, o.size)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", o, err)
	}
	o.cpu = mem

	return mem, nil
}

// unmap removes the process mapping of the object, if any.
func (o *BufferObject) unmap() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cpu == nil {
		return nil
	}
	if err := o.dev.t.Munmap(o.cpu); err != nil {
		return fmt.Errorf("failed to unmap %s: %w", o, err)
	}
	o.cpu = nil

	return nil
}

// Export returns a file descriptor which shares the object with other
// processes. Exported objects are never returned to the cache.
func (o *BufferObject) Export() (int, error) {
	o.exported.Store(true)

	fd, err := o.dev.t.Export(o.handle)
	if err != nil {
		return -1, fmt.Errorf("failed to export %s: %w", o, err)
	}

	log.Debug("exported %s as fd %d", o, fd)

	return fd, nil
}

// ProtectGuard revokes all access to the given range of the process
// mapping of the object, if the transport supports it. The range must be
// page aligned. It returns false if guarding is not supported.
func (o *BufferObject) ProtectGuard(offset, size uint64) (bool, error) {
	gp, ok := o.dev.t.(kmd.GuardProtector)
	if !ok {
		return false, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cpu == nil {
		return false, fmt.Errorf("%w: %s is not mapped", ErrNotMappable, o)
	}
	if offset+size > uint64(len(o.cpu)) {
		return false, fmt.Errorf("%w: guard %d+%d beyond %s", ErrInvalidSize, offset, size, o)
	}
	if err := gp.ProtectGuard(o.cpu[offset : offset+size]); err != nil {
		return false, fmt.Errorf("failed to protect guard of %s: %w", o, err)
	}

	return true, nil
}

// String returns a string representation of the object.
func (o *BufferObject) String() string {
	if o == nil {
		return "<nil BO>"
	}
	label := o.Label()
	if label == "" {
		return fmt.Sprintf("BO%s(%d bytes)", o.handle, o.size)
	}
	return fmt.Sprintf("BO%s<%s>(%d bytes)", o.handle, label, o.size)
}
