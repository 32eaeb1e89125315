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

// Package fake implements an in-process kmd.Transport for tests. It keeps
// object storage on the Go heap, records every call in a journal, and
// lets tests inject allocation failures, pending GPU access, and kernel
// reclaim of evictable objects.
package fake

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/containers/gpumem/pkg/kmd"
)

// Op names recorded in the call journal.
const (
	OpCreate          = "create"
	OpCreateFailed    = "create-failed"
	OpDestroy         = "destroy"
	OpBind            = "bind"
	OpUnbind          = "unbind"
	OpMmap            = "mmap"
	OpMunmap          = "munmap"
	OpImport          = "import"
	OpExport          = "export"
	OpWait            = "wait"
	OpMarkEvictable   = "mark-evictable"
	OpMarkUnevictable = "mark-unevictable"
	OpProtectGuard    = "protect-guard"
)

const (
	defaultPageSize = 4096
	vaBase          = uint64(1) << 32
)

// Call is a single recorded transport call.
type Call struct {
	Op     string
	Handle kmd.Handle
	Size   uint64
}

// Transport is a fake kernel memory transport.
type Transport struct {
	mu         sync.Mutex
	pageSize   uint64
	capacity   uint64
	used       uint64
	next       kmd.Handle
	nextFd     int
	nextVA     uint64
	objects    map[kmd.Handle]*object
	fds        map[int]kmd.Handle
	bindings   map[uint64]kmd.Handle
	mappings   map[uintptr]kmd.Handle
	calls      []Call
	failCreate int
	violations []string
	guards     int
}

type object struct {
	handle    kmd.Handle
	size      uint64
	flags     kmd.Flags
	storage   []byte
	mem       []byte
	maps      int
	bound     int
	readBusy  bool
	writeBusy bool
	evictable bool
	reclaimed bool
	foreign   bool
}

var _ kmd.Transport = &Transport{}
var _ kmd.GuardProtector = &Transport{}

// Option is an option for a fake Transport.
type Option func(*Transport)

// WithPageSize sets the page size used to align mappings and addresses.
func WithPageSize(size uint64) Option {
	return func(t *Transport) {
		t.pageSize = size
	}
}

// WithCapacity limits the total size of live objects.
func WithCapacity(bytes uint64) Option {
	return func(t *Transport) {
		t.capacity = bytes
	}
}

// New creates a new fake transport.
func New(options ...Option) *Transport {
	t := &Transport{
		pageSize: defaultPageSize,
		next:     1,
		nextFd:   100,
		nextVA:   vaBase,
		objects:  make(map[kmd.Handle]*object),
		fds:      make(map[int]kmd.Handle),
		bindings: make(map[uint64]kmd.Handle),
		mappings: make(map[uintptr]kmd.Handle),
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// Create implements kmd.Transport.
func (t *Transport) Create(size uint64, flags kmd.Flags) (kmd.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failCreate > 0 {
		t.failCreate--
		t.record(OpCreateFailed, 0, size)
		return 0, kmd.ErrNoMem
	}
	if t.capacity != 0 && t.used+size > t.capacity {
		t.record(OpCreateFailed, 0, size)
		return 0, kmd.ErrNoMem
	}

	o := t.newObject(size, flags)
	t.record(OpCreate, o.handle, size)

	return o.handle, nil
}

func (t *Transport) newObject(size uint64, flags kmd.Flags) *object {
	o := &object{
		handle: t.next,
		size:   size,
		flags:  flags,
	}
	t.next++
	t.objects[o.handle] = o
	t.used += size
	return o
}

// Destroy implements kmd.Transport.
func (t *Transport) Destroy(h kmd.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objects[h]
	if !ok {
		t.violation("destroy of unknown object %s", h)
		return fmt.Errorf("%w: %s", kmd.ErrNoHandle, h)
	}
	if o.maps > 0 {
		t.violation("destroy of mapped object %s", h)
	}
	if o.bound > 0 {
		t.violation("destroy of bound object %s", h)
	}

	delete(t.objects, h)
	t.used -= o.size
	t.record(OpDestroy, h, o.size)

	return nil
}

// Bind implements kmd.Transport.
func (t *Transport) Bind(h kmd.Handle, size uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objects[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", kmd.ErrNoHandle, h)
	}

	addr := t.nextVA
	t.nextVA += t.roundUp(size) + t.pageSize
	t.bindings[addr] = h
	o.bound++
	t.record(OpBind, h, size)

	return addr, nil
}

// Unbind implements kmd.Transport.
func (t *Transport) Unbind(addr, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.bindings[addr]
	if !ok {
		t.violation("unbind of unknown address %#x", addr)
		return fmt.Errorf("fake: no binding at %#x", addr)
	}
	delete(t.bindings, addr)
	if o, ok := t.objects[h]; ok {
		o.bound--
	}
	t.record(OpUnbind, h, size)

	return nil
}

// Mmap implements kmd.Transport.
func (t *Transport) Mmap(h kmd.Handle, size uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objects[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kmd.ErrNoHandle, h)
	}
	if o.flags&kmd.NoMmap != 0 {
		return nil, fmt.Errorf("%w: %s", kmd.ErrNotMappable, h)
	}
	if size > o.size {
		return nil, fmt.Errorf("fake: mapping %d bytes of %d byte object %s", size, o.size, h)
	}

	if o.mem == nil {
		// over-allocate to hand out page-aligned memory
		o.storage = make([]byte, o.size+t.pageSize)
		base := uintptr(unsafe.Pointer(&o.storage[0]))
		skip := (t.pageSize - uint64(base)%t.pageSize) % t.pageSize
		o.mem = o.storage[skip : skip+o.size : skip+o.size]
	}

	mem := o.mem[:size:size]
	t.mappings[addressOf(mem)] = h
	o.maps++
	t.record(OpMmap, h, size)

	return mem, nil
}

// Munmap implements kmd.Transport.
func (t *Transport) Munmap(mem []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(mem) == 0 {
		return fmt.Errorf("fake: munmap of empty mapping")
	}

	addr := addressOf(mem)
	h, ok := t.mappings[addr]
	if !ok {
		t.violation("munmap of unknown mapping %#x", addr)
		return fmt.Errorf("fake: no mapping at %#x", addr)
	}
	if o, ok := t.objects[h]; ok {
		o.maps--
		if o.maps == 0 {
			delete(t.mappings, addr)
		}
	}
	t.record(OpMunmap, h, uint64(len(mem)))

	return nil
}

// Import implements kmd.Transport.
func (t *Transport) Import(fd int) (kmd.Handle, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.fds[fd]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", kmd.ErrBadFd, fd)
	}
	o, ok := t.objects[h]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s (fd %d)", kmd.ErrNoHandle, h, fd)
	}
	t.record(OpImport, h, o.size)

	return h, o.size, nil
}

// Export implements kmd.Transport.
func (t *Transport) Export(h kmd.Handle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.objects[h]; !ok {
		return -1, fmt.Errorf("%w: %s", kmd.ErrNoHandle, h)
	}
	fd := t.nextFd
	t.nextFd++
	t.fds[fd] = h
	t.record(OpExport, h, 0)

	return fd, nil
}

// Wait implements kmd.Transport. An infinite wait always succeeds and
// completes all pending access, as if the GPU finished its work.
func (t *Transport) Wait(h kmd.Handle, timeout time.Duration, writeOnly bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objects[h]
	if !ok {
		return false, fmt.Errorf("%w: %s", kmd.ErrNoHandle, h)
	}
	t.record(OpWait, h, 0)

	busy := o.writeBusy || (!writeOnly && o.readBusy)
	if !busy {
		return true, nil
	}
	if timeout == kmd.Infinite {
		o.readBusy, o.writeBusy = false, false
		return true, nil
	}

	return false, nil
}

// MarkEvictable implements kmd.Transport.
func (t *Transport) MarkEvictable(h kmd.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objects[h]
	if !ok {
		return fmt.Errorf("%w: %s", kmd.ErrNoHandle, h)
	}
	o.evictable = true
	t.record(OpMarkEvictable, h, 0)

	return nil
}

// MarkUnevictable implements kmd.Transport.
func (t *Transport) MarkUnevictable(h kmd.Handle) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objects[h]
	if !ok {
		return false, fmt.Errorf("%w: %s", kmd.ErrNoHandle, h)
	}
	o.evictable = false
	t.record(OpMarkUnevictable, h, 0)

	return !o.reclaimed, nil
}

// ProtectGuard implements kmd.GuardProtector.
func (t *Transport) ProtectGuard(mem []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(mem) == 0 || uint64(addressOf(mem))%t.pageSize != 0 {
		return fmt.Errorf("fake: guard range not page aligned")
	}
	t.guards++
	t.record(OpProtectGuard, 0, uint64(len(mem)))

	return nil
}

// FailNextCreates makes the next n Create calls fail with kmd.ErrNoMem.
func (t *Transport) FailNextCreates(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failCreate = n
}

// SetCapacity changes the limit on the total size of live objects.
// Zero means unlimited.
func (t *Transport) SetCapacity(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacity = bytes
}

// SetBusy marks pending GPU reads and writes of an object.
func (t *Transport) SetBusy(h kmd.Handle, read, write bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.objects[h]; ok {
		o.readBusy, o.writeBusy = read, write
	}
}

// Reclaim simulates the kernel reclaiming the pages of every object
// currently marked evictable. It returns the number of objects reclaimed.
func (t *Transport) Reclaim() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cnt := 0
	for _, o := range t.objects {
		if o.evictable && !o.reclaimed {
			o.reclaimed = true
			cnt++
		}
	}
	return cnt
}

// AddForeign creates an object as if another process created and
// exported it, returning the file descriptor it was shared with.
func (t *Transport) AddForeign(size uint64, flags kmd.Flags) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.newObject(size, flags|kmd.Shareable)
	o.foreign = true
	fd := t.nextFd
	t.nextFd++
	t.fds[fd] = o.handle

	return fd
}

// Calls returns a copy of the call journal.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Ops returns the operation names in the call journal, in call order.
func (t *Transport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.calls))
	for _, c := range t.calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// Count returns the number of recorded calls of the given operation.
func (t *Transport) Count(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cnt := 0
	for _, c := range t.calls {
		if c.Op == op {
			cnt++
		}
	}
	return cnt
}

// ClearCalls empties the call journal.
func (t *Transport) ClearCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// Live returns the number of live objects, excluding foreign ones.
func (t *Transport) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cnt := 0
	for _, o := range t.objects {
		if !o.foreign {
			cnt++
		}
	}
	return cnt
}

// Exists returns true if the object is alive.
func (t *Transport) Exists(h kmd.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.objects[h]
	return ok
}

// Mapped returns true if the object has any mappings.
func (t *Transport) Mapped(h kmd.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[h]
	return ok && o.maps > 0
}

// Evictable returns true if the object is marked evictable.
func (t *Transport) Evictable(h kmd.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[h]
	return ok && o.evictable
}

// Guards returns the number of guard ranges protected.
func (t *Transport) Guards() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.guards
}

// Violations returns the detected misuses of the transport, such as
// destroying an object twice or while it is still mapped.
func (t *Transport) Violations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.violations...)
}

func (t *Transport) record(op string, h kmd.Handle, size uint64) {
	t.calls = append(t.calls, Call{Op: op, Handle: h, Size: size})
}

func (t *Transport) violation(format string, args ...interface{}) {
	t.violations = append(t.violations, fmt.Sprintf(format, args...))
}

func (t *Transport) roundUp(size uint64) uint64 {
	return (size + t.pageSize - 1) &^ (t.pageSize - 1)
}

func addressOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
}
