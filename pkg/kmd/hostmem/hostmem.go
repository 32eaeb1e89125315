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

//go:build linux

// Package hostmem implements kmd.Transport on top of anonymous shared
// memory files. Every object is a memfd, so objects can be mapped,
// shared with other processes by file descriptor, and reclaimed by
// punching holes into them. Device addresses are assigned from a
// simulated address space.
package hostmem

import (
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/containers/gpumem/pkg/kmd"
	logger "github.com/containers/gpumem/pkg/log"
)

const (
	vaBase   = uint64(1) << 32
	memfdTag = "gpumem-bo"
)

var (
	log = logger.Get("hostmem")
)

// Transport is a host memory backed kernel memory transport.
type Transport struct {
	sync.Mutex
	pageSize uint64
	next     kmd.Handle
	nextVA   uint64
	objects  map[kmd.Handle]*object
	files    map[fileID]kmd.Handle
	bindings map[uint64]kmd.Handle
}

type object struct {
	handle    kmd.Handle
	fd        int
	id        fileID
	size      uint64
	flags     kmd.Flags
	evictable bool
	purged    bool
}

type fileID struct {
	dev uint64
	ino uint64
}

var _ kmd.Transport = &Transport{}
var _ kmd.GuardProtector = &Transport{}

// New creates a new host memory transport.
func New() *Transport {
	return &Transport{
		pageSize: uint64(os.Getpagesize()),
		next:     1,
		nextVA:   vaBase,
		objects:  make(map[kmd.Handle]*object),
		files:    make(map[fileID]kmd.Handle),
		bindings: make(map[uint64]kmd.Handle),
	}
}

// Create implements kmd.Transport.
func (t *Transport) Create(size uint64, flags kmd.Flags) (kmd.Handle, error) {
	fd, err := unix.MemfdCreate(memfdTag, unix.MFD_CLOEXEC)
	if err != nil {
		return 0, errnoError(err, "failed to create memfd")
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return 0, errnoError(err, "failed to size memfd to %d bytes", size)
	}

	id, _, err := stat(fd)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}

	t.Lock()
	defer t.Unlock()

	o := t.add(fd, id, size, flags)
	log.Debug("created object %s (fd %d, %d bytes, %s)", o.handle, fd, size, flags)

	return o.handle, nil
}

func (t *Transport) add(fd int, id fileID, size uint64, flags kmd.Flags) *object {
	o := &object{
		handle: t.next,
		fd:     fd,
		id:     id,
		size:   size,
		flags:  flags,
	}
	t.next++
	t.objects[o.handle] = o
	t.files[id] = o.handle
	return o
}

// Destroy implements kmd.Transport.
func (t *Transport) Destroy(h kmd.Handle) error {
	t.Lock()
	defer t.Unlock()

	o, err := t.lookup(h)
	if err != nil {
		return err
	}

	delete(t.objects, h)
	delete(t.files, o.id)

	if err := unix.Close(o.fd); err != nil {
		return errors.Wrapf(err, "hostmem: failed to close object %s", h)
	}

	return nil
}

// Bind implements kmd.Transport.
func (t *Transport) Bind(h kmd.Handle, size uint64) (uint64, error) {
	t.Lock()
	defer t.Unlock()

	if _, err := t.lookup(h); err != nil {
		return 0, err
	}

	addr := t.nextVA
	t.nextVA += (size+t.pageSize-1)&^(t.pageSize-1) + t.pageSize
	t.bindings[addr] = h

	return addr, nil
}

// Unbind implements kmd.Transport.
func (t *Transport) Unbind(addr, size uint64) error {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.bindings[addr]; !ok {
		return errors.Errorf("hostmem: no binding at %#x", addr)
	}
	delete(t.bindings, addr)

	return nil
}

// Mmap implements kmd.Transport.
func (t *Transport) Mmap(h kmd.Handle, size uint64) ([]byte, error) {
	t.Lock()
	o, err := t.lookup(h)
	t.Unlock()

	if err != nil {
		return nil, err
	}
	if o.flags&kmd.NoMmap != 0 {
		return nil, errors.Wrapf(kmd.ErrNotMappable, "hostmem: object %s", h)
	}

	mem, err := unix.Mmap(o.fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errnoError(err, "failed to map object %s", h)
	}

	return mem, nil
}

// Munmap implements kmd.Transport.
func (t *Transport) Munmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return errors.Wrap(err, "hostmem: failed to unmap")
	}
	return nil
}

// Import implements kmd.Transport. Importing a file already known to the
// transport returns the existing handle.
func (t *Transport) Import(fd int) (kmd.Handle, uint64, error) {
	id, size, err := stat(fd)
	if err != nil {
		return 0, 0, errors.Wrapf(kmd.ErrBadFd, "hostmem: fd %d: %v", fd, err)
	}

	t.Lock()
	defer t.Unlock()

	if h, ok := t.files[id]; ok {
		return h, t.objects[h].size, nil
	}

	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "hostmem: failed to duplicate fd %d", fd)
	}

	o := t.add(dup, id, size, kmd.Shareable)
	log.Debug("imported object %s (fd %d, %d bytes)", o.handle, fd, size)

	return o.handle, size, nil
}

// Export implements kmd.Transport.
func (t *Transport) Export(h kmd.Handle) (int, error) {
	t.Lock()
	defer t.Unlock()

	o, err := t.lookup(h)
	if err != nil {
		return -1, err
	}

	fd, err := unix.FcntlInt(uintptr(o.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "hostmem: failed to export object %s", h)
	}

	return fd, nil
}

// Wait implements kmd.Transport. Host memory is never busy.
func (t *Transport) Wait(h kmd.Handle, _ time.Duration, _ bool) (bool, error) {
	t.Lock()
	defer t.Unlock()

	if _, err := t.lookup(h); err != nil {
		return false, err
	}
	return true, nil
}

// MarkEvictable implements kmd.Transport.
func (t *Transport) MarkEvictable(h kmd.Handle) error {
	t.Lock()
	defer t.Unlock()

	o, err := t.lookup(h)
	if err != nil {
		return err
	}
	o.evictable = true

	return nil
}

// MarkUnevictable implements kmd.Transport.
func (t *Transport) MarkUnevictable(h kmd.Handle) (bool, error) {
	t.Lock()
	defer t.Unlock()

	o, err := t.lookup(h)
	if err != nil {
		return false, err
	}
	o.evictable = false

	return !o.purged, nil
}

// Reclaim releases the pages of all objects marked evictable, the way
// the kernel does under memory pressure. It returns the number of bytes
// released.
func (t *Transport) Reclaim() (uint64, error) {
	t.Lock()
	defer t.Unlock()

	var released uint64
	for _, o := range t.objects {
		if !o.evictable || o.purged {
			continue
		}
		err := unix.Fallocate(o.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, 0, int64(o.size))
		if err != nil {
			return released, errors.Wrapf(err, "hostmem: failed to reclaim object %s", o.handle)
		}
		o.purged = true
		released += o.size
	}

	if released > 0 {
		log.Info("reclaimed %d bytes of evictable memory", released)
	}

	return released, nil
}

// ProtectGuard implements kmd.GuardProtector.
func (t *Transport) ProtectGuard(mem []byte) error {
	if err := unix.Mprotect(mem, unix.PROT_NONE); err != nil {
		return errors.Wrapf(err, "hostmem: failed to protect guard at %p",
			unsafe.Pointer(unsafe.SliceData(mem)))
	}
	return nil
}

// Close releases all objects still alive.
func (t *Transport) Close() error {
	t.Lock()
	defer t.Unlock()

	for h, o := range t.objects {
		unix.Close(o.fd)
		delete(t.objects, h)
	}
	t.files = make(map[fileID]kmd.Handle)
	t.bindings = make(map[uint64]kmd.Handle)

	return nil
}

func (t *Transport) lookup(h kmd.Handle) (*object, error) {
	o, ok := t.objects[h]
	if !ok {
		return nil, errors.Wrapf(kmd.ErrNoHandle, "hostmem: object %s", h)
	}
	return o, nil
}

func stat(fd int) (fileID, uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fileID{}, 0, errors.Wrapf(err, "hostmem: failed to stat fd %d", fd)
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, uint64(st.Size), nil
}

func errnoError(err error, format string, args ...interface{}) error {
	if err == unix.ENOMEM || err == unix.ENOSPC || err == unix.EMFILE {
		err = kmd.ErrNoMem
	}
	return errors.Wrapf(err, "hostmem: "+format, args...)
}
