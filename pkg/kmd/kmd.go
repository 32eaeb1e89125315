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

// Package kmd defines the interface of the kernel-mode driver memory
// transport consumed by the buffer object layer.
//
// A Transport creates and destroys kernel memory objects, binds them
// into the device virtual address space, maps them into the process,
// shares them with other processes by file descriptor, and waits for
// GPU access to them to finish.
package kmd

import (
	"fmt"
	"strings"
	"time"
)

// Handle identifies a kernel memory object. It is unique among live
// objects of a transport.
type Handle uint32

// Flags are creation-time properties of a kernel memory object.
type Flags uint32

const (
	// Executable objects may contain shader code.
	Executable Flags = 1 << iota
	// Growable objects are lazily backed and grow on GPU page faults.
	Growable
	// NoMmap objects can never be mapped into the process.
	NoMmap
	// Shareable objects may be exported to other processes.
	Shareable
)

// Infinite is the timeout for waiting without a deadline.
const Infinite time.Duration = -1

var (
	// ErrNoMem is returned when the kernel cannot satisfy an allocation.
	ErrNoMem = fmt.Errorf("kmd: out of memory")
	// ErrNoHandle is returned for unknown or stale object handles.
	ErrNoHandle = fmt.Errorf("kmd: no such object")
	// ErrNotMappable is returned when mapping an object created NoMmap.
	ErrNotMappable = fmt.Errorf("kmd: object is not mappable")
	// ErrBadFd is returned when importing an invalid file descriptor.
	ErrBadFd = fmt.Errorf("kmd: bad file descriptor")
)

// Transport is the kernel memory object interface.
type Transport interface {
	// Create creates a kernel object of the given size and flags.
	Create(size uint64, flags Flags) (Handle, error)
	// Destroy destroys a kernel object. It must be called once per object.
	Destroy(h Handle) error
	// Bind binds an object into the GPU address space, returning its address.
	Bind(h Handle, size uint64) (uint64, error)
	// Unbind releases a GPU address range assigned by Bind.
	Unbind(addr, size uint64) error
	// Mmap maps an object into the process.
	Mmap(h Handle, size uint64) ([]byte, error)
	// Munmap removes a mapping created by Mmap.
	Munmap(mem []byte) error
	// Import returns the handle and size of an object shared by fd.
	Import(fd int) (Handle, uint64, error)
	// Export returns a file descriptor sharing the given object.
	Export(h Handle) (int, error)
	// Wait waits for GPU access to the object to finish, up to timeout.
	// If writeOnly is true, only pending writes are waited for. Wait
	// returns false, without error, if the object is still busy.
	Wait(h Handle, timeout time.Duration, writeOnly bool) (bool, error)
	// MarkEvictable tells the kernel that the object's pages can be reclaimed.
	MarkEvictable(h Handle) error
	// MarkUnevictable reverses MarkEvictable. It returns false if the
	// kernel has already reclaimed the pages, in which case the object
	// must be destroyed instead of reused.
	MarkUnevictable(h Handle) (bool, error)
}

// GuardProtector is implemented by transports which can make part of a
// mapping inaccessible.
type GuardProtector interface {
	// ProtectGuard revokes all access to the given part of a mapping.
	ProtectGuard(mem []byte) error
}

// String returns a string representation of the flags.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for _, bit := range []struct {
		flag Flags
		name string
	}{
		{Executable, "executable"},
		{Growable, "growable"},
		{NoMmap, "nommap"},
		{Shareable, "shareable"},
	} {
		if f&bit.flag != 0 {
			names = append(names, bit.name)
			f &^= bit.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}

	return strings.Join(names, "|")
}

// String returns a string representation of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("#%d", uint32(h))
}
