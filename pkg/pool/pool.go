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

// Package pool implements linear arena allocators on top of buffer
// objects. A Pool hands out aligned sub-ranges of its current backing
// object and acquires a new backing object when the current one is full.
// Released slab-sized backing objects can be recycled through a Freelist
// shared by a family of pools.
package pool

import (
	"fmt"

	cfgapi "github.com/containers/gpumem/pkg/apis/config/v1alpha1"
	"github.com/containers/gpumem/pkg/bo"
	"github.com/containers/gpumem/pkg/kmd"
	"github.com/containers/gpumem/pkg/utils"
)

// MaxAllocSize is the largest size a single allocation may have.
const MaxAllocSize = uint64(1) << 31

// Pool is a linear allocator drawing storage from buffer objects. A pool
// is not safe for concurrent use. In owned mode the pool keeps a reference
// to every backing object it acquires until Reset. In unowned mode it only
// keeps the current backing object and leaves the lifetime of the objects
// to the caller, who can take references using WithBackingNotify.
type Pool struct {
	dev       *bo.Device
	slabSize  uint64
	flags     bo.Flags
	label     string
	freelist  *Freelist
	unowned   bool
	notify    func(*bo.BufferObject)
	overflow  bool
	closed    bool
	backing   *bo.BufferObject
	cursor    uint64
	tracked   []*bo.BufferObject
	oversized []*bo.BufferObject
	stats     Stats
}

// Ptr is a single allocation from a pool.
type Ptr struct {
	// CPU is the process mapping of the allocation, nil for invisible pools.
	CPU []byte
	// GPU is the device virtual address of the allocation.
	GPU uint64
	// BO is the backing object of the allocation.
	BO *bo.BufferObject
	// Offset is the offset of the allocation in its backing object.
	Offset uint64
}

// Stats is a snapshot of pool statistics.
type Stats struct {
	Allocs       uint64
	AllocBytes   uint64
	Backings     uint64
	FreelistHits uint64
	Tracked      int
	Oversized    int
}

// Option is an option for a Pool.
type Option func(*Pool) error

// WithSlabSize sets the standard backing object size of the pool.
func WithSlabSize(size uint64) Option {
	return func(p *Pool) error {
		if size == 0 {
			return fmt.Errorf("%w: zero slab size", ErrInvalidOption)
		}
		p.slabSize = size
		return nil
	}
}

// WithFlags sets the flags of backing objects.
func WithFlags(flags bo.Flags) Option {
	return func(p *Pool) error {
		if err := flags.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOption, err)
		}
		p.flags = flags
		return nil
	}
}

// WithLabel sets the debug label of backing objects.
func WithLabel(label string) Option {
	return func(p *Pool) error {
		p.label = label
		return nil
	}
}

// WithFreelist attaches a freelist to the pool. The freelist must hold
// objects of the pool's slab size and flags.
func WithFreelist(f *Freelist) Option {
	return func(p *Pool) error {
		p.freelist = f
		return nil
	}
}

// Unowned puts the pool in unowned mode.
func Unowned() Option {
	return func(p *Pool) error {
		p.unowned = true
		return nil
	}
}

// WithBackingNotify sets a function to call with every new backing object.
func WithBackingNotify(fn func(*bo.BufferObject)) Option {
	return func(p *Pool) error {
		p.notify = fn
		return nil
	}
}

// WithDebugOverflow turns on debug overflow mode. Every allocation gets a
// dedicated backing object, placed right before an inaccessible guard page.
func WithDebugOverflow(enabled bool) Option {
	return func(p *Pool) error {
		p.overflow = enabled
		return nil
	}
}

// WithConfig applies pool configuration.
func WithConfig(cfg *cfgapi.Pool) Option {
	return func(p *Pool) error {
		if cfg == nil {
			return nil
		}
		if err := WithSlabSize(cfg.GetSlabSize())(p); err != nil {
			return err
		}
		return WithDebugOverflow(cfg.DebugOverflow)(p)
	}
}

// New creates a new pool allocating from the given device.
func New(dev *bo.Device, options ...Option) (*Pool, error) {
	p := &Pool{
		dev:      dev,
		slabSize: cfgapi.DefaultSlabSize,
		label:    "pool",
	}

	for _, o := range options {
		if err := o(p); err != nil {
			return nil, err
		}
	}

	p.slabSize = utils.RoundUp(p.slabSize, dev.PageSize())

	if f := p.freelist; f != nil {
		if f.SlabSize() != p.slabSize || f.Flags() != p.flags {
			return nil, fmt.Errorf("%w: freelist of %d byte %s slabs for pool of %d byte %s slabs",
				ErrInvalidOption, f.SlabSize(), f.Flags(), p.slabSize, p.flags)
		}
		if p.unowned {
			return nil, fmt.Errorf("%w: freelist with unowned pool", ErrInvalidOption)
		}
	}

	if p.overflow && p.flags&bo.Invisible != 0 {
		return nil, fmt.Errorf("%w: debug overflow mode needs visible backing objects",
			ErrInvalidOption)
	}

	return p, nil
}

// Alloc allocates size bytes aligned to alignment. Alignment must be a
// power of two not larger than the device page size, and size must be
// between 1 and MaxAllocSize. Violating these is a programmer error and
// causes a panic. An allocation never straddles two backing objects, and
// allocations from the same backing object have increasing offsets.
func (p *Pool) Alloc(size, alignment uint64) (Ptr, error) {
	if !utils.IsPowerOf2(alignment) || alignment > p.dev.PageSize() {
		log.Panic("%s: invalid alignment %d", p.label, alignment)
	}
	if size == 0 || size > MaxAllocSize {
		log.Panic("%s: invalid allocation size %d", p.label, size)
	}
	if p.closed {
		return Ptr{}, ErrClosed
	}

	if p.overflow {
		return p.allocGuarded(size, alignment)
	}

	offset := utils.RoundUp(p.cursor, alignment)
	if p.backing == nil || offset+size > p.backing.Size() {
		if err := p.acquireBacking(size); err != nil {
			return Ptr{}, err
		}
		offset = 0
	}

	p.cursor = offset + size
	p.stats.Allocs++
	p.stats.AllocBytes += size

	return p.ptr(offset, size), nil
}

// acquireBacking makes a new object of at least size bytes the backing
// object of the pool.
func (p *Pool) acquireBacking(size uint64) error {
	size = utils.RoundUp(max(p.slabSize, size), p.dev.PageSize())

	var o *bo.BufferObject
	if p.freelist != nil && size == p.slabSize {
		if o = p.freelist.Pop(); o != nil {
			p.stats.FreelistHits++
			details.Debug("%s: reusing %s from freelist", p.label, o)
		}
	}

	if o == nil {
		var err error
		o, err = p.dev.Create(size, p.flags, p.label)
		if err != nil {
			return fmt.Errorf("%s: failed to acquire %d byte backing object: %w", p.label, size, err)
		}
	}

	if o.Flags()&bo.Invisible == 0 {
		if _, err := o.Map(); err != nil {
			o.Unref()
			return fmt.Errorf("%s: failed to map backing object: %w", p.label, err)
		}
	}

	p.setBacking(o, size == p.slabSize)
	p.cursor = 0

	return nil
}

func (p *Pool) setBacking(o *bo.BufferObject, slab bool) {
	p.stats.Backings++

	if p.unowned {
		if p.backing != nil {
			p.backing.Unref()
		}
	} else if slab {
		p.tracked = append(p.tracked, o)
	} else {
		p.oversized = append(p.oversized, o)
	}

	p.backing = o

	if p.notify != nil {
		p.notify(o)
	}
}

func (p *Pool) ptr(offset, size uint64) Ptr {
	ptr := Ptr{
		GPU:    p.backing.GPUAddr() + offset,
		BO:     p.backing,
		Offset: offset,
	}
	if cpu := p.backing.CPU(); cpu != nil {
		ptr.CPU = cpu[offset : offset+size : offset+size]
	}
	return ptr
}

// Reset releases all backing objects of the pool. In owned mode slab-sized
// objects go to the freelist, if one is attached.
func (p *Pool) Reset() {
	if p.unowned {
		if p.backing != nil {
			p.backing.Unref()
		}
	} else {
		for _, o := range p.tracked {
			if p.freelist != nil {
				p.freelist.Push(o)
			} else {
				o.Unref()
			}
		}
		for _, o := range p.oversized {
			o.Unref()
		}
	}

	details.Debug("%s: reset with %d tracked and %d oversized objects", p.label,
		len(p.tracked), len(p.oversized))

	clear(p.tracked)
	clear(p.oversized)
	p.tracked = p.tracked[:0]
	p.oversized = p.oversized[:0]
	p.backing = nil
	p.cursor = 0
}

// CollectHandles returns the kernel handles of all backing objects of an
// owned pool and marks them accessed by the GPU for reading and writing.
// Unowned pools return nil.
func (p *Pool) CollectHandles() []kmd.Handle {
	if p.unowned {
		return nil
	}

	handles := make([]kmd.Handle, 0, len(p.tracked)+len(p.oversized))
	for _, list := range [][]*bo.BufferObject{p.tracked, p.oversized} {
		for _, o := range list {
			o.MarkAccess(bo.AccessRW)
			handles = append(handles, o.Handle())
		}
	}

	return handles
}

// Close resets the pool and makes further allocations fail.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.Reset()
	p.closed = true
}

// Backing returns the current backing object of the pool.
func (p *Pool) Backing() *bo.BufferObject {
	return p.backing
}

// SlabSize returns the standard backing object size of the pool.
func (p *Pool) SlabSize() uint64 {
	return p.slabSize
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	s := p.stats
	s.Tracked = len(p.tracked)
	s.Oversized = len(p.oversized)
	return s
}
