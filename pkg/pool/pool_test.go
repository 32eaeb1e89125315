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

package pool_test

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/gpumem/pkg/apis/config/v1alpha1"
	"github.com/containers/gpumem/pkg/bo"
	"github.com/containers/gpumem/pkg/kmd"
	"github.com/containers/gpumem/pkg/kmd/fake"
	. "github.com/containers/gpumem/pkg/pool"
)

const page = 4096

func newTestDevice(t *testing.T, options ...fake.Option) (*fake.Transport, *bo.Device) {
	f := fake.New(options...)
	d, err := bo.NewDevice(f, bo.WithPageSize(page))
	require.NoError(t, err)
	return f, d
}

func newTestPool(t *testing.T, d *bo.Device, options ...Option) *Pool {
	p, err := New(d, options...)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func cpuAddr(ptr Ptr) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(ptr.CPU)))
}

func TestThreeAllocationsAcrossSlabs(t *testing.T) {
	f, d := newTestDevice(t)
	p := newTestPool(t, d, WithSlabSize(4096))

	p1, err := p.Alloc(100, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(0), p1.Offset)
	require.Equal(t, uint64(1), p.Stats().Backings)

	p2, err := p.Alloc(4000, 16)
	require.NoError(t, err)
	require.NotSame(t, p1.BO, p2.BO, "4000 bytes do not fit after the first 112")
	require.Equal(t, uint64(0), p2.Offset)

	p3, err := p.Alloc(100, 16)
	require.NoError(t, err)
	require.NotSame(t, p2.BO, p3.BO, "100 bytes do not fit after 4000")
	require.Equal(t, uint64(0), p3.Offset)

	s := p.Stats()
	require.Equal(t, uint64(3), s.Backings, "two acquisitions beyond the first")
	require.Equal(t, 3, s.Tracked)
	require.Zero(t, s.Oversized)
	require.Equal(t, 3, f.Count(fake.OpCreate))

	p.Reset()
	require.Equal(t, 3, d.Cache().Stats().Objects)
	require.Empty(t, f.Violations())
}

func TestMonotonicAlignedAllocations(t *testing.T) {
	_, d := newTestDevice(t)
	p := newTestPool(t, d, WithSlabSize(16*page))

	type extent struct {
		start, end uint64
	}

	rng := rand.New(rand.NewSource(42))
	last := map[*bo.BufferObject]extent{}

	for i := 0; i < 2000; i++ {
		var (
			size  = uint64(1 + rng.Intn(3*page))
			align = uint64(1) << rng.Intn(13)
		)
		if rng.Intn(50) == 0 {
			size = uint64(17*page + rng.Intn(page))
		}

		ptr, err := p.Alloc(size, align)
		require.NoError(t, err)

		require.Zero(t, ptr.Offset%align)
		require.Zero(t, ptr.GPU%align, "GPU address alignment")
		require.Zero(t, uint64(cpuAddr(ptr))%align, "CPU address alignment")
		require.Len(t, ptr.CPU, int(size))
		require.LessOrEqual(t, ptr.Offset+size, ptr.BO.Size(), "within backing object")
		require.Equal(t, ptr.BO.GPUAddr()+ptr.Offset, ptr.GPU)

		if prev, ok := last[ptr.BO]; ok {
			require.GreaterOrEqual(t, ptr.Offset, prev.end, "no overlap, increasing offsets")
			require.Greater(t, ptr.Offset, prev.start)
		}
		last[ptr.BO] = extent{start: ptr.Offset, end: ptr.Offset + size}
	}

	s := p.Stats()
	require.Equal(t, uint64(2000), s.Allocs)
	require.NotZero(t, s.Oversized)
	require.Equal(t, int(s.Backings), s.Tracked+s.Oversized)

	p.Close()
}

func TestAllocationWritesStayInRange(t *testing.T) {
	_, d := newTestDevice(t)
	p := newTestPool(t, d, WithSlabSize(page))

	var ptrs []Ptr
	for i := 0; i < 32; i++ {
		ptr, err := p.Alloc(uint64(100+i), 64)
		require.NoError(t, err)
		for j := range ptr.CPU {
			ptr.CPU[j] = byte(i)
		}
		ptrs = append(ptrs, ptr)
	}

	for i, ptr := range ptrs {
		for _, b := range ptr.CPU {
			require.Equal(t, byte(i), b, "allocation #%d was overwritten", i)
		}
	}

	p.Reset()
}

func TestFreelistRoundTrip(t *testing.T) {
	f, d := newTestDevice(t)
	fl := NewFreelist(4*page, 0)

	p := newTestPool(t, d, WithSlabSize(4*page), WithFreelist(fl))
	first, err := p.Alloc(page, 16)
	require.NoError(t, err)
	big, err := p.Alloc(8*page, 16)
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats().Oversized)

	p.Reset()
	require.Equal(t, 1, fl.Len(), "only slab-sized objects are pooled")
	require.True(t, d.Cache().Contains(big.BO), "oversized objects are released")
	require.Equal(t, 1, first.BO.RefCount())

	next := newTestPool(t, d, WithSlabSize(4*page), WithFreelist(fl))
	f.ClearCalls()

	reused, err := next.Alloc(2*page, 16)
	require.NoError(t, err)
	require.Same(t, first.BO, reused.BO)
	require.Equal(t, first.BO.Handle(), reused.BO.Handle())
	require.Empty(t, f.Calls(), "no kernel transport calls")
	require.Equal(t, uint64(1), next.Stats().FreelistHits)
	require.Zero(t, fl.Len())

	next.Close()
	fl.Close()
	require.NoError(t, d.Close())
	require.Equal(t, 0, f.Live())
	require.Empty(t, f.Violations())
}

func TestResetWithoutFreelist(t *testing.T) {
	f, d := newTestDevice(t)
	p := newTestPool(t, d, WithSlabSize(page))

	a, err := p.Alloc(page, 1)
	require.NoError(t, err)
	b, err := p.Alloc(page, 1)
	require.NoError(t, err)

	p.Reset()
	require.True(t, d.Cache().Contains(a.BO))
	require.True(t, d.Cache().Contains(b.BO))
	require.Nil(t, p.Backing())
	require.Zero(t, p.Stats().Tracked)

	c, err := p.Alloc(10, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0), c.Offset)
	require.Equal(t, 2, f.Count(fake.OpCreate), "reused through the device cache")

	p.Reset()
}

func TestCollectHandles(t *testing.T) {
	f, d := newTestDevice(t)
	p := newTestPool(t, d, WithSlabSize(page))

	a, err := p.Alloc(page, 16)
	require.NoError(t, err)
	b, err := p.Alloc(3*page, 16)
	require.NoError(t, err)

	handles := p.CollectHandles()
	require.Equal(t, []kmd.Handle{a.BO.Handle(), b.BO.Handle()}, handles)

	f.SetBusy(a.BO.Handle(), true, false)
	idle, err := a.BO.Wait(0, true)
	require.NoError(t, err)
	require.False(t, idle, "submission access is tracked")
	require.Equal(t, 1, f.Count(fake.OpWait))

	idle, err = b.BO.Wait(0, false)
	require.NoError(t, err)
	require.True(t, idle)
	require.Equal(t, 2, f.Count(fake.OpWait), "pending write asks the kernel")

	f.SetBusy(a.BO.Handle(), false, false)
	p.Reset()
}

func TestUnownedPool(t *testing.T) {
	f, d := newTestDevice(t)

	var kept []*bo.BufferObject
	p := newTestPool(t, d, WithSlabSize(page), Unowned(),
		WithBackingNotify(func(o *bo.BufferObject) {
			kept = append(kept, o.Ref())
		}),
	)

	a, err := p.Alloc(page, 16)
	require.NoError(t, err)
	b, err := p.Alloc(page, 16)
	require.NoError(t, err)
	require.NotSame(t, a.BO, b.BO)

	require.Len(t, kept, 2)
	require.Equal(t, 1, a.BO.RefCount(), "pool dropped its reference")
	require.Equal(t, 2, b.BO.RefCount())
	require.Nil(t, p.CollectHandles())
	require.Zero(t, p.Stats().Tracked)

	p.Reset()
	require.Equal(t, 1, b.BO.RefCount())

	for _, o := range kept {
		o.Unref()
	}
	require.Equal(t, 2, d.Cache().Stats().Objects)
	require.Empty(t, f.Violations())
}

func TestAllocFailure(t *testing.T) {
	_, d := newTestDevice(t, fake.WithCapacity(page))
	p := newTestPool(t, d, WithSlabSize(page))

	_, err := p.Alloc(page, 16)
	require.NoError(t, err)

	ptr, err := p.Alloc(page, 16)
	require.ErrorIs(t, err, bo.ErrNoMem)
	require.Equal(t, Ptr{}, ptr)

	p.Reset()
}

func TestInvisiblePool(t *testing.T) {
	_, d := newTestDevice(t)
	p := newTestPool(t, d, WithSlabSize(page), WithFlags(bo.Invisible))

	ptr, err := p.Alloc(128, 64)
	require.NoError(t, err)
	require.Nil(t, ptr.CPU)
	require.NotZero(t, ptr.GPU)

	p.Close()
}

func TestClosedPool(t *testing.T) {
	_, d := newTestDevice(t)
	p := newTestPool(t, d)

	_, err := p.Alloc(1, 1)
	require.NoError(t, err)

	p.Close()
	p.Close()

	_, err = p.Alloc(1, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestProgrammerErrors(t *testing.T) {
	_, d := newTestDevice(t)
	p := newTestPool(t, d)
	defer p.Close()

	require.Panics(t, func() { p.Alloc(16, 0) })
	require.Panics(t, func() { p.Alloc(16, 3) })
	require.Panics(t, func() { p.Alloc(16, 2*page) })
	require.Panics(t, func() { p.Alloc(0, 16) })
	require.Panics(t, func() { p.Alloc(MaxAllocSize+1, 16) })
}

func TestOptions(t *testing.T) {
	_, d := newTestDevice(t)

	type testCase struct {
		name    string
		options []Option
	}

	for _, tc := range []*testCase{
		{name: "zero slab", options: []Option{WithSlabSize(0)}},
		{name: "growable", options: []Option{WithFlags(bo.Growable)}},
		{
			name:    "freelist slab size",
			options: []Option{WithSlabSize(page), WithFreelist(NewFreelist(2*page, 0))},
		},
		{
			name:    "freelist flags",
			options: []Option{WithSlabSize(page), WithFreelist(NewFreelist(page, bo.Executable))},
		},
		{
			name:    "unowned freelist",
			options: []Option{WithSlabSize(page), WithFreelist(NewFreelist(page, 0)), Unowned()},
		},
		{
			name:    "invisible overflow",
			options: []Option{WithFlags(bo.Invisible), WithDebugOverflow(true)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(d, tc.options...)
			require.ErrorIs(t, err, ErrInvalidOption)
		})
	}

	p := newTestPool(t, d, WithSlabSize(1000))
	require.Equal(t, uint64(page), p.SlabSize(), "slab size rounded to pages")

	p = newTestPool(t, d, WithConfig(&cfgapi.Pool{}))
	require.Equal(t, uint64(cfgapi.DefaultSlabSize), p.SlabSize())
}

func TestDeferredMapBackings(t *testing.T) {
	f, d := newTestDevice(t)
	fl := NewFreelist(page, bo.DeferMap)
	p := newTestPool(t, d, WithSlabSize(page), WithFlags(bo.DeferMap), WithFreelist(fl))

	ptr, err := p.Alloc(128, 16)
	require.NoError(t, err)
	require.Len(t, ptr.CPU, 128)
	require.Zero(t, cpuAddr(ptr)%16)
	require.Zero(t, ptr.GPU%16)
	ptr.CPU[127] = 0xff
	require.Equal(t, 1, f.Count(fake.OpMmap))

	ptr, err = p.Alloc(256, 64)
	require.NoError(t, err)
	require.Len(t, ptr.CPU, 256)
	require.Equal(t, 1, f.Count(fake.OpMmap), "backing mapped once")

	p.Reset()
	f.ClearCalls()
	p = newTestPool(t, d, WithSlabSize(page), WithFlags(bo.DeferMap), WithFreelist(fl))
	ptr, err = p.Alloc(64, 16)
	require.NoError(t, err)
	require.Len(t, ptr.CPU, 64)
	require.Empty(t, f.Calls(), "freelist slabs stay mapped")

	p.Close()
	fl.Close()
	require.Empty(t, f.Violations())
}

func TestDebugOverflow(t *testing.T) {
	f, d := newTestDevice(t)
	fl := NewFreelist(page, 0)

	cfg, err := cfgapi.ParseConfig([]byte("pool:\n  slabSize: 4Ki\n  debugOverflow: true\n"))
	require.NoError(t, err)

	p := newTestPool(t, d, WithConfig(&cfg.Pool), WithFreelist(fl))

	type testCase struct {
		size   uint64
		align  uint64
		offset uint64
	}

	var previous *bo.BufferObject
	for _, tc := range []*testCase{
		{size: 100, align: 16, offset: 3984},
		{size: 100, align: 1, offset: 3996},
		{size: 4096, align: 256, offset: 0},
		{size: 5000, align: 8, offset: 3192},
	} {
		ptr, err := p.Alloc(tc.size, tc.align)
		require.NoError(t, err)
		require.Equal(t, tc.offset, ptr.Offset)
		require.NotSame(t, previous, ptr.BO, "dedicated backing per allocation")
		require.Zero(t, ptr.GPU%tc.align)

		guard := GuardOffset(d, tc.size)
		require.LessOrEqual(t, ptr.Offset+tc.size, guard)
		require.Less(t, guard-(ptr.Offset+tc.size), tc.align, "as close to the guard as alignment permits")
		require.Equal(t, guard+page, ptr.BO.Size())
		previous = ptr.BO
	}

	require.Equal(t, 4, f.Guards())
	require.Equal(t, 4, p.Stats().Oversized)
	require.Zero(t, p.Stats().Tracked)

	p.Reset()
	require.Zero(t, fl.Len(), "guarded objects bypass the freelist")
	require.Empty(t, f.Violations())
}
