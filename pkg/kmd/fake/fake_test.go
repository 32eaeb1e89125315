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

package fake_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/containers/gpumem/pkg/kmd"
	"github.com/containers/gpumem/pkg/kmd/fake"
)

func TestCreateDestroy(t *testing.T) {
	f := fake.New()

	h, err := f.Create(8192, 0)
	require.NoError(t, err)
	require.True(t, f.Exists(h))
	require.Equal(t, 1, f.Live())

	require.NoError(t, f.Destroy(h))
	require.False(t, f.Exists(h))
	require.Equal(t, 0, f.Live())

	require.ErrorIs(t, f.Destroy(h), kmd.ErrNoHandle)
	require.Len(t, f.Violations(), 1)
	require.Equal(t, []string{fake.OpCreate, fake.OpDestroy}, f.Ops())
}

func TestCreateFailures(t *testing.T) {
	f := fake.New(fake.WithCapacity(16384))

	f.FailNextCreates(1)
	_, err := f.Create(4096, 0)
	require.ErrorIs(t, err, kmd.ErrNoMem)

	h1, err := f.Create(8192, 0)
	require.NoError(t, err)
	_, err = f.Create(8192, 0)
	require.NoError(t, err)

	_, err = f.Create(4096, 0)
	require.ErrorIs(t, err, kmd.ErrNoMem)
	require.Equal(t, 2, f.Count(fake.OpCreateFailed))

	require.NoError(t, f.Destroy(h1))
	_, err = f.Create(4096, 0)
	require.NoError(t, err)
}

func TestMmap(t *testing.T) {
	f := fake.New(fake.WithPageSize(4096))

	h, err := f.Create(4096, 0)
	require.NoError(t, err)

	mem, err := f.Mmap(h, 4096)
	require.NoError(t, err)
	require.Len(t, mem, 4096)
	require.Zero(t, uintptr(unsafe.Pointer(&mem[0]))%4096)
	require.True(t, f.Mapped(h))

	mem[0] = 0xaa
	require.NoError(t, f.Munmap(mem))
	require.False(t, f.Mapped(h))

	mem, err = f.Mmap(h, 4096)
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), mem[0])
	require.NoError(t, f.Munmap(mem))

	h, err = f.Create(4096, kmd.NoMmap)
	require.NoError(t, err)
	_, err = f.Mmap(h, 4096)
	require.ErrorIs(t, err, kmd.ErrNotMappable)

	require.Empty(t, f.Violations())
}

func TestDestroyMappedIsViolation(t *testing.T) {
	f := fake.New()

	h, err := f.Create(4096, 0)
	require.NoError(t, err)
	_, err = f.Mmap(h, 4096)
	require.NoError(t, err)
	require.NoError(t, f.Destroy(h))
	require.Len(t, f.Violations(), 1)
}

func TestBind(t *testing.T) {
	f := fake.New()

	h1, err := f.Create(4096, 0)
	require.NoError(t, err)
	h2, err := f.Create(4096, 0)
	require.NoError(t, err)

	a1, err := f.Bind(h1, 4096)
	require.NoError(t, err)
	a2, err := f.Bind(h2, 4096)
	require.NoError(t, err)
	require.NotEqual(t, a1, a2)
	require.Zero(t, a1%4096)
	require.Zero(t, a2%4096)

	require.NoError(t, f.Unbind(a1, 4096))
	require.Error(t, f.Unbind(a1, 4096))
}

func TestWait(t *testing.T) {
	f := fake.New()

	h, err := f.Create(4096, 0)
	require.NoError(t, err)

	idle, err := f.Wait(h, 0, false)
	require.NoError(t, err)
	require.True(t, idle)

	f.SetBusy(h, true, false)
	idle, err = f.Wait(h, 0, false)
	require.NoError(t, err)
	require.False(t, idle)

	idle, err = f.Wait(h, 0, true)
	require.NoError(t, err)
	require.True(t, idle, "pending reads only")

	idle, err = f.Wait(h, kmd.Infinite, false)
	require.NoError(t, err)
	require.True(t, idle)

	idle, err = f.Wait(h, 0, false)
	require.NoError(t, err)
	require.True(t, idle)
}

func TestReclaim(t *testing.T) {
	f := fake.New()

	h1, err := f.Create(4096, 0)
	require.NoError(t, err)
	h2, err := f.Create(4096, 0)
	require.NoError(t, err)

	require.NoError(t, f.MarkEvictable(h1))
	require.True(t, f.Evictable(h1))
	require.Equal(t, 1, f.Reclaim())

	require.NoError(t, f.MarkEvictable(h2))
	retained, err := f.MarkUnevictable(h2)
	require.NoError(t, err)
	require.True(t, retained)

	retained, err = f.MarkUnevictable(h1)
	require.NoError(t, err)
	require.False(t, retained)
}

func TestExportImport(t *testing.T) {
	f := fake.New()

	h, err := f.Create(4096, kmd.Shareable)
	require.NoError(t, err)

	fd, err := f.Export(h)
	require.NoError(t, err)

	imported, size, err := f.Import(fd)
	require.NoError(t, err)
	require.Equal(t, h, imported)
	require.Equal(t, uint64(4096), size)

	_, _, err = f.Import(-1)
	require.ErrorIs(t, err, kmd.ErrBadFd)

	fd = f.AddForeign(65536, 0)
	imported, size, err = f.Import(fd)
	require.NoError(t, err)
	require.NotEqual(t, h, imported)
	require.Equal(t, uint64(65536), size)
	require.Equal(t, 1, f.Live(), "foreign objects are not counted")
}

func TestProtectGuard(t *testing.T) {
	f := fake.New()

	h, err := f.Create(8192, 0)
	require.NoError(t, err)
	mem, err := f.Mmap(h, 8192)
	require.NoError(t, err)

	require.NoError(t, f.ProtectGuard(mem[4096:]))
	require.Error(t, f.ProtectGuard(mem[100:]))
	require.Equal(t, 1, f.Guards())
}
