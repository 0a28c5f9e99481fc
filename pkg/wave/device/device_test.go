// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"errors"
	"math"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/wavegroup/pkg/common/malloc"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
)

func newTestDevice(t *testing.T, limit uint64) *Device {
	d, err := NewDevice(Options{
		MemoryLimit:       limit,
		Workers:           4,
		StreamReserveSize: 2,
	})
	require.NoError(t, err)
	return d
}

func TestArenaResolve(t *testing.T) {
	d := newTestDevice(t, 1<<20)
	defer d.Close()
	arena := d.Arena()

	a, err := arena.Allocate(100, malloc.NoHints)
	require.NoError(t, err)
	b, err := arena.Allocate(Alignment, malloc.NoHints)
	require.NoError(t, err)
	require.NotZero(t, a.Addr())
	require.Zero(t, a.Addr()%Alignment)
	require.Greater(t, uint64(b.Addr()), uint64(a.Addr())+uint64(a.Size()))

	buf, off, ok := arena.Resolve(a.Addr() + 10)
	require.True(t, ok)
	require.Equal(t, a, buf)
	require.Equal(t, 10, off)

	_, _, ok = arena.Resolve(a.Addr() + 100)
	require.False(t, ok)
	_, _, ok = arena.Resolve(b.Addr() + Alignment)
	require.False(t, ok)
	_, _, ok = arena.Resolve(1)
	require.False(t, ok)

	arena.Bytes(b.Addr(), 8)[0] = 7
	require.Equal(t, byte(7), b.Bytes()[0])
	require.Panics(t, func() { arena.Bytes(a.Addr()+96, 8) })

	require.Equal(t, int64(100+Alignment), arena.InUse())
	a.Free()
	a.Free()
	_, _, ok = arena.Resolve(a.Addr())
	require.False(t, ok)
	require.Equal(t, 1, arena.NumBuffers())
	require.Equal(t, uint64(Alignment), d.MemoryInUse())
}

func TestArenaOOM(t *testing.T) {
	d := newTestDevice(t, 1024)
	defer d.Close()

	_, err := d.Arena().Allocate(1000, malloc.NoHints)
	require.NoError(t, err)
	_, err = d.Arena().Allocate(100, malloc.NoHints)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrDeviceOOM))
	_, err = d.Arena().Allocate(0, malloc.NoHints)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}

func TestDeviceUnlimitedByDefault(t *testing.T) {
	d, err := NewDevice(Options{Workers: 2})
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, uint64(math.MaxUint64), d.MemoryLimit())
	buf, err := d.Arena().Allocate(4096, malloc.NoHints)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), d.MemoryInUse())
	buf.Free()
	require.Equal(t, uint64(0), d.MemoryInUse())

	limited := newTestDevice(t, 1024)
	defer limited.Close()
	require.Equal(t, uint64(1024), limited.MemoryLimit())
}

func TestStreamOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := newTestDevice(t, 1<<20)
	defer d.Close()

	buf, err := d.Arena().Allocate(64, malloc.NoHints)
	require.NoError(t, err)

	s := d.StreamFromReserve()
	var order []int
	for i := 0; i < 32; i++ {
		i := i
		s.Launch(func(Memory) error {
			order = append(order, i)
			return nil
		})
	}
	s.Memset(buf, 0, 0xff, 8)
	s.HostToDeviceAsync(buf, 4, []byte{1, 2})
	host := make([]byte, 8)
	s.DeviceToHostAsync(host, buf, 0)
	s.Prefetch(buf, OnHost)
	require.NoError(t, s.Wait())

	require.Len(t, order, 32)
	for i := range order {
		require.Equal(t, i, order[i])
	}
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 1, 2, 0xff, 0xff}, host)
	assert.Equal(t, OnHost, buf.Location())
	require.NoError(t, d.ReleaseStream(s))
	require.Same(t, s, d.StreamFromReserve())
}

func TestStreamErrors(t *testing.T) {
	d := newTestDevice(t, 1<<20)
	defer d.Close()

	buf, err := d.Arena().Allocate(16, malloc.NoHints)
	require.NoError(t, err)
	s := d.NewStream()

	err = s.HostToDevice(buf, 10, make([]byte, 8))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrStreamFailed))
	// error is reported once
	require.NoError(t, s.Wait())

	boom := errors.New("boom")
	s.Launch(func(Memory) error { return boom })
	s.Launch(func(Memory) error { return nil })
	require.Equal(t, boom, s.Wait())

	s.Launch(func(mem Memory) error {
		mem.Bytes(buf.Addr()+64, 1)
		return nil
	})
	err = s.Wait()
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState))
}

func TestReserveBounded(t *testing.T) {
	d := newTestDevice(t, 1<<20)
	defer d.Close()

	streams := []*Stream{d.StreamFromReserve(), d.StreamFromReserve(), d.StreamFromReserve()}
	require.NotEqual(t, streams[0].ID(), streams[1].ID())
	require.NotEqual(t, streams[1].ID(), streams[2].ID())
	for _, s := range streams {
		require.NoError(t, d.ReleaseStream(s))
	}
	require.Len(t, d.reserve, 2)
}
