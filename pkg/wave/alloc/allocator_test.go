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

package alloc

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/wavegroup/pkg/common/malloc"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
)

const testRowSize = 24

func newTestRange(t *testing.T, arena *device.Arena, capacity, rowLimit int64) AllocationRange {
	buf, err := arena.Allocate(int(capacity), malloc.NoHints)
	require.NoError(t, err)
	return NewAllocationRange(buf, capacity, rowLimit, testRowSize)
}

func TestAllocationRangeLayout(t *testing.T) {
	arena := device.NewArena(malloc.NewGoAllocator())
	defer arena.Close()

	capacity := RangeBytesForRows(100, testRowSize)
	require.Equal(t, int64(16+2400), capacity)
	r := newTestRange(t, arena, capacity, capacity)
	assert.Equal(t, int64(16), r.FirstRowOffset)
	assert.Equal(t, int64(16), r.RowOffset)
	assert.Equal(t, capacity, r.RowLimit)
	assert.Equal(t, capacity, r.StringOffset)
	assert.Equal(t, int64(2400), r.AvailableFixed())
	assert.False(t, r.Empty())
	assert.True(t, (&AllocationRange{}).Empty())

	for i := int64(0); i < 100; i++ {
		row, ok := r.AllocateRow(testRowSize)
		require.True(t, ok)
		require.Equal(t, r.RowAddress(i, testRowSize), row)
		require.Equal(t, i, r.RowIndex(row, testRowSize))
	}
	_, ok := r.AllocateRow(testRowSize)
	require.False(t, ok)
	require.True(t, r.IsFixedFull())
	require.Greater(t, r.RowOffset, r.RowLimit)
	require.Equal(t, int64(0), r.AvailableFixed())
	r.ClearOverflows()
	require.Equal(t, r.RowLimit, r.RowOffset)
	require.Equal(t, int64(100), r.NumRows(testRowSize))

	for i := int64(10); i < 20; i++ {
		r.FreeRow(arena, i)
	}
	require.True(t, r.IsRowFree(arena, 15))
	require.False(t, r.IsRowFree(arena, 20))
	require.Equal(t, int64(10), r.NumFreeRows(arena))
	require.Len(t, r.Data(arena), int(capacity))
	require.Equal(t, int64(-1), r.RowIndex(r.Base, testRowSize))
	require.Equal(t, int64(-1), r.RowIndex(r.RowAddress(3, testRowSize)+1, testRowSize))

	require.Panics(t, func() {
		NewAllocationRange(&device.Buffer{}, capacity, capacity, testRowSize)
	})
}

func TestBadRangePanicsWithMoErr(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		require.True(t, ok)
		require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadAllocRange))
	}()
	NewAllocationRange(&device.Buffer{}, 64, 64, 0)
}

func TestRaiseRowLimit(t *testing.T) {
	arena := device.NewArena(malloc.NewGoAllocator())
	defer arena.Close()

	capacity := RangeBytesForRows(100, testRowSize)
	r := newTestRange(t, arena, capacity, 16+10*testRowSize+5)
	require.Equal(t, int64(10*testRowSize), r.AvailableFixed())

	// partial rows round up
	require.Equal(t, int64(5*testRowSize), r.RaiseRowLimit(5*testRowSize-3, testRowSize))
	require.Equal(t, int64(15*testRowSize), r.AvailableFixed())
	require.Equal(t, int64(85*testRowSize), r.RaiseRowLimit(1<<20, testRowSize))
	require.Equal(t, int64(0), r.RaiseRowLimit(1, testRowSize))
	require.Equal(t, r.StringOffset, r.RowLimit)

	r.StringOffset -= 100
	r.RowLimit = r.FirstRowOffset
	require.Equal(t, int64(95*testRowSize), r.RaiseRowLimit(1<<20, testRowSize))
	require.LessOrEqual(t, r.RowLimit, r.StringOffset)
	require.Zero(t, (r.RowLimit-r.FirstRowOffset)%testRowSize)
}

func TestRaiseClearsFixedFull(t *testing.T) {
	arena := device.NewArena(malloc.NewGoAllocator())
	defer arena.Close()

	capacity := RangeBytesForRows(10, testRowSize)
	a := NewHashPartitionAllocator(newTestRange(t, arena, capacity, 16+2*testRowSize), testRowSize)
	for i := 0; i < 2; i++ {
		_, ok := a.AllocateRow()
		require.True(t, ok)
	}
	_, ok := a.AllocateRow()
	require.False(t, ok)
	require.True(t, a.Ranges[0].IsFixedFull())

	a.ClearOverflows()
	require.Equal(t, int64(testRowSize), a.RaiseRowLimits(testRowSize))
	require.False(t, a.Ranges[0].IsFixedFull())
	_, ok = a.AllocateRow()
	require.True(t, ok)
}

func TestTrimRows(t *testing.T) {
	arena := device.NewArena(malloc.NewGoAllocator())
	defer arena.Close()

	a := NewHashPartitionAllocator(
		newTestRange(t, arena, RangeBytesForRows(10, testRowSize), 1<<20), testRowSize)
	a.Ranges[1] = newTestRange(t, arena, RangeBytesForRows(5, testRowSize), 1<<20)
	require.Equal(t, int64(15*testRowSize), a.AvailableFixed())

	a.TrimRows(12*testRowSize + 7)
	require.Equal(t, int64(10*testRowSize), a.Ranges[0].AvailableFixed())
	require.Equal(t, int64(2*testRowSize), a.Ranges[1].AvailableFixed())

	a.TrimRows(3 * testRowSize)
	require.Equal(t, int64(3*testRowSize), a.Ranges[0].AvailableFixed())
	require.Equal(t, int64(0), a.Ranges[1].AvailableFixed())

	// trimming never raises
	a.TrimRows(100 * testRowSize)
	require.Equal(t, int64(3*testRowSize), a.AvailableFixed())
	require.Equal(t, int64(7*testRowSize), a.RaiseRowLimits(7*testRowSize))
}

func TestAllocateFallsBackToSecondary(t *testing.T) {
	arena := device.NewArena(malloc.NewGoAllocator())
	defer arena.Close()

	a := NewHashPartitionAllocator(
		newTestRange(t, arena, RangeBytesForRows(1, testRowSize), 1<<20), testRowSize)
	a.Ranges[1] = newTestRange(t, arena, RangeBytesForRows(1, testRowSize), 1<<20)
	first, ok := a.AllocateRow()
	require.True(t, ok)
	second, ok := a.AllocateRow()
	require.True(t, ok)
	require.Equal(t, a.Ranges[0].RowAddress(0, testRowSize), first)
	require.Equal(t, a.Ranges[1].RowAddress(0, testRowSize), second)
	_, ok = a.AllocateRow()
	require.False(t, ok)
	require.True(t, a.Ranges[0].IsFixedFull())
	require.True(t, a.Ranges[1].IsFixedFull())
}

func TestRestock(t *testing.T) {
	arena := device.NewArena(malloc.NewGoAllocator())
	defer arena.Close()

	var retired []AllocationRange
	var newRanges int
	newRange := func(capacity int64) (AllocationRange, error) {
		newRanges++
		buf, err := arena.Allocate(int(capacity), malloc.NoHints)
		if err != nil {
			return AllocationRange{}, err
		}
		return NewAllocationRange(buf, capacity, capacity, testRowSize), nil
	}
	retire := func(r AllocationRange) {
		retired = append(retired, r)
	}

	a := NewHashPartitionAllocator(
		newTestRange(t, arena, RangeBytesForRows(20, testRowSize), 16+4*testRowSize), testRowSize)

	// raising the limit covers the request
	require.NoError(t, a.Restock(10*testRowSize, newRange, retire))
	require.Equal(t, 0, newRanges)
	require.Equal(t, int64(14*testRowSize), a.AvailableFixed())

	// fill the primary and overflow it
	for {
		if _, ok := a.AllocateRow(); !ok {
			break
		}
	}
	a.ClearOverflows()
	// the primary still has 6 rows below its string area, the rest comes as
	// a secondary range
	require.NoError(t, a.Restock(30*testRowSize, newRange, retire))
	require.Equal(t, 1, newRanges)
	require.Empty(t, retired)
	require.False(t, a.Ranges[1].Empty())
	require.False(t, a.Ranges[0].IsFixedFull())
	require.Equal(t, int64(36*testRowSize), a.AvailableFixed())

	for {
		if _, ok := a.AllocateRow(); !ok {
			break
		}
	}
	a.ClearOverflows()
	secondary := a.Ranges[1]
	require.NoError(t, a.Restock(10*testRowSize, newRange, retire))
	require.Equal(t, 2, newRanges)
	require.Len(t, retired, 1)
	require.Equal(t, int64(20), retired[0].NumRows(testRowSize))
	require.Equal(t, secondary.Base, a.Ranges[0].Base)
	require.Equal(t, int64(10*testRowSize), a.AvailableFixed())

	failing := func(int64) (AllocationRange, error) {
		return AllocationRange{}, moerr.NewDeviceOOM(context.Background(), 1, 2, 3)
	}
	before := a.Ranges
	err := a.Restock(100*testRowSize, failing, retire)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrDeviceOOM))
	require.Equal(t, before, a.Ranges)
}

func TestRestockMonotonic(t *testing.T) {
	arena := device.NewArena(malloc.NewGoAllocator())
	defer arena.Close()

	newRange := func(capacity int64) (AllocationRange, error) {
		buf, err := arena.Allocate(int(capacity), malloc.NoHints)
		if err != nil {
			return AllocationRange{}, err
		}
		return NewAllocationRange(buf, capacity, capacity, testRowSize), nil
	}
	var retired []AllocationRange
	retire := func(r AllocationRange) {
		retired = append(retired, r)
	}

	rnd := rand.New(rand.NewSource(42))
	a := NewHashPartitionAllocator(
		newTestRange(t, arena, RangeBytesForRows(8, testRowSize), 16+2*testRowSize), testRowSize)
	allocated := 0
	for step := 0; step < 200; step++ {
		n := rnd.Intn(40)
		for i := 0; i < n; i++ {
			if _, ok := a.AllocateRow(); ok {
				allocated++
			}
		}
		a.ClearOverflows()
		before := a.AvailableFixed()
		size := int64(1+rnd.Intn(30)) * testRowSize
		if before >= size {
			continue
		}
		require.NoError(t, a.Restock(size, newRange, retire))
		after := a.AvailableFixed()
		require.GreaterOrEqual(t, after, before)
		require.GreaterOrEqual(t, after, size)
		require.False(t, a.Ranges[0].Empty())
	}

	// every row handed out is still reachable
	total := int64(0)
	for _, r := range retired {
		total += r.NumRows(testRowSize)
	}
	for i := range a.Ranges {
		if !a.Ranges[i].Empty() {
			total += a.Ranges[i].NumRows(testRowSize)
		}
	}
	require.Equal(t, int64(allocated), total)

	// both slots live: the range given up takes its headroom into the new one
	retired = retired[:0]
	primaryCap := RangeBytesForRows(10, testRowSize)
	secondaryCap := RangeBytesForRows(20, testRowSize)
	b := NewHashPartitionAllocator(newTestRange(t, arena, primaryCap, primaryCap), testRowSize)
	b.Ranges[1] = newTestRange(t, arena, secondaryCap, secondaryCap)
	secondary := b.Ranges[1].Base
	before := b.AvailableFixed()
	require.Equal(t, int64(30*testRowSize), before)

	require.NoError(t, b.Restock(35*testRowSize, newRange, retire))
	require.Len(t, retired, 1)
	require.Equal(t, int64(10*testRowSize), retired[0].AvailableFixed())
	require.Equal(t, secondary, b.Ranges[0].Base)
	require.GreaterOrEqual(t, b.AvailableFixed(), before)
	require.GreaterOrEqual(t, b.AvailableFixed(), int64(35*testRowSize))
}
