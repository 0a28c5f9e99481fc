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
	"sync/atomic"

	"golang.org/x/exp/constraints"

	"github.com/matrixorigin/wavegroup/pkg/common/bitmap"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
)

// Span is a piece of device memory a range can be laid over.
type Span interface {
	Addr() uintptr
	Size() int
}

// AllocationRange is a span of device memory cut into fixed size rows.
// The bytes below FirstRowOffset are a bitmap with one bit per row; a set
// bit marks a freed row. Rows grow up from FirstRowOffset, variable length
// data grows down from Capacity.
//
// The struct itself lives in device memory. Kernels bump RowOffset and set
// FixedFull with atomics; the host touches the other fields only while no
// kernel is running.
type AllocationRange struct {
	Base           uintptr
	Capacity       int64
	RowOffset      int64
	FirstRowOffset int64
	RowLimit       int64
	StringOffset   int64
	FixedFull      int32
	_              int32
}

func RoundUp[T constraints.Integer](v, align T) T {
	return (v + align - 1) / align * align
}

func bitmapBytes(rows int64) int64 {
	return RoundUp(int64(bitmap.Bytes(uint64(rows))), 8)
}

// RangeBytesForRows is the capacity of a range holding rows rows of
// rowSize bytes.
func RangeBytesForRows(rows, rowSize int64) int64 {
	return bitmapBytes(rows) + rows*rowSize
}

// maxRows is the largest row count whose bitmap and rows fit in capacity.
func maxRows(capacity, rowSize int64) int64 {
	n := capacity * 8 / (rowSize*8 + 1)
	for n > 0 && RangeBytesForRows(n, rowSize) > capacity {
		n--
	}
	return n
}

// NewAllocationRange lays a range over the first capacity bytes of buf. The
// bitmap is sized for every row capacity can hold but only rows below
// rowLimit bytes are available until the limit is raised. buf must be
// zeroed.
func NewAllocationRange(buf Span, capacity, rowLimit, rowSize int64) AllocationRange {
	if capacity > int64(buf.Size()) || rowSize <= 0 {
		panic(moerr.NewBadAllocRange(context.Background(),
			"capacity %d row size %d over buffer of %d bytes", capacity, rowSize, buf.Size()))
	}
	rows := maxRows(capacity, rowSize)
	first := bitmapBytes(rows)
	limit := first
	if rowLimit > first {
		limit = first + min((rowLimit-first)/rowSize, rows)*rowSize
	}
	return AllocationRange{
		Base:           buf.Addr(),
		Capacity:       capacity,
		RowOffset:      first,
		FirstRowOffset: first,
		RowLimit:       limit,
		StringOffset:   capacity,
	}
}

func (r *AllocationRange) Empty() bool {
	return r.Base == 0
}

func (r *AllocationRange) IsFixedFull() bool {
	return atomic.LoadInt32(&r.FixedFull) != 0
}

// AvailableFixed is the free row space below the soft limit.
func (r *AllocationRange) AvailableFixed() int64 {
	if r.Empty() {
		return 0
	}
	return max(0, r.RowLimit-atomic.LoadInt64(&r.RowOffset))
}

// RaiseRowLimit moves the soft limit up by at most n bytes of whole rows,
// never past the string area. It returns the bytes granted.
func (r *AllocationRange) RaiseRowLimit(n, rowSize int64) int64 {
	if r.Empty() || n <= 0 {
		return 0
	}
	// rows past the bitmap cannot be tracked
	top := min(r.StringOffset, r.FirstRowOffset+r.FirstRowOffset*8*rowSize)
	room := (top - r.RowLimit) / rowSize * rowSize
	grant := min(RoundUp(n, rowSize), room)
	if grant <= 0 {
		return 0
	}
	r.RowLimit += grant
	if r.RowOffset < r.RowLimit {
		r.FixedFull = 0
	}
	return grant
}

// ClearOverflows pulls RowOffset back to the limit after failed concurrent
// allocations pushed it past.
func (r *AllocationRange) ClearOverflows() {
	if r.RowOffset > r.RowLimit {
		r.RowOffset = r.RowLimit
	}
}

// AllocateRow reserves one row. It is safe for concurrent kernel lanes. A
// failed attempt marks the range full and may leave RowOffset past the limit.
func (r *AllocationRange) AllocateRow(rowSize int64) (uintptr, bool) {
	if r.Empty() || r.IsFixedFull() {
		return 0, false
	}
	end := atomic.AddInt64(&r.RowOffset, rowSize)
	if end <= r.RowLimit {
		return r.Base + uintptr(end-rowSize), true
	}
	atomic.StoreInt32(&r.FixedFull, 1)
	return 0, false
}

// NumRows is the number of row slots written so far, freed ones included.
func (r *AllocationRange) NumRows(rowSize int64) int64 {
	return (min(r.RowOffset, r.RowLimit) - r.FirstRowOffset) / rowSize
}

func (r *AllocationRange) RowAddress(row, rowSize int64) uintptr {
	return r.Base + uintptr(r.FirstRowOffset+row*rowSize)
}

// RowIndex is the row number of addr, or -1 when addr is not a row start.
func (r *AllocationRange) RowIndex(addr uintptr, rowSize int64) int64 {
	if addr < r.Base+uintptr(r.FirstRowOffset) || addr >= r.Base+uintptr(r.RowOffset) {
		return -1
	}
	off := int64(addr-r.Base) - r.FirstRowOffset
	if off%rowSize != 0 {
		return -1
	}
	return off / rowSize
}

func (r *AllocationRange) Bitmap(mem device.Memory) []byte {
	return mem.Bytes(r.Base, int(r.FirstRowOffset))
}

func (r *AllocationRange) Data(mem device.Memory) []byte {
	return mem.Bytes(r.Base, int(r.Capacity))
}

func (r *AllocationRange) FreeRow(mem device.Memory, row int64) {
	bitmap.SetBit(r.Bitmap(mem), uint64(row))
}

func (r *AllocationRange) IsRowFree(mem device.Memory, row int64) bool {
	return bitmap.IsBitSet(r.Bitmap(mem), uint64(row))
}

// NumFreeRows counts set bits over the whole bitmap.
func (r *AllocationRange) NumFreeRows(mem device.Memory) int64 {
	if r.Empty() {
		return 0
	}
	return int64(bitmap.CountBits(r.Bitmap(mem), 0, uint64(r.FirstRowOffset)*8))
}
