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
	"unsafe"
)

// HashPartitionAllocator feeds rows to one partition of a hash table. Ranges[0]
// is the primary range, Ranges[1] takes over when the primary fills up. At
// most one of them has room.
type HashPartitionAllocator struct {
	Ranges  [2]AllocationRange
	RowSize int64
}

// HashPartitionAllocatorSize is the device footprint of one allocator.
const HashPartitionAllocatorSize = int(unsafe.Sizeof(HashPartitionAllocator{}))

func NewHashPartitionAllocator(primary AllocationRange, rowSize int64) HashPartitionAllocator {
	return HashPartitionAllocator{
		Ranges:  [2]AllocationRange{primary},
		RowSize: rowSize,
	}
}

// AvailableFixed sums the free row bytes of both ranges.
func (a *HashPartitionAllocator) AvailableFixed() int64 {
	return a.Ranges[0].AvailableFixed() + a.Ranges[1].AvailableFixed()
}

// RaiseRowLimits raises soft limits by up to n bytes, primary first, and
// returns the bytes granted.
func (a *HashPartitionAllocator) RaiseRowLimits(n int64) int64 {
	granted := a.Ranges[0].RaiseRowLimit(n, a.RowSize)
	if granted < n {
		granted += a.Ranges[1].RaiseRowLimit(n-granted, a.RowSize)
	}
	return granted
}

func (a *HashPartitionAllocator) ClearOverflows() {
	a.Ranges[0].ClearOverflows()
	a.Ranges[1].ClearOverflows()
}

// TrimRows lowers the soft limits so that at most bytes of row space stay
// available. The primary keeps its share first.
func (a *HashPartitionAllocator) TrimRows(bytes int64) {
	remaining := max(0, bytes/a.RowSize*a.RowSize)
	for i := range a.Ranges {
		r := &a.Ranges[i]
		if r.Empty() {
			continue
		}
		r.ClearOverflows()
		keep := min(r.AvailableFixed(), remaining)
		r.RowLimit = r.RowOffset + keep
		remaining -= keep
	}
}

// AllocateRow takes a row from the primary, then from the secondary.
func (a *HashPartitionAllocator) AllocateRow() (uintptr, bool) {
	if row, ok := a.Ranges[0].AllocateRow(a.RowSize); ok {
		return row, true
	}
	return a.Ranges[1].AllocateRow(a.RowSize)
}

// Restock makes at least size more bytes of rows available. Raising the soft
// limits is tried first. Otherwise a new range comes from newRange and goes
// into a free slot. A full primary is handed to retire and the secondary
// moves up; if both slots are still taken the one with less room is
// retired. The new range also covers the room the retired range had left,
// so AvailableFixed never goes down. Retired ranges keep their rows.
//
// Calls for one allocator must not overlap and no kernel may be running.
func (a *HashPartitionAllocator) Restock(
	size int64,
	newRange func(capacity int64) (AllocationRange, error),
	retire func(AllocationRange),
) error {
	if size-a.RaiseRowLimits(size) <= 0 {
		return nil
	}
	victim := a.retireSlot()
	lost := int64(0)
	if victim >= 0 {
		lost = a.Ranges[victim].AvailableFixed()
	}
	rows := (size + lost + a.RowSize - 1) / a.RowSize
	nr, err := newRange(RangeBytesForRows(rows, a.RowSize))
	if err != nil {
		return err
	}
	if victim >= 0 {
		retire(a.Ranges[victim])
		if victim == 0 {
			a.Ranges[0] = a.Ranges[1]
		}
		a.Ranges[1] = AllocationRange{}
	}
	if a.Ranges[0].Empty() {
		a.Ranges[0] = nr
	} else {
		a.Ranges[1] = nr
	}
	return nil
}

// retireSlot picks the range Restock gives up, or -1 when a slot is free.
func (a *HashPartitionAllocator) retireSlot() int {
	switch {
	case a.Ranges[0].IsFixedFull() && !a.Ranges[0].Empty():
		return 0
	case a.Ranges[0].Empty() || a.Ranges[1].Empty():
		return -1
	case a.Ranges[0].AvailableFixed() < a.Ranges[1].AvailableFixed():
		return 0
	default:
		return 1
	}
}
