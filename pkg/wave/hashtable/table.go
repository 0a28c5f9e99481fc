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

package hashtable

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync/atomic"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/wave/alloc"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
	"github.com/matrixorigin/wavegroup/pkg/wave/status"
)

// Table is a resolved view of a device aggregation for device passes and
// for the host while the device is idle.
type Table struct {
	mem        device.Memory
	Head       *DeviceAggregation
	Allocators []alloc.HashPartitionAllocator
	Buckets    []GpuBucket
	RowSize    int64
}

// Open resolves the head block at headAddr and everything it points to.
func Open(mem device.Memory, headAddr uintptr) *Table {
	head := ViewHead(mem.Bytes(headAddr, deviceAggregationSize))
	n := head.Table.NumPartitions()
	t := &Table{
		mem:        mem,
		Head:       head,
		Allocators: ViewAllocators(mem.Bytes(head.Table.Allocators, n*alloc.HashPartitionAllocatorSize), n),
	}
	t.Buckets = ViewBuckets(mem.Bytes(head.Table.Buckets, BucketBytes(head.Table.NumBuckets())), head.Table.NumBuckets())
	if n > 0 {
		t.RowSize = t.Allocators[0].RowSize
	}
	return t
}

type Row struct {
	Key   int64
	Count int64
	Sum   int64
}

// ReadRow decodes the row at addr.
func ReadRow(mem device.Memory, addr uintptr) Row {
	b := mem.Bytes(addr, MinRowSize)
	return Row{
		Key:   int64(binary.LittleEndian.Uint64(b[keyOffset:])),
		Count: int64(binary.LittleEndian.Uint64(b[countOffset:])),
		Sum:   int64(binary.LittleEndian.Uint64(b[sumOffset:])),
	}
}

func writeRow(mem device.Memory, addr uintptr, r Row) {
	b := mem.Bytes(addr, MinRowSize)
	binary.LittleEndian.PutUint64(b[keyOffset:], uint64(r.Key))
	binary.LittleEndian.PutUint64(b[countOffset:], uint64(r.Count))
	binary.LittleEndian.PutUint64(b[sumOffset:], uint64(r.Sum))
}

func (b *GpuBucket) lock() {
	for !atomic.CompareAndSwapUint32(&b.Lock, 0, 1) {
		runtime.Gosched()
	}
}

func (b *GpuBucket) unlock() {
	atomic.StoreUint32(&b.Lock, 0)
}

func (t *Table) reserveEntry() bool {
	for {
		n := atomic.LoadInt64(&t.Head.Table.NumDistinct)
		if n >= t.Head.Table.MaxEntries {
			return false
		}
		if atomic.CompareAndSwapInt64(&t.Head.Table.NumDistinct, n, n+1) {
			return true
		}
	}
}

// Partition is the allocator index for hash h.
func (t *Table) Partition(h uint64) int {
	return int((h >> 32) & uint64(t.Head.Table.PartitionMask))
}

// InsertRow adds value to the group of key, creating the group if needed.
// When the table is at its load limit or the partition has no row left it
// returns status.InsufficientMemory and leaves the table unchanged.
func (t *Table) InsertRow(key, value int64) status.ErrorCode {
	h := Hash(key)
	tag := tagOf(h)
	mask := t.Head.Table.SizeMask
	start := h & mask
	for probe := uint64(0); probe <= mask; probe++ {
		b := &t.Buckets[(start+probe)&mask]
		b.lock()
		for m := 0; m < BucketMembers; m++ {
			if b.Tags[m] == 0 {
				if !t.reserveEntry() {
					b.unlock()
					return status.InsufficientMemory
				}
				row, ok := t.Allocators[t.Partition(h)].AllocateRow()
				if !ok {
					atomic.AddInt64(&t.Head.Table.NumDistinct, -1)
					b.unlock()
					return status.InsufficientMemory
				}
				writeRow(t.mem, row, Row{Key: key, Count: 1, Sum: value})
				b.Rows[m] = row
				b.Tags[m] = tag
				b.unlock()
				return status.OK
			}
			if b.Tags[m] == tag {
				r := ReadRow(t.mem, b.Rows[m])
				if r.Key == key {
					r.Count++
					r.Sum += value
					writeRow(t.mem, b.Rows[m], r)
					b.unlock()
					return status.OK
				}
			}
		}
		b.unlock()
	}
	return status.InsufficientMemory
}

// Lookup finds the group of key. Host only.
func (t *Table) Lookup(key int64) (Row, bool) {
	h := Hash(key)
	tag := tagOf(h)
	mask := t.Head.Table.SizeMask
	start := h & mask
	for probe := uint64(0); probe <= mask; probe++ {
		b := &t.Buckets[(start+probe)&mask]
		for m := 0; m < BucketMembers; m++ {
			if b.Tags[m] == 0 {
				return Row{}, false
			}
			if b.Tags[m] == tag {
				if r := ReadRow(t.mem, b.Rows[m]); r.Key == key {
					return r, true
				}
			}
		}
	}
	return Row{}, false
}

// CountEntries counts occupied bucket slots.
func (t *Table) CountEntries() int64 {
	var n int64
	for i := range t.Buckets {
		for m := 0; m < BucketMembers; m++ {
			if t.Buckets[i].Tags[m] == 0 {
				break
			}
			n++
		}
	}
	return n
}

func (t *Table) place(h uint64, tag uint8, row uintptr) bool {
	mask := t.Head.Table.SizeMask
	start := h & mask
	for probe := uint64(0); probe <= mask; probe++ {
		b := &t.Buckets[(start+probe)&mask]
		for m := 0; m < BucketMembers; m++ {
			if b.Tags[m] == 0 {
				b.Rows[m] = row
				b.Tags[m] = tag
				return true
			}
		}
	}
	return false
}

// AggregationControl parameterizes a rehash pass.
type AggregationControl struct {
	Head          uintptr
	OldBuckets    uintptr
	NumOldBuckets int64
}

// Rehash moves every entry of the old bucket array into the bucket array the
// head now points to. Rows stay where they are and NumDistinct is unchanged.
func Rehash(mem device.Memory, ctrl AggregationControl) error {
	t := Open(mem, ctrl.Head)
	old := ViewBuckets(mem.Bytes(ctrl.OldBuckets, BucketBytes(ctrl.NumOldBuckets)), ctrl.NumOldBuckets)
	for i := range old {
		for m := 0; m < BucketMembers; m++ {
			tag := old[i].Tags[m]
			if tag == 0 {
				break
			}
			row := old[i].Rows[m]
			h := Hash(ReadRow(mem, row).Key)
			if !t.place(h, tag, row) {
				return moerr.NewInvalidState(context.Background(),
					"rehash into %d buckets overflowed", t.Head.Table.NumBuckets())
			}
		}
	}
	return nil
}
