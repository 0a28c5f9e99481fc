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
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/constraints"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/wave/alloc"
)

const (
	// BucketMembers is the number of entries in one bucket.
	BucketMembers = 8

	// MinRowSize fits key, count and sum. Larger rows are padding.
	MinRowSize = 24

	keyOffset   = 0
	countOffset = 8
	sumOffset   = 16
)

// GpuBucket holds up to BucketMembers entries. A zero tag is an empty slot.
// Slots fill in order and are never cleared.
type GpuBucket struct {
	Tags [BucketMembers]uint8
	Lock uint32
	_    uint32
	Rows [BucketMembers]uintptr
}

var BucketSize = int(unsafe.Sizeof(GpuBucket{}))

// GpuHashTableBase is the device resident table header.
type GpuHashTableBase struct {
	SizeMask      uint64
	PartitionMask uint32
	_             uint32
	MaxEntries    int64
	NumDistinct   int64
	// Buckets is the device address of the bucket array.
	Buckets uintptr
	// Allocators is the device address of the per partition allocators.
	Allocators uintptr
}

func (t *GpuHashTableBase) NumBuckets() int64 {
	return int64(t.SizeMask) + 1
}

func (t *GpuHashTableBase) NumPartitions() int {
	return int(t.PartitionMask) + 1
}

// DeviceAggregation is the head block of an aggregation state. The partition
// allocators follow it in the same buffer.
type DeviceAggregation struct {
	DebugActiveBlockCounter int32
	NumReadStreams          int32
	// ResultRowPointers is the device address of one result row array
	// address per reader.
	ResultRowPointers uintptr
	Table             GpuHashTableBase
}

var deviceAggregationSize = int(unsafe.Sizeof(DeviceAggregation{}))

// HeadSize is the size of a head block with its allocators.
func HeadSize(numPartitions int) int {
	return alloc.RoundUp(deviceAggregationSize, 8) + numPartitions*alloc.HashPartitionAllocatorSize
}

// AllocatorsOffset is where the allocators start inside the head block.
func AllocatorsOffset() int {
	return alloc.RoundUp(deviceAggregationSize, 8)
}

func BucketBytes(numBuckets int64) int {
	return int(numBuckets) * BucketSize
}

// MaxEntries is the load limit for numBuckets buckets.
func MaxEntries(numBuckets int64) int64 {
	return numBuckets * 5 / 6
}

func NextPowerOfTwo[T constraints.Integer](v T) T {
	if v <= 1 {
		return 1
	}
	return T(1) << bits.Len64(uint64(v-1))
}

func IsPowerOfTwo[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}

func Hash(key int64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return xxhash.Sum64(buf[:])
}

func tagOf(h uint64) uint8 {
	return uint8(h>>56) | 0x80
}

func viewHead(b []byte) *DeviceAggregation {
	return (*DeviceAggregation)(unsafe.Pointer(&b[0]))
}

// ViewHead casts the start of a head block to its header.
func ViewHead(b []byte) *DeviceAggregation {
	if len(b) < deviceAggregationSize {
		panic(moerr.NewInvalidState(context.Background(), "head block of %d bytes", len(b)))
	}
	return viewHead(b)
}

// ViewAllocators casts a span to n allocators.
func ViewAllocators(b []byte, n int) []alloc.HashPartitionAllocator {
	if n == 0 {
		return nil
	}
	if len(b) < n*alloc.HashPartitionAllocatorSize {
		panic(moerr.NewInvalidState(context.Background(), "%d bytes for %d allocators", len(b), n))
	}
	return unsafe.Slice((*alloc.HashPartitionAllocator)(unsafe.Pointer(&b[0])), n)
}

// ViewBuckets casts a span to n buckets.
func ViewBuckets(b []byte, n int64) []GpuBucket {
	if n == 0 {
		return nil
	}
	if len(b) < BucketBytes(n) {
		panic(moerr.NewInvalidState(context.Background(), "%d bytes for %d buckets", len(b), n))
	}
	return unsafe.Slice((*GpuBucket)(unsafe.Pointer(&b[0])), n)
}

// InitHead fills a zeroed head block laid out at headAddr.
func InitHead(head *DeviceAggregation, headAddr, buckets uintptr, numBuckets int64, numPartitions int) {
	head.Table.SizeMask = uint64(numBuckets - 1)
	head.Table.PartitionMask = uint32(numPartitions - 1)
	head.Table.MaxEntries = MaxEntries(numBuckets)
	head.Table.Buckets = buckets
	head.Table.Allocators = headAddr + uintptr(AllocatorsOffset())
}
