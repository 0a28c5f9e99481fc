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

package exec

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/common/malloc"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
	v2 "github.com/matrixorigin/wavegroup/pkg/util/metric/v2"
	"github.com/matrixorigin/wavegroup/pkg/wave/alloc"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
	"github.com/matrixorigin/wavegroup/pkg/wave/hashtable"
)

var (
	streamFromReserve = func(dev *device.Device) *device.Stream {
		return dev.StreamFromReserve()
	}
	releaseStream = func(dev *device.Device, s *device.Stream) error {
		return dev.ReleaseStream(s)
	}
)

type AggregateStateOptions struct {
	StateID int32
	// Grouped is false for an aggregation without keys, which produces a
	// single row.
	Grouped                 bool
	NumPartitions           int
	InitialBuckets          int64
	InitialRowsPerPartition int64
	RowSize                 int64
	MaxReadStreams          int
}

func (o AggregateStateOptions) validate(ctx context.Context) error {
	if !hashtable.IsPowerOfTwo(o.NumPartitions) {
		return moerr.NewInvalidInput(ctx, "partition count %d is not a power of two", o.NumPartitions)
	}
	if !hashtable.IsPowerOfTwo(o.InitialBuckets) {
		return moerr.NewInvalidInput(ctx, "bucket count %d is not a power of two", o.InitialBuckets)
	}
	if o.InitialBuckets < 3*int64(o.NumPartitions) {
		return moerr.NewInvalidInput(ctx, "%d buckets is too few for %d partitions", o.InitialBuckets, o.NumPartitions)
	}
	if o.RowSize < hashtable.MinRowSize || o.RowSize%8 != 0 {
		return moerr.NewInvalidInput(ctx, "row size %d", o.RowSize)
	}
	if o.InitialRowsPerPartition <= 0 || o.MaxReadStreams <= 0 {
		return moerr.NewInvalidInput(ctx, "initial rows %d, read streams %d", o.InitialRowsPerPartition, o.MaxReadStreams)
	}
	return nil
}

// RowCursor is the resumable position of grouped result reading.
type RowCursor struct {
	RangeIdx int
	RowIdx   int64
}

// AggregateOperatorState is the host side of one aggregation's device state.
type AggregateOperatorState struct {
	id       int32
	instance uuid.UUID
	dev      *device.Device
	arena    *device.Arena

	isGrouped      bool
	rowSize        int64
	maxReadStreams int

	// head holds the DeviceAggregation followed by the partition allocators.
	head    *device.Buffer
	Head    *hashtable.DeviceAggregation
	buckets *device.Buffer
	// buffers backing allocation ranges
	buffers []*device.Buffer
	// ranges moved out of the allocators by restock, rows still live
	retired []alloc.AllocationRange

	mu                sync.Mutex
	closed            bool
	isNew             bool
	ranges            []alloc.AllocationRange
	cursor            RowCursor
	resultRowPointers *device.Buffer
	resultRows        []*device.Buffer
	rowBuf            []uintptr
	staging           []byte
	numRows           int64
	bytes             int64
	deferredErr       error
}

var _ OperatorState = new(AggregateOperatorState)

func NewAggregateOperatorState(
	ctx context.Context,
	dev *device.Device,
	opts AggregateStateOptions,
) (_ *AggregateOperatorState, err error) {
	if err := opts.validate(ctx); err != nil {
		return nil, err
	}
	s := &AggregateOperatorState{
		id:             opts.StateID,
		instance:       uuid.New(),
		dev:            dev,
		arena:          dev.Arena(),
		isGrouped:      opts.Grouped,
		rowSize:        opts.RowSize,
		maxReadStreams: opts.MaxReadStreams,
		isNew:          true,
	}
	defer func() {
		if err != nil {
			s.freeBuffers()
		}
	}()

	if s.head, err = s.arena.Allocate(hashtable.HeadSize(opts.NumPartitions), malloc.NoHints); err != nil {
		return nil, err
	}
	if s.buckets, err = s.arena.Allocate(hashtable.BucketBytes(opts.InitialBuckets), malloc.NoHints); err != nil {
		return nil, err
	}
	s.Head = hashtable.ViewHead(s.head.Bytes())
	hashtable.InitHead(s.Head, s.head.Addr(), s.buckets.Addr(), opts.InitialBuckets, opts.NumPartitions)

	allocators := s.allocators()
	capacity := alloc.RangeBytesForRows(opts.InitialRowsPerPartition, opts.RowSize)
	for i := range allocators {
		buf, err := s.arena.Allocate(int(capacity), malloc.NoHints)
		if err != nil {
			return nil, err
		}
		s.buffers = append(s.buffers, buf)
		allocators[i] = alloc.NewHashPartitionAllocator(
			alloc.NewAllocationRange(buf, capacity, capacity, opts.RowSize), opts.RowSize)
	}

	ds := streamFromReserve(dev)
	ds.Prefetch(s.head, device.OnDevice)
	if err = releaseStream(dev, ds); err != nil {
		return nil, err
	}

	logutil.Debug("aggregate state created",
		zap.String("instance", s.instance.String()),
		zap.Int32("state", s.id),
		zap.Bool("grouped", s.isGrouped),
		zap.Int("partitions", opts.NumPartitions),
		zap.Int64("buckets", opts.InitialBuckets),
	)
	return s, nil
}

func (s *AggregateOperatorState) StateID() int32 {
	return s.id
}

func (s *AggregateOperatorState) Instance() uuid.UUID {
	return s.instance
}

func (s *AggregateOperatorState) IsGrouped() bool {
	return s.isGrouped
}

func (s *AggregateOperatorState) RowSize() int64 {
	return s.rowSize
}

func (s *AggregateOperatorState) Device() *device.Device {
	return s.dev
}

// HeadAddr is the device address of the head block.
func (s *AggregateOperatorState) HeadAddr() uintptr {
	return s.head.Addr()
}

// Table resolves the device table. Host use requires an idle device.
func (s *AggregateOperatorState) Table() *hashtable.Table {
	return hashtable.Open(s.arena, s.head.Addr())
}

func (s *AggregateOperatorState) allocators() []alloc.HashPartitionAllocator {
	return hashtable.ViewAllocators(
		s.head.Bytes()[hashtable.AllocatorsOffset():], s.Head.Table.NumPartitions())
}

// AssertIdle panics unless no kernel block is running on this state.
func (s *AggregateOperatorState) AssertIdle(ctx context.Context) {
	if n := atomic.LoadInt32(&s.Head.DebugActiveBlockCounter); n != 0 {
		panic(moerr.NewDeviceNotIdle(ctx, n))
	}
}

// Retired returns the ranges restock moved out of the allocators.
func (s *AggregateOperatorState) Retired() []alloc.AllocationRange {
	return s.retired
}

func (s *AggregateOperatorState) restock(a *alloc.HashPartitionAllocator, size int64) error {
	return a.Restock(
		size,
		func(capacity int64) (alloc.AllocationRange, error) {
			buf, err := s.arena.Allocate(int(capacity), malloc.NoHints)
			if err != nil {
				return alloc.AllocationRange{}, err
			}
			s.buffers = append(s.buffers, buf)
			v2.WaveRestockBytesCounter.Add(float64(capacity))
			return alloc.NewAllocationRange(buf, capacity, capacity, s.rowSize), nil
		},
		func(r alloc.AllocationRange) {
			s.retired = append(s.retired, r)
		},
	)
}

// SetSizesToSafe trims every partition to an even share of the entries the
// table can still take. Partitions that are already uneven stay uneven.
func (s *AggregateOperatorState) SetSizesToSafe() {
	table := &s.Head.Table
	numPartitions := int64(table.NumPartitions())
	allowedPerPartition := max(0, table.MaxEntries-table.NumDistinct) / numPartitions
	allocators := s.allocators()
	for i := range allocators {
		if allocators[i].AvailableFixed()/s.rowSize > allowedPerPartition {
			allocators[i].TrimRows(allowedPerPartition * s.rowSize)
		}
	}
}

// ResultRows decodes the last batch handed to reader streamIdx.
func (s *AggregateOperatorState) ResultRows(streamIdx int) []uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if streamIdx < 0 || streamIdx >= len(s.resultRows) || s.resultRows[streamIdx] == nil {
		return nil
	}
	b := s.resultRows[streamIdx].Bytes()
	n := binary.LittleEndian.Uint64(b)
	rows := make([]uintptr, n)
	for i := range rows {
		rows[i] = uintptr(binary.LittleEndian.Uint64(b[8*(i+1):]))
	}
	return rows
}

// TotalResultRows is the row and byte count found at the first read.
func (s *AggregateOperatorState) TotalResultRows() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numRows, s.bytes
}

func (s *AggregateOperatorState) freeBuffers() {
	s.head.Free()
	s.buckets.Free()
	for _, b := range s.buffers {
		b.Free()
	}
	s.buffers = nil
	s.resultRowPointers.Free()
	for _, b := range s.resultRows {
		b.Free()
	}
	s.resultRows = nil
}

// Close releases every device buffer of the state. It reports stream
// failures that no reader could return and a device that is still busy.
func (s *AggregateOperatorState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.deferredErr
	if n := atomic.LoadInt32(&s.Head.DebugActiveBlockCounter); n != 0 {
		err = multierr.Append(err, moerr.NewDeviceNotIdle(context.Background(), n))
	}
	s.freeBuffers()
	logutil.Debug("aggregate state closed",
		zap.String("instance", s.instance.String()),
		zap.Int("retired ranges", len(s.retired)),
		zap.Error(err),
	)
	return err
}
