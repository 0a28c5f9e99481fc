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

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/common/bitmap"
	"github.com/matrixorigin/wavegroup/pkg/common/malloc"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
	v2 "github.com/matrixorigin/wavegroup/pkg/util/metric/v2"
	"github.com/matrixorigin/wavegroup/pkg/wave/alloc"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
)

const DefaultMaxBatchRows = 80 * 1024

type ReadConfig struct {
	// MaxBatchRows bounds the rows one read returns.
	MaxBatchRows int
}

func DefaultReadConfig() ReadConfig {
	return ReadConfig{MaxBatchRows: DefaultMaxBatchRows}
}

// ReadAggregation streams the groups of an aggregation to readers.
type ReadAggregation struct {
	ContinueLabel int32
	StateID       int32
	MaxBatchRows  int
}

var _ Instruction = new(ReadAggregation)

func NewReadAggregation(stateID, continueLabel int32, cfg ReadConfig) *ReadAggregation {
	if cfg.MaxBatchRows <= 0 {
		cfg.MaxBatchRows = DefaultMaxBatchRows
	}
	return &ReadAggregation{
		ContinueLabel: continueLabel,
		StateID:       stateID,
		MaxBatchRows:  cfg.MaxBatchRows,
	}
}

// CountResultRows counts the live rows of ranges and the bytes they use,
// variable length data included.
func CountResultRows(mem device.Memory, ranges []alloc.AllocationRange, rowSize int64) (int64, int64) {
	var count, bytes int64
	for i := range ranges {
		r := &ranges[i]
		numFree := r.NumFreeRows(mem)
		if numFree > 0 {
			logutil.Debug("free rows in result range", zap.Int64("free", numFree))
		}
		n := (r.RowOffset-r.FirstRowOffset)/rowSize - numFree
		count += n
		bytes += n*rowSize + (r.Capacity - r.StringOffset)
	}
	return count, bytes
}

// MakeResultRows writes the addresses of up to maxRows live rows starting at
// cursor into out and advances cursor past them.
func MakeResultRows(
	mem device.Memory,
	ranges []alloc.AllocationRange,
	rowSize int64,
	maxRows int,
	cursor *RowCursor,
	out []uintptr,
) int {
	maxRows = min(maxRows, len(out))
	fill := 0
	if maxRows <= 0 {
		return 0
	}
	for ; cursor.RangeIdx < len(ranges); cursor.RangeIdx++ {
		r := &ranges[cursor.RangeIdx]
		bits := r.Bitmap(mem)
		numRows := (r.RowOffset - r.FirstRowOffset) / rowSize
		for cursor.RowIdx < numRows {
			cursor.RowIdx = int64(bitmap.NextClear(bits, uint64(cursor.RowIdx), uint64(numRows)))
			if cursor.RowIdx >= numRows {
				break
			}
			out[fill] = r.RowAddress(cursor.RowIdx, rowSize)
			fill++
			cursor.RowIdx++
			if fill >= maxRows {
				return fill
			}
		}
		cursor.RowIdx = 0
	}
	return fill
}

func (r *ReadAggregation) CanAdvance(
	ctx context.Context,
	stream WaveStream,
	control *LaunchControl,
	state OperatorState,
	instructionIdx int,
) AdvanceResult {
	aggState, ok := state.(*AggregateOperatorState)
	if !ok {
		return Empty{}
	}
	batchSize := r.MaxBatchRows
	aggState.mu.Lock()
	defer aggState.mu.Unlock()

	if !aggState.isGrouped {
		if aggState.isNew {
			aggState.isNew = false
			return Continue{NumRows: 1, ContinueLabel: r.ContinueLabel}
		}
		return Empty{}
	}

	streamIdx := stream.StreamIdx()
	if streamIdx >= aggState.maxReadStreams {
		return Empty{}
	}
	ds := streamFromReserve(aggState.dev)
	defer func() {
		// errors here come from work no one waited on
		if err := releaseStream(aggState.dev, ds); err != nil {
			aggState.deferredErr = multierr.Append(aggState.deferredErr, err)
		}
	}()

	if aggState.isNew {
		aggState.isNew = false
		aggState.prepareResultRows(ctx, ds, batchSize)
	}
	if aggState.resultRows[streamIdx] == nil {
		buf, err := aggState.arena.Allocate((batchSize+1)*8, malloc.NoHints)
		if err != nil {
			panic(err)
		}
		aggState.resultRows[streamIdx] = buf
		// publish the reader's array in the device side pointer array
		var addr [8]byte
		binary.LittleEndian.PutUint64(addr[:], uint64(buf.Addr()))
		ds.HostToDeviceAsync(aggState.resultRowPointers, streamIdx*8, addr[:])
		if err = ds.Wait(); err != nil {
			panic(err)
		}
	}

	if len(aggState.rowBuf) < batchSize {
		aggState.rowBuf = make([]uintptr, batchSize)
		aggState.staging = make([]byte, (batchSize+1)*8)
	}
	numRows := MakeResultRows(
		aggState.arena,
		aggState.ranges,
		aggState.rowSize,
		batchSize,
		&aggState.cursor,
		aggState.rowBuf,
	)
	binary.LittleEndian.PutUint64(aggState.staging, uint64(numRows))
	if numRows == 0 {
		return Empty{}
	}
	for i, row := range aggState.rowBuf[:numRows] {
		binary.LittleEndian.PutUint64(aggState.staging[8*(i+1):], uint64(row))
	}
	ds.HostToDeviceAsync(aggState.resultRows[streamIdx], 0, aggState.staging[:(numRows+1)*8])
	if err := ds.Wait(); err != nil {
		panic(err)
	}
	v2.WaveReadBatchRowsHistogram.Observe(float64(numRows))
	return Continue{NumRows: numRows}
}

// prepareResultRows moves every range out of the allocators into one list
// and sets up the reader pointer array. Called once, on the first read.
func (s *AggregateOperatorState) prepareResultRows(ctx context.Context, ds *device.Stream, batchSize int) {
	s.AssertIdle(ctx)
	s.ranges = append(s.ranges[:0], s.retired...)
	allocators := s.allocators()
	for i := range allocators {
		for j := range allocators[i].Ranges {
			if allocators[i].Ranges[j].Empty() {
				continue
			}
			s.ranges = append(s.ranges, allocators[i].Ranges[j])
			s.ranges[len(s.ranges)-1].ClearOverflows()
			allocators[i].Ranges[j] = alloc.AllocationRange{}
		}
	}
	s.cursor = RowCursor{}
	s.numRows, s.bytes = CountResultRows(s.arena, s.ranges, s.rowSize)

	buf, err := s.arena.Allocate(s.maxReadStreams*8, malloc.NoClear)
	if err != nil {
		panic(err)
	}
	s.resultRowPointers = buf
	s.resultRows = make([]*device.Buffer, s.maxReadStreams)
	ds.Memset(buf, 0, 0, buf.Size())
	s.Head.NumReadStreams = int32(s.maxReadStreams)
	s.Head.ResultRowPointers = buf.Addr()
	ds.Prefetch(s.head, device.OnDevice)
	s.rowBuf = make([]uintptr, batchSize)
	s.staging = make([]byte, (batchSize+1)*8)

	logutil.Debug("grouped result ready",
		zap.String("instance", s.instance.String()),
		zap.Int("ranges", len(s.ranges)),
		zap.Int64("rows", s.numRows),
		zap.Int64("bytes", s.bytes),
	)
}
