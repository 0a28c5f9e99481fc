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
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/common/malloc"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
	v2 "github.com/matrixorigin/wavegroup/pkg/util/metric/v2"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
	"github.com/matrixorigin/wavegroup/pkg/wave/hashtable"
	"github.com/matrixorigin/wavegroup/pkg/wave/status"
)

// Aggregation is the grouping instruction. Lanes that cannot insert a row
// count it in the grid state and mark it status.InsufficientMemory.
type Aggregation struct {
	Serial int32
	// Keys are the grouping key columns. Without keys there is one group.
	Keys              []int
	ContinueLabel     int32
	InstructionStatus status.InstructionStatus
	StateID           int32
	RowSize           int64
}

var _ Instruction = new(Aggregation)

// ReserveState takes the instruction's grid state at cursor.
func (a *Aggregation) ReserveState(cursor *status.InstructionStatus) {
	cursor.Reserve(&a.InstructionStatus, status.AggregateReturnSize)
}

func (a *Aggregation) CanAdvance(
	ctx context.Context,
	stream WaveStream,
	control *LaunchControl,
	state OperatorState,
	instructionIdx int,
) AdvanceResult {
	if len(a.Keys) == 0 {
		return Empty{}
	}
	gridState := stream.GridStatus(&a.InstructionStatus)
	if gridState == nil {
		// no launch yet
		return Empty{}
	}
	if gridState.Load() == 0 {
		return Empty{}
	}
	stream.CheckBlockStatuses()
	stream.ClearGridStatus(&a.InstructionStatus)
	// the table needs rows or a rehash, which needs every driver stopped
	return RetryWithBarrier{
		NumRows:          stream.NumRows(),
		ContinueLabel:    a.ContinueLabel,
		Sync:             SyncDrivers,
		OnBarrierReached: ResupplyHashTable,
		Payload:          state,
	}
}

// CountErrors counts rows of the first numBlocks blocks that ended with code.
func CountErrors(blockStatus []status.BlockStatus, numBlocks int, code status.ErrorCode) int64 {
	var count int64
	for i := 0; i < numBlocks && i < len(blockStatus); i++ {
		n := min(int(blockStatus[i].NumRows), status.BlockSize)
		for j := 0; j < n; j++ {
			if blockStatus[i].Errors[j] == code {
				count++
			}
		}
	}
	return count
}

func countFailedRows(stream WaveStream) int64 {
	numBlocks := status.NumBlocks(stream.NumRows())
	return CountErrors(stream.HostBlockStatus(), numBlocks, status.InsufficientMemory)
}

type ResupplyPlan struct {
	// NewBuckets is the target bucket count.
	NewBuckets int64
	// MaxEntries is the load limit of NewBuckets, applied on rehash.
	MaxEntries int64
	// Increment is the row bytes each partition should have available.
	Increment int64
	Rehash    bool
}

// PlanResupply sizes the table for numFailed more rows on top of twice the
// current distinct count.
func PlanResupply(numFailed, numDistinct, numBuckets int64, numPartitions int, rowSize int64) ResupplyPlan {
	newSize := hashtable.NextPowerOfTwo(numFailed + 2*numDistinct)
	increment := rowSize * (newSize - numDistinct) / int64(numPartitions)
	return ResupplyPlan{
		NewBuckets: newSize,
		MaxEntries: hashtable.MaxEntries(newSize),
		Increment:  max(increment, rowSize),
		Rehash:     newSize > numBuckets,
	}
}

// ResupplyHashTable grows the partition allocators and rehashes the table
// after a step had rows that did not fit. It runs on the barrier so every
// kernel using the state is stopped. Failed rows are counted over stream and
// replicas. Arena failures are returned and end the query.
func ResupplyHashTable(ctx context.Context, stream WaveStream, inst Instruction, replicas ...WaveStream) (err error) {
	agg, ok := inst.(*Aggregation)
	if !ok {
		return moerr.NewInvalidInput(ctx, "resupply for %T", inst)
	}
	state, ok := stream.OperatorState(agg.StateID).(*AggregateOperatorState)
	if !ok {
		return moerr.NewUnknownOperState(ctx, agg.StateID)
	}
	start := time.Now()
	dev := state.dev
	ds := streamFromReserve(dev)
	defer func() {
		if e := releaseStream(dev, ds); err == nil {
			err = e
		}
	}()

	ds.Prefetch(state.head, device.OnHost)
	if err = ds.Wait(); err != nil {
		return err
	}
	state.AssertIdle(ctx)

	table := &state.Head.Table
	numFailed := countFailedRows(stream)
	for _, r := range replicas {
		numFailed += countFailedRows(r)
	}
	numPartitions := table.NumPartitions()
	plan := PlanResupply(numFailed, table.NumDistinct, table.NumBuckets(), numPartitions, agg.RowSize)
	logutil.Debug("resupply",
		zap.String("instance", state.instance.String()),
		zap.Int64("buckets", table.NumBuckets()),
		zap.Int64("new buckets", plan.NewBuckets),
		zap.Int64("increment", plan.Increment),
		zap.Int64("failed", numFailed),
		zap.Int64("distinct", table.NumDistinct),
	)

	allocators := state.allocators()
	for i := range allocators {
		// concurrent failed allocations can leave the fill way past the limit
		allocators[i].ClearOverflows()
		if allocators[i].AvailableFixed() < plan.Increment {
			if err = state.restock(&allocators[i], plan.Increment); err != nil {
				return err
			}
		}
	}

	var oldBuckets *device.Buffer
	var numOldBuckets int64
	if plan.Rehash {
		var newBuckets *device.Buffer
		if newBuckets, err = state.arena.Allocate(hashtable.BucketBytes(plan.NewBuckets), malloc.NoClear); err != nil {
			return err
		}
		ds.Memset(newBuckets, 0, 0, newBuckets.Size())
		oldBuckets, numOldBuckets = state.buckets, table.NumBuckets()
		state.buckets = newBuckets
		table.SizeMask = uint64(plan.NewBuckets - 1)
		table.Buckets = newBuckets.Addr()
		table.MaxEntries = plan.MaxEntries
	}
	state.SetSizesToSafe()
	ds.Prefetch(state.head, device.OnDevice)
	if plan.Rehash {
		control := hashtable.AggregationControl{
			Head:          state.head.Addr(),
			OldBuckets:    oldBuckets.Addr(),
			NumOldBuckets: numOldBuckets,
		}
		ds.Launch(func(mem device.Memory) error {
			return hashtable.Rehash(mem, control)
		})
	}
	err = ds.Wait()
	if oldBuckets != nil {
		oldBuckets.Free()
		v2.WaveRehashCounter.Inc()
		logutil.Debug("rehashed",
			zap.String("instance", state.instance.String()),
			zap.Int64("buckets", plan.NewBuckets),
		)
	}
	v2.WaveResupplyCounter.Inc()
	v2.WaveResupplyDurationHistogram.Observe(time.Since(start).Seconds())
	return err
}
