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

package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
	"github.com/matrixorigin/wavegroup/pkg/wave/exec"
	"github.com/matrixorigin/wavegroup/pkg/wave/hashtable"
	"github.com/matrixorigin/wavegroup/pkg/wave/status"
)

// Driver is one replica of the aggregation pipeline. It feeds its share of
// the input to the table in kernel steps and retries the rows that did not
// fit after the table is resupplied.
type Driver struct {
	idx    int
	task   *Task
	stream *device.Stream

	keys   []int64
	values []int64

	gridState []byte
	launched  bool
	// rows of the current batch still to insert
	pending *roaring.Bitmap
	// step row i is batch row stepRows[i]
	stepRows []uint32
	blocks   []status.BlockStatus

	steps   int
	retries int
}

var _ exec.WaveStream = new(Driver)

func newDriver(idx int, task *Task, keys, values []int64) *Driver {
	return &Driver{
		idx:       idx,
		task:      task,
		stream:    task.dev.NewStream(),
		keys:      keys,
		values:    values,
		gridState: status.MakeGridState(task.gridStateSize),
		pending:   roaring.New(),
	}
}

func (d *Driver) StreamIdx() int {
	return d.idx
}

func (d *Driver) NumRows() int {
	return len(d.stepRows)
}

func (d *Driver) HostBlockStatus() []status.BlockStatus {
	return d.blocks
}

func (d *Driver) GridStatus(st *status.InstructionStatus) *status.AggregateReturn {
	if !d.launched {
		return nil
	}
	return status.AggregateReturnAt(d.gridState, st.GridState)
}

func (d *Driver) ClearGridStatus(st *status.InstructionStatus) {
	status.ClearGridState(d.gridState, st)
}

// CheckBlockStatuses keeps only the rows that ran out of memory pending.
// The block statuses stay readable for the resupply that follows.
func (d *Driver) CheckBlockStatuses() {
	failed := roaring.New()
	for i, row := range d.stepRows {
		if d.blocks[i/status.BlockSize].Errors[i%status.BlockSize] == status.InsufficientMemory {
			failed.Add(row)
		}
	}
	d.pending = failed
}

func (d *Driver) OperatorState(id int32) exec.OperatorState {
	if d.task.state.StateID() == id {
		return d.task.state
	}
	return nil
}

// Run inserts every input row. It leaves the barrier when done, also on
// error, so that the other drivers do not wait for it.
func (d *Driver) Run(ctx context.Context) (err error) {
	defer func() {
		if e := d.task.barrier.Leave(ctx); err == nil {
			err = e
		}
		if e := d.stream.Wait(); err == nil {
			err = e
		}
	}()

	batchSize := d.task.batchRows
	for start := 0; start < len(d.keys); start += batchSize {
		end := min(start+batchSize, len(d.keys))
		d.pending.Clear()
		d.pending.AddRange(0, uint64(end-start))
		if err = d.runBatch(ctx, start, end); err != nil {
			return err
		}
	}
	logutil.Debug("driver done",
		zap.Int("driver", d.idx),
		zap.Int("rows", len(d.keys)),
		zap.Int("steps", d.steps),
		zap.Int("retries", d.retries),
	)
	return nil
}

func (d *Driver) runBatch(ctx context.Context, start, end int) error {
	agg := d.task.agg
	for !d.pending.IsEmpty() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// another driver is waiting to resupply
		if d.task.barrier.Pending() {
			if err := d.task.barrier.Arrive(ctx, nil, nil); err != nil {
				return err
			}
		}
		d.stepRows = d.pending.ToArray()
		if err := d.launch(start); err != nil {
			return err
		}
		control := &exec.LaunchControl{
			NumBlocks: len(d.blocks),
			InputRows: end - start,
		}
		res := agg.CanAdvance(ctx, d, control, d.task.state, 0)
		switch r := res.(type) {
		case exec.Empty:
			d.pending.Clear()
		case exec.RetryWithBarrier:
			d.retries++
			if err := d.awaitResupply(ctx, r); err != nil {
				return err
			}
		default:
			return moerr.NewInvalidState(ctx, "unexpected %s from aggregation", res)
		}
	}
	return nil
}

// awaitResupply waits at the barrier for r. Drivers retrying in the same
// round share one resupply, which sees the block statuses of all of them.
func (d *Driver) awaitResupply(ctx context.Context, r exec.RetryWithBarrier) error {
	agg := d.task.agg
	d.task.joinRetry(d)
	key := resupplyKey(r.Payload.StateID())
	return d.task.barrier.Arrive(ctx, key, func(ctx context.Context) error {
		streams := d.task.takeRetries()
		if len(streams) == 0 {
			return r.OnBarrierReached(ctx, d, agg)
		}
		return r.OnBarrierReached(ctx, streams[0], agg, streams[1:]...)
	})
}

// launch runs one kernel step over the step rows and waits for it.
func (d *Driver) launch(start int) error {
	numRows := len(d.stepRows)
	numBlocks := status.NumBlocks(numRows)
	if cap(d.blocks) < numBlocks {
		d.blocks = make([]status.BlockStatus, numBlocks)
	}
	d.blocks = d.blocks[:numBlocks]
	clear(d.blocks)
	d.launched = true
	d.steps++

	task := d.task
	headAddr := task.state.HeadAddr()
	gridOffset := task.agg.InstructionStatus.GridState
	d.stream.Launch(func(mem device.Memory) error {
		table := hashtable.Open(mem, headAddr)
		ret := status.AggregateReturnAt(d.gridState, gridOffset)
		var wg sync.WaitGroup
		var mu sync.Mutex
		var panicked any
		for b := 0; b < numBlocks; b++ {
			block := b
			wg.Add(1)
			err := task.pool.Submit(func() {
				defer wg.Done()
				atomic.AddInt32(&table.Head.DebugActiveBlockCounter, 1)
				defer atomic.AddInt32(&table.Head.DebugActiveBlockCounter, -1)
				defer func() {
					if e := recover(); e != nil {
						mu.Lock()
						panicked = e
						mu.Unlock()
					}
				}()
				d.runBlock(table, ret, start, block)
			})
			if err != nil {
				wg.Done()
				wg.Wait()
				return err
			}
		}
		wg.Wait()
		if panicked != nil {
			// the stream turns it into an error
			panic(panicked)
		}
		return nil
	})
	return d.stream.Wait()
}

func (d *Driver) runBlock(table *hashtable.Table, ret *status.AggregateReturn, start, block int) {
	bs := &d.blocks[block]
	first := block * status.BlockSize
	last := min(first+status.BlockSize, len(d.stepRows))
	bs.NumRows = int32(last - first)
	for i := first; i < last; i++ {
		row := start + int(d.stepRows[i])
		key := d.keys[row]
		if !d.task.grouped {
			key = 0
		}
		code := table.InsertRow(key, d.values[row])
		bs.Errors[i-first] = code
		if code == status.InsufficientMemory {
			ret.Add(1)
		}
	}
}
