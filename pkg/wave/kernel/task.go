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
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/common/concurrent"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
	"github.com/matrixorigin/wavegroup/pkg/wave/exec"
	"github.com/matrixorigin/wavegroup/pkg/wave/status"
)

type TaskOptions struct {
	NumDrivers int
	// BlocksInFlight is the number of blocks of one kernel step.
	BlocksInFlight int
	Read           exec.ReadConfig
	State          exec.AggregateStateOptions
}

// Task runs one aggregation over several drivers sharing one device state.
type Task struct {
	id      uuid.UUID
	dev     *device.Device
	state   *exec.AggregateOperatorState
	agg     *exec.Aggregation
	read    *exec.ReadAggregation
	grouped bool

	pool          *ants.Pool
	executor      concurrent.ThreadPoolExecutor
	barrier       *Barrier
	gridStateSize int
	batchRows     int
	drivers       []*Driver

	// drivers waiting for a resupply in the current barrier round
	retrying struct {
		sync.Mutex
		streams []exec.WaveStream
	}
}

// resupplyKey makes the drivers of one round share a single resupply.
type resupplyKey int32

func (t *Task) joinRetry(s exec.WaveStream) {
	t.retrying.Lock()
	defer t.retrying.Unlock()
	t.retrying.streams = append(t.retrying.streams, s)
}

func (t *Task) takeRetries() []exec.WaveStream {
	t.retrying.Lock()
	defer t.retrying.Unlock()
	streams := t.retrying.streams
	t.retrying.streams = nil
	return streams
}

type TaskStats struct {
	Steps    int
	Retries  int
	Distinct int64
	Buckets  int64
}

func NewTask(ctx context.Context, dev *device.Device, opts TaskOptions) (*Task, error) {
	if opts.NumDrivers <= 0 || opts.BlocksInFlight <= 0 {
		return nil, moerr.NewInvalidInput(ctx, "%d drivers with %d blocks in flight", opts.NumDrivers, opts.BlocksInFlight)
	}
	state, err := exec.NewAggregateOperatorState(ctx, dev, opts.State)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(opts.NumDrivers * opts.BlocksInFlight)
	if err != nil {
		return nil, multierr.Append(err, state.Close())
	}

	agg := &exec.Aggregation{
		Serial:  1,
		StateID: opts.State.StateID,
		RowSize: opts.State.RowSize,
	}
	if opts.State.Grouped {
		agg.Keys = []int{0}
	}
	var cursor status.InstructionStatus
	agg.ReserveState(&cursor)

	return &Task{
		id:            uuid.New(),
		dev:           dev,
		state:         state,
		agg:           agg,
		read:          exec.NewReadAggregation(opts.State.StateID, 0, opts.Read),
		grouped:       opts.State.Grouped,
		pool:          pool,
		executor:      concurrent.NewThreadPoolExecutor(opts.NumDrivers),
		gridStateSize: cursor.GridState,
		batchRows:     opts.BlocksInFlight * status.BlockSize,
	}, nil
}

func (t *Task) State() *exec.AggregateOperatorState {
	return t.state
}

// Run aggregates values by keys. The rows are split evenly over the
// drivers. Calls must not overlap.
func (t *Task) Run(ctx context.Context, keys, values []int64) error {
	if len(keys) != len(values) {
		return moerr.NewInvalidInput(ctx, "%d keys for %d values", len(keys), len(values))
	}
	start := time.Now()
	t.barrier = NewBarrier(t.executor.Threads())
	t.drivers = make([]*Driver, t.executor.Threads())
	err := t.executor.Execute(ctx, len(keys), func(ctx context.Context, id int, begin, end int) error {
		d := newDriver(id, t, keys[begin:end], values[begin:end])
		t.drivers[id] = d
		return d.Run(ctx)
	})
	stats := t.Stats()
	logutil.Info("aggregation task done",
		zap.String("task", t.id.String()),
		zap.Int("rows", len(keys)),
		zap.Int("drivers", len(t.drivers)),
		zap.Int("steps", stats.Steps),
		zap.Int("retries", stats.Retries),
		zap.Int64("distinct", stats.Distinct),
		logutil.Elapsed(start),
		zap.Error(err),
	)
	return err
}

// Stats is valid once Run returned.
func (t *Task) Stats() TaskStats {
	stats := TaskStats{
		Distinct: t.state.Head.Table.NumDistinct,
		Buckets:  t.state.Head.Table.NumBuckets(),
	}
	for _, d := range t.drivers {
		if d != nil {
			stats.Steps += d.steps
			stats.Retries += d.retries
		}
	}
	return stats
}

func (t *Task) Close() error {
	t.pool.Release()
	return t.state.Close()
}
