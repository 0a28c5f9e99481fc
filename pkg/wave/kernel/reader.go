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

	"github.com/matrixorigin/wavegroup/pkg/common/concurrent"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/wave/exec"
	"github.com/matrixorigin/wavegroup/pkg/wave/hashtable"
	"github.com/matrixorigin/wavegroup/pkg/wave/status"
)

// readerStream is a result reader. Readers never launch kernels.
type readerStream struct {
	idx   int
	state *exec.AggregateOperatorState
}

var _ exec.WaveStream = new(readerStream)

func (r *readerStream) StreamIdx() int { return r.idx }
func (r *readerStream) NumRows() int { return 0 }
func (r *readerStream) HostBlockStatus() []status.BlockStatus { return nil }
func (r *readerStream) ClearGridStatus(*status.InstructionStatus) {}
func (r *readerStream) CheckBlockStatuses() {}

func (r *readerStream) GridStatus(*status.InstructionStatus) *status.AggregateReturn {
	return nil
}

func (r *readerStream) OperatorState(id int32) exec.OperatorState {
	if r.state.StateID() == id {
		return r.state
	}
	return nil
}

// ReadResults drains the groups with numReaders concurrent readers. It
// fails if any row is handed out twice.
func (t *Task) ReadResults(ctx context.Context, numReaders int) ([]hashtable.Row, error) {
	var mu sync.Mutex
	var rows []hashtable.Row
	seen := make(map[uintptr]struct{})
	arena := t.dev.Arena()

	err := concurrent.NewThreadPoolExecutor(numReaders).Execute(ctx, 0, func(ctx context.Context, id int, _, _ int) (err error) {
		defer func() {
			if e := recover(); e != nil {
				err = moerr.ConvertPanicError(ctx, e)
			}
		}()
		stream := &readerStream{idx: id, state: t.state}
		for {
			if err = ctx.Err(); err != nil {
				return err
			}
			res := t.read.CanAdvance(ctx, stream, nil, t.state, 0)
			if exec.IsEmpty(res) {
				return nil
			}
			if !t.grouped {
				if row, ok := t.state.Table().Lookup(0); ok {
					mu.Lock()
					rows = append(rows, row)
					mu.Unlock()
				}
				continue
			}
			addrs := t.state.ResultRows(id)
			batch := make([]hashtable.Row, len(addrs))
			for i, addr := range addrs {
				batch[i] = hashtable.ReadRow(arena, addr)
			}
			mu.Lock()
			for _, addr := range addrs {
				if _, ok := seen[addr]; ok {
					mu.Unlock()
					return moerr.NewInvalidState(ctx, "result row %#x read twice", addr)
				}
				seen[addr] = struct{}{}
			}
			rows = append(rows, batch...)
			mu.Unlock()
		}
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
