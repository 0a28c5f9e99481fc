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

	"github.com/matrixorigin/wavegroup/pkg/wave/status"
)

// WaveStream is the scheduler side of one execution replica as seen by
// instructions.
type WaveStream interface {
	StreamIdx() int
	// NumRows is the number of rows of the last kernel step.
	NumRows() int
	// HostBlockStatus is the host copy of the per block status of the last step.
	HostBlockStatus() []status.BlockStatus
	// GridStatus is the instruction's grid state, nil when nothing was launched.
	GridStatus(st *status.InstructionStatus) *status.AggregateReturn
	ClearGridStatus(st *status.InstructionStatus)
	// CheckBlockStatuses consumes the block statuses of the last step so that
	// only failed rows are retried.
	CheckBlockStatuses()
	OperatorState(id int32) OperatorState
}

type OperatorState interface {
	StateID() int32
}

// LaunchControl describes the launch an instruction is checked after.
type LaunchControl struct {
	NumBlocks int
	InputRows int
}

type Instruction interface {
	CanAdvance(
		ctx context.Context,
		stream WaveStream,
		control *LaunchControl,
		state OperatorState,
		instructionIdx int,
	) AdvanceResult
}
