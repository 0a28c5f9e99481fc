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
	"fmt"
)

// SyncScope is how far a retry must synchronize before the barrier
// callback may run.
type SyncScope int8

const (
	SyncNone SyncScope = iota
	// SyncStreams waits for the other streams of the same driver.
	SyncStreams
	// SyncDrivers waits for every driver of the task.
	SyncDrivers
)

func (s SyncScope) String() string {
	switch s {
	case SyncNone:
		return "none"
	case SyncStreams:
		return "streams"
	case SyncDrivers:
		return "drivers"
	}
	return fmt.Sprintf("SyncScope(%d)", int8(s))
}

// BarrierFunc runs once per round, on the last participant to reach the
// barrier, while no kernel of the task is active. replicas are the other
// streams that asked for the same barrier in the round.
type BarrierFunc func(ctx context.Context, stream WaveStream, inst Instruction, replicas ...WaveStream) error

// AdvanceResult is returned by an instruction's progress check. It is one of
// Empty, Continue or RetryWithBarrier.
type AdvanceResult interface {
	fmt.Stringer
	advanceResult()
}

// Empty means there is nothing to continue, or the output is exhausted.
type Empty struct{}

// Continue reports rows produced by this call.
type Continue struct {
	NumRows       int
	ContinueLabel int32
}

// RetryWithBarrier asks the scheduler to synchronize at Sync scope, run
// OnBarrierReached once and then retry the step from ContinueLabel.
type RetryWithBarrier struct {
	NumRows          int
	ContinueLabel    int32
	Sync             SyncScope
	OnBarrierReached BarrierFunc
	Payload          OperatorState
}

func (Empty) advanceResult()            {}
func (Continue) advanceResult()         {}
func (RetryWithBarrier) advanceResult() {}

func (Empty) String() string {
	return "AdvanceResult::empty"
}

func (c Continue) String() string {
	return fmt.Sprintf("AdvanceResult(.numRows=%d, .isRetry=false, .sync=%s)", c.NumRows, SyncNone)
}

func (r RetryWithBarrier) String() string {
	return fmt.Sprintf("AdvanceResult(.numRows=%d, .isRetry=true, .sync=%s)", r.NumRows, r.Sync)
}

func IsEmpty(r AdvanceResult) bool {
	if r == nil {
		return true
	}
	_, ok := r.(Empty)
	return ok
}

// RowsOf is the row count carried by r.
func RowsOf(r AdvanceResult) int {
	switch v := r.(type) {
	case Continue:
		return v.NumRows
	case RetryWithBarrier:
		return v.NumRows
	}
	return 0
}
