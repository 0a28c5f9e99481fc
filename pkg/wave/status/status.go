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

package status

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// ErrorCode is the outcome of one lane for one row of a kernel step.
type ErrorCode uint8

const (
	OK ErrorCode = iota
	// InsufficientMemory is recorded when an insert found no room in the
	// table or in its partition allocator. The row is retried after resupply.
	InsufficientMemory
	// Continue marks a row that was not processed in this step.
	Continue
	Error
)

func (c ErrorCode) String() string {
	switch c {
	case OK:
		return "OK"
	case InsufficientMemory:
		return "InsufficientMemory"
	case Continue:
		return "Continue"
	case Error:
		return "Error"
	}
	return "Unknown"
}

const (
	// BlockSize is the number of rows whose status is kept in one BlockStatus.
	BlockSize = 256

	// AggregateReturnSize is the grid state an aggregation reserves.
	AggregateReturnSize = 8
)

// BlockStatus is the per-block status record filled by a kernel step.
type BlockStatus struct {
	NumRows int32
	Errors  [BlockSize]ErrorCode
}

// NumBlocks returns the blocks needed to cover numRows.
func NumBlocks(numRows int) int {
	return (numRows + BlockSize - 1) / BlockSize
}

// AggregateReturn is the grid level summary written by lanes that fail to
// insert. NumDistinct counts failed inserts, not distinct keys.
type AggregateReturn struct {
	NumDistinct int64
}

func (r *AggregateReturn) Add(n int64) {
	atomic.AddInt64(&r.NumDistinct, n)
}

func (r *AggregateReturn) Load() int64 {
	return atomic.LoadInt64(&r.NumDistinct)
}

// AggregateReturnAt views the bytes at offset of a grid state buffer.
func AggregateReturnAt(gridState []byte, offset int) *AggregateReturn {
	if offset < 0 || offset+AggregateReturnSize > len(gridState) {
		return nil
	}
	return (*AggregateReturn)(unsafe.Pointer(&gridState[offset]))
}

// InstructionStatus locates an instruction's slot inside the grid state.
// While instructions reserve state it is used as a running cursor.
type InstructionStatus struct {
	GridState int
	Size      int
}

// Reserve takes size bytes at the cursor for st and advances the cursor to
// the next 8 byte boundary.
func (cursor *InstructionStatus) Reserve(st *InstructionStatus, size int) {
	st.GridState = cursor.GridState
	st.Size = size
	cursor.GridState = (cursor.GridState + size + 7) &^ 7
}

// MakeGridState allocates an 8 byte aligned grid state of at least size bytes.
func MakeGridState(size int) []byte {
	words := make([]uint64, (size+7)/8)
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

// ClearGridState zeroes an instruction's slot.
func ClearGridState(gridState []byte, status *InstructionStatus) {
	if status.Size == 0 {
		return
	}
	clear(gridState[status.GridState : status.GridState+status.Size])
}

// ReadInt64 reads a little endian counter from the grid state.
func ReadInt64(gridState []byte, offset int) int64 {
	return int64(binary.LittleEndian.Uint64(gridState[offset:]))
}
