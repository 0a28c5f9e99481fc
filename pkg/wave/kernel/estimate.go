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
	"encoding/binary"

	"github.com/axiomhq/hyperloglog"

	"github.com/matrixorigin/wavegroup/pkg/wave/exec"
	"github.com/matrixorigin/wavegroup/pkg/wave/hashtable"
)

// EstimateDistinct approximates the number of distinct keys.
func EstimateDistinct(keys []int64) uint64 {
	sk := hyperloglog.New16()
	var b [8]byte
	for _, k := range keys {
		binary.LittleEndian.PutUint64(b[:], uint64(k))
		sk.Insert(b[:])
	}
	return sk.Estimate()
}

// SizeForEstimate sizes the initial table so that estimate groups fit
// without a rehash. It never shrinks opts.
func SizeForEstimate(opts exec.AggregateStateOptions, estimate uint64) exec.AggregateStateOptions {
	want := int64(estimate)*6/5 + 1
	buckets := hashtable.NextPowerOfTwo(max(want, 3*int64(opts.NumPartitions)))
	opts.InitialBuckets = max(opts.InitialBuckets, buckets)
	rows := (int64(estimate) + int64(opts.NumPartitions) - 1) / int64(opts.NumPartitions)
	// partitions are not filled evenly
	opts.InitialRowsPerPartition = max(opts.InitialRowsPerPartition, rows*5/4)
	return opts
}
