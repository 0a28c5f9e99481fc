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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/wavegroup/pkg/wave/exec"
)

func TestEstimateDistinct(t *testing.T) {
	keys, _, _ := makeInput(100000, 10000)
	est := EstimateDistinct(keys)
	require.InDelta(t, 10000, float64(est), 300)
}

func TestSizeForEstimate(t *testing.T) {
	opts := exec.AggregateStateOptions{
		NumPartitions:           8,
		InitialBuckets:          16,
		InitialRowsPerPartition: 4,
	}
	sized := SizeForEstimate(opts, 1000)
	require.Equal(t, int64(2048), sized.InitialBuckets)
	require.Equal(t, int64(125*5/4), sized.InitialRowsPerPartition)

	// never shrinks
	sized = SizeForEstimate(sized, 10)
	require.Equal(t, int64(2048), sized.InitialBuckets)
	require.Equal(t, int64(156), sized.InitialRowsPerPartition)
}
