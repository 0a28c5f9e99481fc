// Copyright 2021 Matrix Origin
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

package config

import (
	"context"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
)

func TestDefaultValues(t *testing.T) {
	wp := &WaveParameters{}
	wp.SetDefaultValues()
	require.Equal(t, int64(81920), wp.MaxReaderBatchRows)
	require.Equal(t, int64(DefaultNumPartitions), wp.NumPartitions)
	require.Equal(t, int64(DefaultInitialBuckets), wp.InitialBuckets)
	require.Equal(t, "console", wp.Log.Format)
	require.NoError(t, wp.Validate(context.Background()))
}

func TestParseWaveParameters(t *testing.T) {
	ctx := context.Background()
	wp, err := ParseWaveParameters(ctx, `
maxReaderBatchRows = 100
numPartitions = 4
initialBuckets = 64

[log]
level = "debug"
format = "json"
`)
	require.NoError(t, err)
	require.Equal(t, int64(100), wp.MaxReaderBatchRows)
	require.Equal(t, int64(4), wp.NumPartitions)
	require.Equal(t, int64(64), wp.InitialBuckets)
	require.Equal(t, "debug", wp.Log.Level)
	require.Equal(t, "json", wp.Log.Format)
	require.Equal(t, int64(DefaultMaxReadStreams), wp.MaxReadStreams)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		text string
	}{
		{"partitions not power of two", "numPartitions = 6"},
		{"buckets not power of two", "initialBuckets = 1000"},
		{"buckets too small", "numPartitions = 16\ninitialBuckets = 16"},
		{"row size unaligned", "rowSize = 30"},
		{"row size too small", "rowSize = 16"},
		{"negative batch", "maxReaderBatchRows = -1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseWaveParameters(ctx, c.text)
			require.Error(t, err)
			require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))
		})
	}
}

func TestLoadWaveParameters(t *testing.T) {
	ctx := context.Background()
	file := path.Join(t.TempDir(), "wave.toml")
	require.NoError(t, os.WriteFile(file, []byte("maxReadStreams = 2\n"), 0644))

	wp, err := LoadWaveParameters(ctx, file)
	require.NoError(t, err)
	require.Equal(t, int64(2), wp.MaxReadStreams)

	_, err = LoadWaveParameters(ctx, path.Join(t.TempDir(), "missing.toml"))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))
}

func TestDerivedOptions(t *testing.T) {
	ctx := context.Background()
	wp, err := ParseWaveParameters(ctx, `
maxReaderBatchRows = 100
maxReadStreams = 2
deviceMemoryLimit = 1048576
numPartitions = 4
initialBuckets = 64
`)
	require.NoError(t, err)

	require.Equal(t, 100, wp.ReadConfig().MaxBatchRows)

	opts := wp.DeviceOptions()
	require.Equal(t, uint64(1<<20), opts.MemoryLimit)
	require.Equal(t, DefaultStreamReserveSize, opts.StreamReserveSize)

	state := wp.AggregateStateOptions(3, true)
	require.Equal(t, int32(3), state.StateID)
	require.True(t, state.Grouped)
	require.Equal(t, 4, state.NumPartitions)
	require.Equal(t, int64(64), state.InitialBuckets)
	require.Equal(t, int64(DefaultRowSize), state.RowSize)
	require.Equal(t, 2, state.MaxReadStreams)
}
