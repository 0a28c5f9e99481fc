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
	"math/bits"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
	"github.com/matrixorigin/wavegroup/pkg/wave/exec"
)

const (
	// DefaultMaxReaderBatchRows is the max batch for a grouped result read.
	DefaultMaxReaderBatchRows   = 80 * 1024
	DefaultMaxReadStreams       = 4
	DefaultDeviceMemoryLimit    = 4 << 30
	DefaultStreamReserveSize    = 8
	DefaultNumPartitions        = 8
	DefaultInitialBuckets       = 1024
	DefaultInitialRowsPerPart   = 128
	DefaultRowSize              = 24
	DefaultKernelBlocksInFlight = 64
)

// WaveParameters of the device side aggregation
type WaveParameters struct {
	//max rows returned by one grouped result read. default: 81920
	MaxReaderBatchRows int64 `toml:"maxReaderBatchRows"`

	//number of concurrent readers of grouped results. default: 4
	MaxReadStreams int64 `toml:"maxReadStreams"`

	//bytes of device memory the arena may hand out. default: 4GB
	DeviceMemoryLimit int64 `toml:"deviceMemoryLimit"`

	//command streams kept in the reserve pool. default: 8
	StreamReserveSize int64 `toml:"streamReserveSize"`

	//goroutines executing device work. default: GOMAXPROCS
	DeviceWorkers int64 `toml:"deviceWorkers"`

	//hash table partitions, a power of two. default: 8
	NumPartitions int64 `toml:"numPartitions"`

	//initial bucket count, a power of two. default: 1024
	InitialBuckets int64 `toml:"initialBuckets"`

	//row slots reserved per partition at setup. default: 128
	InitialRowsPerPartition int64 `toml:"initialRowsPerPartition"`

	//bytes per group row. default: 24
	RowSize int64 `toml:"rowSize"`

	//blocks of a kernel step executed concurrently. default: 64
	KernelBlocksInFlight int64 `toml:"kernelBlocksInFlight"`

	Log logutil.LogConfig `toml:"log"`
}

// SetDefaultValues fills every zero field with its default.
func (wp *WaveParameters) SetDefaultValues() {
	if wp.MaxReaderBatchRows == 0 {
		wp.MaxReaderBatchRows = DefaultMaxReaderBatchRows
	}
	if wp.MaxReadStreams == 0 {
		wp.MaxReadStreams = DefaultMaxReadStreams
	}
	if wp.DeviceMemoryLimit == 0 {
		wp.DeviceMemoryLimit = DefaultDeviceMemoryLimit
	}
	if wp.StreamReserveSize == 0 {
		wp.StreamReserveSize = DefaultStreamReserveSize
	}
	if wp.DeviceWorkers == 0 {
		wp.DeviceWorkers = int64(runtime.GOMAXPROCS(0))
	}
	if wp.NumPartitions == 0 {
		wp.NumPartitions = DefaultNumPartitions
	}
	if wp.InitialBuckets == 0 {
		wp.InitialBuckets = DefaultInitialBuckets
	}
	if wp.InitialRowsPerPartition == 0 {
		wp.InitialRowsPerPartition = DefaultInitialRowsPerPart
	}
	if wp.RowSize == 0 {
		wp.RowSize = DefaultRowSize
	}
	if wp.KernelBlocksInFlight == 0 {
		wp.KernelBlocksInFlight = DefaultKernelBlocksInFlight
	}
	if wp.Log.Level == "" {
		wp.Log.Level = "info"
	}
	if wp.Log.Format == "" {
		wp.Log.Format = "console"
	}
}

// Validate checks the values after defaults are applied.
func (wp *WaveParameters) Validate(ctx context.Context) error {
	if wp.MaxReaderBatchRows <= 0 {
		return moerr.NewBadConfig(ctx, "maxReaderBatchRows must be positive, got %d", wp.MaxReaderBatchRows)
	}
	if wp.MaxReadStreams <= 0 {
		return moerr.NewBadConfig(ctx, "maxReadStreams must be positive, got %d", wp.MaxReadStreams)
	}
	if wp.DeviceMemoryLimit <= 0 {
		return moerr.NewBadConfig(ctx, "deviceMemoryLimit must be positive, got %d", wp.DeviceMemoryLimit)
	}
	if wp.StreamReserveSize <= 0 || wp.DeviceWorkers <= 0 || wp.KernelBlocksInFlight <= 0 {
		return moerr.NewBadConfig(ctx, "streamReserveSize, deviceWorkers and kernelBlocksInFlight must be positive")
	}
	if !isPowerOfTwo(wp.NumPartitions) {
		return moerr.NewBadConfig(ctx, "numPartitions must be a power of two, got %d", wp.NumPartitions)
	}
	if !isPowerOfTwo(wp.InitialBuckets) {
		return moerr.NewBadConfig(ctx, "initialBuckets must be a power of two, got %d", wp.InitialBuckets)
	}
	// fewer buckets can trim every partition to zero rows without ever
	// triggering a rehash
	if wp.InitialBuckets < 3*wp.NumPartitions {
		return moerr.NewBadConfig(ctx, "initialBuckets %d too small for %d partitions", wp.InitialBuckets, wp.NumPartitions)
	}
	if wp.InitialRowsPerPartition <= 0 {
		return moerr.NewBadConfig(ctx, "initialRowsPerPartition must be positive, got %d", wp.InitialRowsPerPartition)
	}
	if wp.RowSize < DefaultRowSize || wp.RowSize%8 != 0 {
		return moerr.NewBadConfig(ctx, "rowSize must be a multiple of 8 and at least %d, got %d", DefaultRowSize, wp.RowSize)
	}
	return nil
}

// ReadConfig is the read side of the parameters.
func (wp *WaveParameters) ReadConfig() exec.ReadConfig {
	return exec.ReadConfig{MaxBatchRows: int(wp.MaxReaderBatchRows)}
}

func (wp *WaveParameters) DeviceOptions() device.Options {
	return device.Options{
		MemoryLimit:       uint64(wp.DeviceMemoryLimit),
		Workers:           int(wp.DeviceWorkers),
		StreamReserveSize: int(wp.StreamReserveSize),
	}
}

// AggregateStateOptions sizes a new aggregation state.
func (wp *WaveParameters) AggregateStateOptions(stateID int32, grouped bool) exec.AggregateStateOptions {
	return exec.AggregateStateOptions{
		StateID:                 stateID,
		Grouped:                 grouped,
		NumPartitions:           int(wp.NumPartitions),
		InitialBuckets:          wp.InitialBuckets,
		InitialRowsPerPartition: wp.InitialRowsPerPartition,
		RowSize:                 wp.RowSize,
		MaxReadStreams:          int(wp.MaxReadStreams),
	}
}

func isPowerOfTwo(v int64) bool {
	return v > 0 && bits.OnesCount64(uint64(v)) == 1
}

// LoadWaveParameters decodes a toml file, applies defaults and validates.
func LoadWaveParameters(ctx context.Context, configFile string) (*WaveParameters, error) {
	wp := &WaveParameters{}
	if _, err := toml.DecodeFile(configFile, wp); err != nil {
		return nil, moerr.NewBadConfig(ctx, "decode %s: %v", configFile, err)
	}
	wp.SetDefaultValues()
	if err := wp.Validate(ctx); err != nil {
		return nil, err
	}
	return wp, nil
}

// ParseWaveParameters is LoadWaveParameters for in-memory toml text.
func ParseWaveParameters(ctx context.Context, data string) (*WaveParameters, error) {
	wp := &WaveParameters{}
	if _, err := toml.Decode(data, wp); err != nil {
		return nil, moerr.NewBadConfig(ctx, "decode: %v", err)
	}
	wp.SetDefaultValues()
	if err := wp.Validate(ctx); err != nil {
		return nil, err
	}
	return wp, nil
}
