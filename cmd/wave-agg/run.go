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

package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
	"github.com/matrixorigin/wavegroup/pkg/wave/device"
	"github.com/matrixorigin/wavegroup/pkg/wave/hashtable"
	"github.com/matrixorigin/wavegroup/pkg/wave/kernel"
)

type runOptions struct {
	configFile     string
	rows           int
	groups         int
	drivers        int
	readers        int
	seed           int64
	estimate       bool
	cpuProfilePath string
	debugHTTP      string
}

func runCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Aggregate generated rows by key",
		Long: "Generate rows with random keys, sum them per key on the simulated " +
			"device and check the groups read back",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "cfg", "", "toml configuration, defaults when empty")
	flags.IntVar(&opts.rows, "rows", 1<<20, "number of input rows")
	flags.IntVar(&opts.groups, "groups", 10000, "number of distinct keys, 0 for a single group")
	flags.IntVar(&opts.drivers, "drivers", 4, "number of driver replicas")
	flags.IntVar(&opts.readers, "readers", 0, "number of result readers, maxReadStreams when 0")
	flags.Int64Var(&opts.seed, "seed", 0, "random seed, current time when 0")
	flags.BoolVar(&opts.estimate, "estimate", false, "size the initial table from a distinct key estimate")
	flags.StringVar(&opts.cpuProfilePath, "cpu-profile", "", "write cpu profile to the specified file")
	flags.StringVar(&opts.debugHTTP, "debug-http", "", "http server listen address for pprof and metrics")
	return cmd
}

func run(cmd *cobra.Command, opts runOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.rows < 0 || opts.groups < 0 {
		return moerr.NewInvalidArg(ctx, "rows and groups", fmt.Sprintf("%d, %d", opts.rows, opts.groups))
	}
	wp, err := loadParameters(cmd, opts.configFile)
	if err != nil {
		return err
	}
	logutil.SetupMOLogger(&wp.Log)
	if opts.debugHTTP != "" {
		startDebugHTTP(opts.debugHTTP)
	}
	if opts.cpuProfilePath != "" {
		stop, err := startCPUProfile(opts.cpuProfilePath)
		if err != nil {
			return err
		}
		defer stop()
	}
	if opts.seed == 0 {
		opts.seed = time.Now().UnixNano()
	}
	if opts.readers <= 0 {
		opts.readers = int(wp.MaxReadStreams)
	}

	dev, err := device.NewDevice(wp.DeviceOptions())
	if err != nil {
		return err
	}
	defer dev.Close()

	keys, values := generateInput(opts.rows, opts.groups, opts.seed)
	stateOpts := wp.AggregateStateOptions(1, opts.groups > 0)
	if opts.estimate {
		est := kernel.EstimateDistinct(keys)
		stateOpts = kernel.SizeForEstimate(stateOpts, est)
		logutil.Info("sized table from estimate",
			zap.Uint64("estimate", est),
			zap.Int64("buckets", stateOpts.InitialBuckets),
			zap.Int64("rows per partition", stateOpts.InitialRowsPerPartition),
		)
	}

	start := time.Now()
	task, err := kernel.NewTask(ctx, dev, kernel.TaskOptions{
		NumDrivers:     opts.drivers,
		BlocksInFlight: int(wp.KernelBlocksInFlight),
		Read:           wp.ReadConfig(),
		State:          stateOpts,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := task.Close(); err != nil {
			logutil.Error("close task", zap.Error(err))
		}
	}()
	if err = task.Run(ctx, keys, values); err != nil {
		return err
	}
	aggregated := time.Since(start)
	rows, err := task.ReadResults(ctx, opts.readers)
	if err != nil {
		return err
	}
	if err = checkResults(ctx, rows, keys, values); err != nil {
		return err
	}

	stats := task.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rows: %d\n", opts.rows)
	fmt.Fprintf(out, "groups: %d\n", len(rows))
	fmt.Fprintf(out, "steps: %d\n", stats.Steps)
	fmt.Fprintf(out, "retries: %d\n", stats.Retries)
	fmt.Fprintf(out, "buckets: %d\n", stats.Buckets)
	fmt.Fprintf(out, "device memory: %d\n", dev.MemoryInUse())
	fmt.Fprintf(out, "aggregate: %s, read: %s\n", aggregated, time.Since(start)-aggregated)
	return nil
}

func generateInput(rows, groups int, seed int64) ([]int64, []int64) {
	r := rand.New(rand.NewSource(seed))
	keys := make([]int64, rows)
	values := make([]int64, rows)
	for i := range keys {
		if groups > 0 {
			keys[i] = r.Int63n(int64(groups))
		}
		values[i] = r.Int63n(1000)
	}
	return keys, values
}

// checkResults compares the groups read back with a host aggregation.
func checkResults(ctx context.Context, rows []hashtable.Row, keys, values []int64) error {
	want := make(map[int64]hashtable.Row)
	for i, k := range keys {
		r := want[k]
		r.Key = k
		r.Count++
		r.Sum += values[i]
		want[k] = r
	}
	if len(keys) > 0 && len(rows) != len(want) {
		return moerr.NewInternalError(ctx, "read %d groups, expected %d", len(rows), len(want))
	}
	for _, row := range rows {
		if want[row.Key] != row {
			return moerr.NewInternalError(ctx, "group %d is %+v, expected %+v", row.Key, row, want[row.Key])
		}
	}
	return nil
}
