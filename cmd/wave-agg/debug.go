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
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/pprof"

	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/logutil"
	v2 "github.com/matrixorigin/wavegroup/pkg/util/metric/v2"
)

func startCPUProfile(cpuProfilePath string) (func(), error) {
	f, err := os.Create(cpuProfilePath)
	if err != nil {
		return nil, err
	}
	if err = pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	logutil.Infof("CPU profiling enabled, writing to %s", cpuProfilePath)
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}, nil
}

// startDebugHTTP serves pprof, fgprof and the wave metrics until the
// process exits.
func startDebugHTTP(addr string) {
	http.Handle("/debug/fgprof/", fgprof.Handler())
	http.Handle("/metrics", promhttp.HandlerFor(v2.GetPrometheusGatherer(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logutil.Error("debug http server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logutil.Infof("debug http server listening on %s", addr)
}
