// Copyright 2023 Matrix Origin
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

package v2

import "github.com/prometheus/client_golang/prometheus"

var (
	waveResupplyCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "wave",
			Name:      "resupply_total",
			Help:      "Total number of hash table resupply steps.",
		}, []string{"type"})
	WaveResupplyCounter = waveResupplyCounter.WithLabelValues("resupply")
	WaveRehashCounter   = waveResupplyCounter.WithLabelValues("rehash")

	WaveRestockBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "wave",
			Name:      "restock_bytes_total",
			Help:      "Total bytes of new partition ranges allocated by restock.",
		})

	WaveResupplyDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mo",
			Subsystem: "wave",
			Name:      "resupply_duration_seconds",
			Help:      "Bucketed histogram of resupply duration.",
			Buckets:   getDurationBuckets(),
		})

	WaveReadBatchRowsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mo",
			Subsystem: "wave",
			Name:      "read_batch_rows",
			Help:      "Bucketed histogram of rows returned by one grouped result read.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 18),
		})
)

var (
	waveDeviceGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "wave",
			Name:      "device_inuse",
			Help:      "Device arena memory in use.",
		}, []string{"type"})
	WaveDeviceAllocatedGauge   = waveDeviceGauge.WithLabelValues("bytes")
	WaveDeviceInuseObjectGauge = waveDeviceGauge.WithLabelValues("objects")

	waveDeviceAllocateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "wave",
			Name:      "device_allocate_total",
			Help:      "Total device arena allocations.",
		}, []string{"type"})
	WaveDeviceAllocateBytesCounter  = waveDeviceAllocateCounter.WithLabelValues("bytes")
	WaveDeviceAllocateObjectCounter = waveDeviceAllocateCounter.WithLabelValues("objects")
)

func waveCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		waveResupplyCounter,
		WaveRestockBytesCounter,
		WaveResupplyDurationHistogram,
		WaveReadBatchRowsHistogram,
		waveDeviceGauge,
		waveDeviceAllocateCounter,
	}
}
