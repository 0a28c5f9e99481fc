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

package device

import (
	"math"
	"runtime"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/matrixorigin/wavegroup/pkg/common/malloc"
	v2 "github.com/matrixorigin/wavegroup/pkg/util/metric/v2"
)

type Options struct {
	// MemoryLimit bounds the bytes the arena may hand out. Zero means no
	// limit.
	MemoryLimit uint64
	// Workers is the size of the pool running stream operations.
	Workers int
	// StreamReserveSize is the number of idle streams kept for reuse.
	StreamReserveSize int
}

// Device owns the arena, the worker pool and the stream reserve.
type Device struct {
	arena   *Arena
	limit   *malloc.LimitAllocator[malloc.GoAllocator]
	pool    *ants.Pool
	reserve chan *Stream
	nextID  atomic.Int32
}

func NewDevice(opts Options) (*Device, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.StreamReserveSize <= 0 {
		opts.StreamReserveSize = 8
	}
	if opts.MemoryLimit == 0 {
		opts.MemoryLimit = math.MaxUint64
	}
	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, err
	}
	limit := malloc.NewLimitAllocator(malloc.NewGoAllocator(), opts.MemoryLimit)
	allocator := malloc.NewMetricsAllocator(
		limit,
		v2.WaveDeviceAllocateBytesCounter,
		v2.WaveDeviceAllocatedGauge,
		v2.WaveDeviceAllocateObjectCounter,
		v2.WaveDeviceInuseObjectGauge,
	)
	return &Device{
		arena:   NewArena(allocator),
		limit:   limit,
		pool:    pool,
		reserve: make(chan *Stream, opts.StreamReserveSize),
	}, nil
}

func (d *Device) Arena() *Arena {
	return d.arena
}

// MemoryInUse is the byte count charged against the memory limit.
func (d *Device) MemoryInUse() uint64 {
	return d.limit.InUse()
}

// MemoryLimit is the arena limit in bytes.
func (d *Device) MemoryLimit() uint64 {
	return d.limit.Limit()
}

// NewStream creates a stream that is not part of the reserve.
func (d *Device) NewStream() *Stream {
	return newStream(int(d.nextID.Add(1)), d.pool, d.arena)
}

// StreamFromReserve returns an idle stream, creating one if the reserve is
// empty.
func (d *Device) StreamFromReserve() *Stream {
	select {
	case s := <-d.reserve:
		return s
	default:
		return d.NewStream()
	}
}

// ReleaseStream waits for the stream and puts it back in the reserve.
// Streams beyond the reserve size are dropped.
func (d *Device) ReleaseStream(s *Stream) error {
	err := s.Wait()
	select {
	case d.reserve <- s:
	default:
	}
	return err
}

func (d *Device) Close() {
	d.arena.Close()
	d.pool.Release()
}
