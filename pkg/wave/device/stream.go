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
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
)

// Stream is an in-order queue of device work. Operations run on the device
// worker pool, each one after its predecessor completes. A stream is used
// by one goroutine at a time.
type Stream struct {
	id    int
	pool  *ants.Pool
	arena *Arena

	mu   sync.Mutex
	tail chan struct{}

	errMu sync.Mutex
	err   error
}

func newStream(id int, pool *ants.Pool, arena *Arena) *Stream {
	return &Stream{
		id:    id,
		pool:  pool,
		arena: arena,
	}
}

func (s *Stream) ID() int {
	return s.id
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Stream) enqueue(fn func() error) {
	done := make(chan struct{})
	task := func(prev chan struct{}) func() {
		return func() {
			defer close(done)
			if prev != nil {
				<-prev
			}
			defer func() {
				if r := recover(); r != nil {
					s.setErr(moerr.ConvertPanicError(context.Background(), r))
				}
			}()
			if err := fn(); err != nil {
				s.setErr(err)
			}
		}
	}

	// submission order must follow queue order, otherwise a waiting task
	// could hold the worker its predecessor needs
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.tail
	s.tail = done
	if err := s.pool.Submit(task(prev)); err != nil {
		s.setErr(moerr.NewStreamFailed(context.Background(), s.id, "submit: %v", err))
		go func() {
			if prev != nil {
				<-prev
			}
			close(done)
		}()
	}
}

func (s *Stream) checkRange(b *Buffer, offset, size int) error {
	if b == nil {
		return moerr.NewStreamFailed(context.Background(), s.id, "nil buffer")
	}
	if offset < 0 || size < 0 || offset+size > b.Size() {
		return moerr.NewStreamFailed(context.Background(), s.id,
			"%d bytes at offset %d out of range for buffer of %d bytes", size, offset, b.Size())
	}
	return nil
}

// Prefetch moves a buffer to loc.
func (s *Stream) Prefetch(b *Buffer, loc Location) {
	s.enqueue(func() error {
		if b == nil {
			return moerr.NewStreamFailed(context.Background(), s.id, "nil buffer")
		}
		b.location.Store(int32(loc))
		return nil
	})
}

func (s *Stream) Memset(b *Buffer, offset int, value byte, size int) {
	s.enqueue(func() error {
		if err := s.checkRange(b, offset, size); err != nil {
			return err
		}
		data := b.Bytes()[offset : offset+size]
		if value == 0 {
			clear(data)
			return nil
		}
		for i := range data {
			data[i] = value
		}
		return nil
	})
}

// HostToDeviceAsync copies src into dst at offset. src must not change
// until the stream is waited.
func (s *Stream) HostToDeviceAsync(dst *Buffer, offset int, src []byte) {
	s.enqueue(func() error {
		if err := s.checkRange(dst, offset, len(src)); err != nil {
			return err
		}
		copy(dst.Bytes()[offset:], src)
		return nil
	})
}

func (s *Stream) HostToDevice(dst *Buffer, offset int, src []byte) error {
	s.HostToDeviceAsync(dst, offset, src)
	return s.Wait()
}

// DeviceToHostAsync copies len(dst) bytes at offset of src into dst.
func (s *Stream) DeviceToHostAsync(dst []byte, src *Buffer, offset int) {
	s.enqueue(func() error {
		if err := s.checkRange(src, offset, len(dst)); err != nil {
			return err
		}
		copy(dst, src.Bytes()[offset:])
		return nil
	})
}

// Launch queues a kernel. The kernel may use the stream's memory view.
func (s *Stream) Launch(kernel func(mem Memory) error) {
	s.enqueue(func() error {
		return kernel(s.arena)
	})
}

// Wait blocks until all queued work is done and returns the first error
// raised since the last Wait.
func (s *Stream) Wait() error {
	s.mu.Lock()
	tail := s.tail
	s.mu.Unlock()
	if tail != nil {
		<-tail
	}
	s.errMu.Lock()
	err := s.err
	s.err = nil
	s.errMu.Unlock()
	return err
}
