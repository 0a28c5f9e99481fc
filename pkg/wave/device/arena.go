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
	"sync/atomic"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/matrixorigin/wavegroup/pkg/common/malloc"
	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
	"github.com/matrixorigin/wavegroup/pkg/logutil"
)

const (
	// addresses handed out by an arena start here so that 0 is never valid
	arenaBaseAddress uintptr = 1 << 32
	// Alignment of every buffer address.
	Alignment = 256
)

// Memory resolves device addresses to the bytes behind them.
type Memory interface {
	Bytes(addr uintptr, size int) []byte
}

type Location int32

const (
	OnHost Location = iota
	OnDevice
)

func (l Location) String() string {
	if l == OnDevice {
		return "device"
	}
	return "host"
}

// Buffer is a span of device memory. Its address is stable for the life of
// the buffer and is what device side structures store.
type Buffer struct {
	addr     uintptr
	data     []byte
	dec      malloc.Deallocator
	arena    *Arena
	location atomic.Int32
	freed    atomic.Bool
}

func (b *Buffer) Addr() uintptr {
	return b.addr
}

func (b *Buffer) Size() int {
	return len(b.data)
}

// Bytes is the host view of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Location() Location {
	return Location(b.location.Load())
}

// Free returns the buffer to its arena. Freeing twice is a no-op.
func (b *Buffer) Free() {
	if b == nil || !b.freed.CompareAndSwap(false, true) {
		return
	}
	b.arena.free(b)
}

// Arena hands out device buffers from an allocator and keeps an address
// index for resolving device pointers.
type Arena struct {
	allocator malloc.Allocator

	mu struct {
		sync.RWMutex
		buffers  *btree.BTreeG[*Buffer]
		nextAddr uintptr
		inuse    int64
	}
}

var _ Memory = new(Arena)

func NewArena(allocator malloc.Allocator) *Arena {
	a := &Arena{
		allocator: allocator,
	}
	a.mu.buffers = btree.NewBTreeGOptions(func(x, y *Buffer) bool {
		return x.addr < y.addr
	}, btree.Options{NoLocks: true})
	a.mu.nextAddr = arenaBaseAddress
	return a
}

// Allocate returns a buffer of size bytes. Unless hints has malloc.NoClear
// the memory is zeroed.
func (a *Arena) Allocate(size int, hints malloc.Hints) (*Buffer, error) {
	if size <= 0 {
		return nil, moerr.NewInvalidInput(context.Background(), "device allocation of %d bytes", size)
	}
	data, dec, err := a.allocator.Allocate(uint64(size), hints)
	if err != nil {
		return nil, err
	}
	b := &Buffer{
		data:  data,
		dec:   dec,
		arena: a,
	}
	b.location.Store(int32(OnDevice))

	a.mu.Lock()
	b.addr = a.mu.nextAddr
	// leave a gap so that one past the end never aliases the next buffer
	a.mu.nextAddr += (uintptr(size) + 2*Alignment - 1) &^ (Alignment - 1)
	a.mu.buffers.Set(b)
	a.mu.inuse += int64(size)
	a.mu.Unlock()
	return b, nil
}

func (a *Arena) free(b *Buffer) {
	a.mu.Lock()
	a.mu.buffers.Delete(b)
	a.mu.inuse -= int64(len(b.data))
	a.mu.Unlock()
	b.dec.Deallocate(malloc.NoHints)
}

// Resolve finds the live buffer containing addr and the offset of addr in it.
func (a *Arena) Resolve(addr uintptr) (*Buffer, int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var found *Buffer
	a.mu.buffers.Descend(&Buffer{addr: addr}, func(b *Buffer) bool {
		found = b
		return false
	})
	if found == nil || addr >= found.addr+uintptr(len(found.data)) {
		return nil, 0, false
	}
	return found, int(addr - found.addr), true
}

// Bytes returns size bytes at addr. An address outside every live buffer is
// a device fault and panics.
func (a *Arena) Bytes(addr uintptr, size int) []byte {
	b, off, ok := a.Resolve(addr)
	if !ok || off+size > len(b.data) {
		panic(moerr.NewInvalidState(context.Background(), "device fault at %#x size %d", addr, size))
	}
	return b.data[off : off+size : off+size]
}

func (a *Arena) NumBuffers() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mu.buffers.Len()
}

func (a *Arena) InUse() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mu.inuse
}

// Close frees every buffer still allocated.
func (a *Arena) Close() {
	a.mu.Lock()
	var live []*Buffer
	a.mu.buffers.Scan(func(b *Buffer) bool {
		live = append(live, b)
		return true
	})
	a.mu.Unlock()

	for _, b := range live {
		b.Free()
	}
	if len(live) > 0 {
		logutil.Debug("device arena closed with live buffers",
			zap.Int("buffers", len(live)),
		)
	}
}
