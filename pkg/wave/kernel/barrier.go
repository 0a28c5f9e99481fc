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
	"context"
	"sync"
)

type BarrierCallback func(ctx context.Context) error

type generation struct {
	done chan struct{}
	err  error
}

// Barrier stops every driver of a task between kernel steps. When the last
// participant arrives the callbacks collected in the round run on it, one
// after another, until one fails. All participants get that error.
// Callbacks registered under the same key run once per round.
type Barrier struct {
	mu struct {
		sync.Mutex
		parties   int
		arrived   int
		callbacks []BarrierCallback
		keys      map[any]struct{}
		gen       *generation
	}
}

func NewBarrier(parties int) *Barrier {
	b := &Barrier{}
	b.mu.parties = parties
	b.mu.gen = &generation{done: make(chan struct{})}
	return b
}

// Pending reports whether some participant is waiting.
func (b *Barrier) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.arrived > 0
}

// Arrive waits until every participant arrived or left. cb may be nil. A
// cb whose key was already registered in the round is dropped; a nil key
// never matches.
func (b *Barrier) Arrive(ctx context.Context, key any, cb BarrierCallback) error {
	b.mu.Lock()
	if cb != nil && !b.registeredLocked(key) {
		b.mu.callbacks = append(b.mu.callbacks, cb)
	}
	b.mu.arrived++
	gen := b.mu.gen
	if b.mu.arrived >= b.mu.parties {
		return b.releaseLocked(ctx)
	}
	b.mu.Unlock()

	select {
	case <-gen.done:
		return gen.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Barrier) registeredLocked(key any) bool {
	if key == nil {
		return false
	}
	if _, ok := b.mu.keys[key]; ok {
		return true
	}
	if b.mu.keys == nil {
		b.mu.keys = make(map[any]struct{})
	}
	b.mu.keys[key] = struct{}{}
	return false
}

// Leave removes a participant for good. If the others are all waiting the
// round completes on the leaving goroutine.
func (b *Barrier) Leave(ctx context.Context) error {
	b.mu.Lock()
	b.mu.parties--
	if b.mu.arrived > 0 && b.mu.arrived >= b.mu.parties {
		return b.releaseLocked(ctx)
	}
	b.mu.Unlock()
	return nil
}

// releaseLocked is called with b.mu held and unlocks it.
func (b *Barrier) releaseLocked(ctx context.Context) error {
	gen := b.mu.gen
	callbacks := b.mu.callbacks
	b.mu.gen = &generation{done: make(chan struct{})}
	b.mu.callbacks = nil
	clear(b.mu.keys)
	b.mu.arrived = 0
	b.mu.Unlock()

	var err error
	for _, cb := range callbacks {
		if err = cb(ctx); err != nil {
			break
		}
	}
	gen.err = err
	close(gen.done)
	return err
}
