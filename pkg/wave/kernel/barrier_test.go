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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierRunsCallbacksWhileAllWait(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	const parties = 4
	b := NewBarrier(parties)

	for round := 0; round < 3; round++ {
		var ran, returned int32
		var wg sync.WaitGroup
		for i := 0; i < parties; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := b.Arrive(ctx, nil, func(ctx context.Context) error {
					// nobody may leave the barrier while callbacks run
					assert.Equal(t, int32(0), atomic.LoadInt32(&returned))
					atomic.AddInt32(&ran, 1)
					return nil
				})
				assert.NoError(t, err)
				assert.Equal(t, int32(parties), atomic.LoadInt32(&ran))
				atomic.AddInt32(&returned, 1)
			}()
		}
		wg.Wait()
		require.False(t, b.Pending())
	}
}

func TestBarrierCallbackOncePerKey(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	const parties = 3
	b := NewBarrier(parties)
	type stateKey int32

	for round := 0; round < 2; round++ {
		var resupplied, other int32
		var wg sync.WaitGroup
		for i := 0; i < parties; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, b.Arrive(ctx, stateKey(1), func(ctx context.Context) error {
					atomic.AddInt32(&resupplied, 1)
					return nil
				}))
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), resupplied, "round %d", round)

		// a different key gets its own run
		for i := 0; i < parties; i++ {
			key := stateKey(1)
			if i == parties-1 {
				key = stateKey(2)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, b.Arrive(ctx, key, func(ctx context.Context) error {
					atomic.AddInt32(&other, 1)
					return nil
				}))
			}()
		}
		wg.Wait()
		require.Equal(t, int32(2), other, "round %d", round)
	}
}

func TestBarrierNilCallback(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	b := NewBarrier(2)

	var ran int32
	done := make(chan error)
	go func() {
		done <- b.Arrive(ctx, nil, nil)
	}()
	go func() {
		done <- b.Arrive(ctx, nil, func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), ran)
}

func TestBarrierLeave(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	b := NewBarrier(2)

	var ran int32
	done := make(chan error)
	go func() {
		done <- b.Arrive(ctx, nil, func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}()
	require.Eventually(t, b.Pending, time.Second, time.Millisecond)
	require.NoError(t, b.Leave(ctx))
	require.NoError(t, <-done)
	require.Equal(t, int32(1), ran)

	// the only party left never waits
	require.NoError(t, b.Arrive(ctx, nil, nil))
}

func TestBarrierError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	b := NewBarrier(3)
	failure := errors.New("resupply failed")

	var ran int32
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			errs <- b.Arrive(ctx, nil, func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				return failure
			})
		}()
	}
	for i := 0; i < 3; i++ {
		require.Equal(t, failure, <-errs)
	}
	// later callbacks are skipped
	require.Equal(t, int32(1), ran)
}

func TestBarrierCanceled(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBarrier(2)
	require.ErrorIs(t, b.Arrive(ctx, nil, nil), context.Canceled)
}
