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

package concurrent

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ThreadPoolExecutor splits a row range over a fixed number of workers.
type ThreadPoolExecutor struct {
	nthreads int
}

func NewThreadPoolExecutor(nthreads int) ThreadPoolExecutor {
	if nthreads <= 0 {
		nthreads = runtime.NumCPU()
	}
	return ThreadPoolExecutor{nthreads: nthreads}
}

func (e ThreadPoolExecutor) Threads() int {
	return e.nthreads
}

// Split returns the [start, end) of worker i over nitems. The first
// nitems%nthreads workers take one extra item.
func (e ThreadPoolExecutor) Split(nitems, i int) (int, int) {
	q := nitems / e.nthreads
	r := nitems % e.nthreads
	start := i*q + min(i, r)
	size := q
	if i < r {
		size++
	}
	return start, start + size
}

// Execute runs fn once per worker, every worker included even when its
// range is empty, and returns the first error. The context passed to fn is
// canceled once any worker fails.
func (e ThreadPoolExecutor) Execute(
	ctx context.Context,
	nitems int,
	fn func(ctx context.Context, threadID int, start, end int) error) error {

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.nthreads; i++ {
		threadID := i
		start, end := e.Split(nitems, i)
		g.Go(func() error {
			return fn(ctx, threadID, start, end)
		})
	}
	return g.Wait()
}
