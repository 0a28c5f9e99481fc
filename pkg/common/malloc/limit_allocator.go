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

package malloc

import (
	"context"
	"sync/atomic"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
)

// LimitAllocator fails allocations that would push in-use bytes over limit.
type LimitAllocator[U Allocator] struct {
	upstream U
	limit    uint64
	inuse    atomic.Uint64
}

var _ Allocator = new(LimitAllocator[Allocator])

func NewLimitAllocator[U Allocator](upstream U, limit uint64) *LimitAllocator[U] {
	return &LimitAllocator[U]{
		upstream: upstream,
		limit:    limit,
	}
}

func (l *LimitAllocator[U]) Allocate(size uint64, hints Hints) ([]byte, Deallocator, error) {
	for {
		cur := l.inuse.Load()
		if size > l.limit-cur {
			return nil, nil, moerr.NewDeviceOOM(context.Background(), size, cur, l.limit)
		}
		if l.inuse.CompareAndSwap(cur, cur+size) {
			break
		}
	}
	data, dec, err := l.upstream.Allocate(size, hints)
	if err != nil {
		l.inuse.Add(^(size - 1))
		return nil, nil, err
	}
	return data, ChainDeallocator(
		dec,
		FuncDeallocator(func(Hints) {
			l.inuse.Add(^(size - 1))
		}),
	), nil
}

func (l *LimitAllocator[U]) InUse() uint64 {
	return l.inuse.Load()
}

func (l *LimitAllocator[U]) Limit() uint64 {
	return l.limit
}
