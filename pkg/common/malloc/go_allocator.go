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

import "unsafe"

// GoAllocator hands out word aligned Go heap memory. Deallocation leaves the
// slice to the GC.
type GoAllocator struct{}

var _ Allocator = GoAllocator{}

func NewGoAllocator() GoAllocator {
	return GoAllocator{}
}

func (GoAllocator) Allocate(size uint64, hints Hints) ([]byte, Deallocator, error) {
	// make always zeroes, NoClear is ignored
	if size == 0 {
		return nil, FuncDeallocator(func(Hints) {}), nil
	}
	words := make([]uint64, (size+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return data, FuncDeallocator(func(Hints) {}), nil
}
