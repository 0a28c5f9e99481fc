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

type Allocator interface {
	Allocate(size uint64, hints Hints) ([]byte, Deallocator, error)
}

type Hints uint64

const (
	NoHints Hints = 0
	// NoClear means the caller overwrites the memory and zeroing can be skipped.
	NoClear Hints = 1 << iota
)

type Deallocator interface {
	Deallocate(hints Hints)
}

type FuncDeallocator func(hints Hints)

var _ Deallocator = FuncDeallocator(nil)

func (f FuncDeallocator) Deallocate(hints Hints) {
	f(hints)
}

type chainDeallocator []Deallocator

func (c chainDeallocator) Deallocate(hints Hints) {
	for _, dec := range c {
		dec.Deallocate(hints)
	}
}

// ChainDeallocator runs every non-nil deallocator in order.
func ChainDeallocator(decs ...Deallocator) Deallocator {
	var ret chainDeallocator
	for _, dec := range decs {
		if dec == nil {
			continue
		}
		if c, ok := dec.(chainDeallocator); ok {
			ret = append(ret, c...)
			continue
		}
		ret = append(ret, dec)
	}
	return ret
}
