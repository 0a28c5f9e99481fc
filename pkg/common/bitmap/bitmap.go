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

// Package bitmap works on raw byte spans laid out in device memory, not on a
// Go owned word array. Bit i lives in byte i>>3 at position i&7, so a span
// written by a device pass can be inspected without any conversion.
package bitmap

import (
	"encoding/binary"
	"math/bits"
)

// Bytes returns the number of bytes needed to hold n bits.
func Bytes(n uint64) uint64 {
	return (n + 7) >> 3
}

func IsBitSet(b []byte, i uint64) bool {
	return b[i>>3]&(1<<(i&7)) != 0
}

func SetBit(b []byte, i uint64) {
	b[i>>3] |= 1 << (i & 7)
}

func ClearBit(b []byte, i uint64) {
	b[i>>3] &^= 1 << (i & 7)
}

// SetRange sets bits [begin, end).
func SetRange(b []byte, begin, end uint64) {
	for i := begin; i < end; i++ {
		SetBit(b, i)
	}
}

// CountBits returns the number of set bits in [begin, end).
func CountBits(b []byte, begin, end uint64) uint64 {
	if begin >= end {
		return 0
	}
	var cnt uint64
	// unaligned head
	for ; begin < end && begin&63 != 0; begin++ {
		if IsBitSet(b, begin) {
			cnt++
		}
	}
	// whole words
	for ; begin+64 <= end; begin += 64 {
		cnt += uint64(bits.OnesCount64(binary.LittleEndian.Uint64(b[begin>>3:])))
	}
	// tail
	for ; begin < end; begin++ {
		if IsBitSet(b, begin) {
			cnt++
		}
	}
	return cnt
}

// NextClear returns the first index in [from, end) whose bit is clear, or
// end when every bit in the span is set.
func NextClear(b []byte, from, end uint64) uint64 {
	for from < end {
		if from&7 == 0 && from+8 <= end && b[from>>3] == 0xff {
			from += 8
			continue
		}
		if !IsBitSet(b, from) {
			return from
		}
		from++
	}
	return end
}
