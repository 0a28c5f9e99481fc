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

package bitmap

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBitOperations(t *testing.T) {
	Convey("set and clear single bits", t, func() {
		b := make([]byte, Bytes(20))
		So(len(b), ShouldEqual, 3)
		SetBit(b, 0)
		SetBit(b, 9)
		SetBit(b, 19)
		So(IsBitSet(b, 0), ShouldBeTrue)
		So(IsBitSet(b, 9), ShouldBeTrue)
		So(IsBitSet(b, 19), ShouldBeTrue)
		So(IsBitSet(b, 1), ShouldBeFalse)
		So(b[1], ShouldEqual, byte(0x02))

		ClearBit(b, 9)
		So(IsBitSet(b, 9), ShouldBeFalse)
		So(CountBits(b, 0, 20), ShouldEqual, 2)
	})
}

func TestCountBits(t *testing.T) {
	Convey("count bits over spans crossing word boundaries", t, func() {
		b := make([]byte, Bytes(300))
		SetRange(b, 10, 20)
		SetRange(b, 60, 140)
		SetBit(b, 299)

		cases := []struct {
			begin, end uint64
			want       uint64
		}{
			{0, 300, 10 + 80 + 1},
			{0, 10, 0},
			{10, 20, 10},
			{15, 16, 1},
			{64, 128, 64},
			{63, 129, 66},
			{140, 299, 0},
			{200, 200, 0},
			{250, 100, 0},
		}
		for _, c := range cases {
			So(CountBits(b, c.begin, c.end), ShouldEqual, c.want)
		}
	})
}

func TestNextClear(t *testing.T) {
	Convey("skip runs of set bits", t, func() {
		b := make([]byte, Bytes(100))
		SetRange(b, 10, 20)
		SetRange(b, 24, 48)

		So(NextClear(b, 0, 100), ShouldEqual, 0)
		So(NextClear(b, 10, 100), ShouldEqual, 20)
		So(NextClear(b, 24, 100), ShouldEqual, 48)
		So(NextClear(b, 24, 40), ShouldEqual, 40)
	})
}
