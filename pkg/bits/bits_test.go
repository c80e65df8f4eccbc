// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bits

import "testing"

func TestIsOn(t *testing.T) {
	type testCase struct {
		mask uint64
		bits uint64
		any  bool
		all  bool
	}
	for _, s := range []testCase{
		{MaskOf[uint64](0), MaskOf[uint64](0), true, true},
		{MaskOf[uint64](63), MaskOf[uint64](63), true, true},
		{MaskOf[uint64](0), MaskOf[uint64](1), false, false},
		{MaskOf[uint64](0), MaskOf[uint64](0) | MaskOf[uint64](1), true, false},
		{MaskOf[uint64](1) | MaskOf[uint64](63), MaskOf[uint64](1), true, true},
	} {
		if ok := IsAnyOn(s.mask, s.bits); ok != s.any {
			t.Errorf("IsAnyOn(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.any)
		}
		if ok := IsOn(s.mask, s.bits); ok != s.all {
			t.Errorf("IsOn(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.all)
		}
	}
}

func TestOnes(t *testing.T) {
	for _, tc := range []struct {
		width int
		want  uint64
	}{
		{0, 0},
		{1, 0x1},
		{4, 0xf},
		{14, 0x3fff},
		{48, 0xffffffffffff},
		{64, ^uint64(0)},
	} {
		if got := Ones[uint64](tc.width); got != tc.want {
			t.Errorf("Ones(%d) = %#x, wanted %#x", tc.width, got, tc.want)
		}
	}
	if got, want := Ones[uint16](14), uint16(0x3fff); got != want {
		t.Errorf("Ones[uint16](14) = %#x, wanted %#x", got, want)
	}
}

func TestField(t *testing.T) {
	v := uint16(0b10_1101_0110_0111)
	if got, want := Field(v, 10, 4), uint16(0b1011); got != want {
		t.Errorf("Field(%#x, 10, 4) = %#b, wanted %#b", v, got, want)
	}
	if got, want := Field(v, 0, 2), uint16(0b11); got != want {
		t.Errorf("Field(%#x, 0, 2) = %#b, wanted %#b", v, got, want)
	}

	w := SetField(uint16(0), 6, 4, 0xff)
	if want := uint16(0xf << 6); w != want {
		t.Errorf("SetField overflowed its field: got %#x, wanted %#x", w, want)
	}
	if got := Field(SetField(v, 6, 4, 0x5), 6, 4); got != 0x5 {
		t.Errorf("SetField/Field round trip = %#x, wanted 0x5", got)
	}
}

func TestSaturatingAdd(t *testing.T) {
	const max = uint32(0xffff)
	for _, tc := range []struct {
		a, b, want uint32
	}{
		{0, 1, 1},
		{max - 1, 1, max},
		{max - 1, 2, max},
		{max, 1, max},
		{max, 0, max},
		{10, max, max},
	} {
		if got := SaturatingAdd(tc.a, tc.b, max); got != tc.want {
			t.Errorf("SaturatingAdd(%d, %d) = %d, wanted %d", tc.a, tc.b, got, tc.want)
		}
	}
}
