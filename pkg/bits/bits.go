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

// Package bits provides bit-field helpers for the fixed-width register and
// descriptor layouts used by the fabric.
package bits

import "golang.org/x/exp/constraints"

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T constraints.Unsigned](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T constraints.Unsigned](mask, bits T) bool {
	return mask&bits != 0
}

// MaskOf returns a T with only bit i set.
func MaskOf[T constraints.Unsigned](i int) T {
	return T(1) << uint(i)
}

// Ones returns a T with the low width bits set. Ones(0) is 0.
func Ones[T constraints.Unsigned](width int) T {
	if width <= 0 {
		return 0
	}
	var all T
	all = ^all
	return all >> uint(sizeOf[T]()-width)
}

// Field extracts the width-bit field starting at bit lo of v.
func Field[T constraints.Unsigned](v T, lo, width int) T {
	return (v >> uint(lo)) & Ones[T](width)
}

// SetField returns v with the width-bit field starting at bit lo replaced by
// the low width bits of f.
func SetField[T constraints.Unsigned](v T, lo, width int, f T) T {
	m := Ones[T](width) << uint(lo)
	return (v &^ m) | ((f << uint(lo)) & m)
}

// SaturatingAdd returns a+b, clamped to max.
func SaturatingAdd[T constraints.Unsigned](a, b, max T) T {
	if a >= max || b >= max-a {
		return max
	}
	return a + b
}

func sizeOf[T constraints.Unsigned]() int {
	var v T
	v = ^v
	n := 0
	for v != 0 {
		v >>= 1
		n++
	}
	return n
}
