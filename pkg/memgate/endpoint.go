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

package memgate

import (
	"fmt"
	"strings"

	"github.com/halalboro/POS-sub002/pkg/bits"
)

// AddrBits is the width of a virtual address.
const AddrBits = 48

// MaxAddr is the largest representable virtual address.
const MaxAddr = uint64(1)<<AddrBits - 1

// Rights is the access rights mask of an endpoint.
type Rights uint8

const (
	// Read permits read requests.
	Read Rights = 1 << 0
	// Write permits write requests.
	Write Rights = 1 << 1
)

func (r Rights) String() string {
	var s []string
	if r&Read != 0 {
		s = append(s, "read")
	}
	if r&Write != 0 {
		s = append(s, "write")
	}
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, "|")
}

// ParseRights parses "read", "write", "rw" and "read|write" style strings.
func ParseRights(s string) (Rights, error) {
	var r Rights
	for _, p := range strings.FieldsFunc(s, func(c rune) bool { return c == '|' || c == ',' || c == ' ' }) {
		switch p {
		case "read", "r":
			r |= Read
		case "write", "w":
			r |= Write
		case "rw", "readwrite":
			r |= Read | Write
		case "none":
		default:
			return 0, fmt.Errorf("invalid access right %q", p)
		}
	}
	return r, nil
}

// Endpoint is a bounds-checked address window. Base and Bound are inclusive.
type Endpoint struct {
	Valid  bool
	Rights Rights
	Base   uint64
	Bound  uint64
}

// Normalize returns e with addresses masked to AddrBits and Valid forced
// false when Base > Bound. An endpoint is only ever evaluated against traffic
// after normalization.
func (e Endpoint) Normalize() Endpoint {
	e.Base &= MaxAddr
	e.Bound &= MaxAddr
	e.Rights &= Read | Write
	if e.Base > e.Bound {
		e.Valid = false
	}
	return e
}

// Size returns the number of bytes in the window. It fits in 49 bits.
func (e Endpoint) Size() uint64 {
	return e.Bound - e.Base + 1
}

func (e Endpoint) String() string {
	return fmt.Sprintf("{valid=%t rights=%v base=%#x bound=%#x}", e.Valid, e.Rights, e.Base, e.Bound)
}

// CtrlBits is the width of one endpoint in the mem_ctrl array:
// [98] valid, [97:96] rights (bit1 write, bit0 read), [95:48] bound,
// [47:0] base.
const CtrlBits = 99

const (
	ctrlBaseLo   = 0
	ctrlBoundLo  = 48
	ctrlRightsLo = 96
	ctrlValidLo  = 98
)

// CtrlSize returns the number of bytes needed to hold n packed endpoints.
func CtrlSize(n int) int {
	return (n*CtrlBits + 7) / 8
}

func getBits(buf []byte, lo, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		b := lo + i
		if buf[b/8]&(1<<uint(b%8)) != 0 {
			v |= uint64(1) << uint(i)
		}
	}
	return v
}

func putBits(buf []byte, lo, width int, v uint64) {
	for i := 0; i < width; i++ {
		b := lo + i
		if v&(uint64(1)<<uint(i)) != 0 {
			buf[b/8] |= 1 << uint(b%8)
		} else {
			buf[b/8] &^= 1 << uint(b%8)
		}
	}
}

// DecodeCtrl unpacks n endpoints from a mem_ctrl bit array. Bit j of the array
// is bit j%8 of buf[j/8]. Decoded endpoints are normalized.
func DecodeCtrl(buf []byte, n int) ([]Endpoint, error) {
	if len(buf) < CtrlSize(n) {
		return nil, fmt.Errorf("mem_ctrl holds %d bytes, %d endpoints need %d", len(buf), n, CtrlSize(n))
	}
	eps := make([]Endpoint, n)
	for i := range eps {
		off := i * CtrlBits
		eps[i] = Endpoint{
			Valid:  getBits(buf, off+ctrlValidLo, 1) == 1,
			Rights: Rights(getBits(buf, off+ctrlRightsLo, 2)),
			Bound:  getBits(buf, off+ctrlBoundLo, AddrBits),
			Base:   getBits(buf, off+ctrlBaseLo, AddrBits),
		}.Normalize()
	}
	return eps, nil
}

// EncodeCtrl packs eps into a mem_ctrl bit array.
func EncodeCtrl(eps []Endpoint) []byte {
	buf := make([]byte, CtrlSize(len(eps)))
	for i, e := range eps {
		off := i * CtrlBits
		var valid uint64
		if e.Valid {
			valid = 1
		}
		putBits(buf, off+ctrlValidLo, 1, valid)
		putBits(buf, off+ctrlRightsLo, 2, uint64(e.Rights)&bits.Ones[uint64](2))
		putBits(buf, off+ctrlBoundLo, AddrBits, e.Bound)
		putBits(buf, off+ctrlBaseLo, AddrBits, e.Base)
	}
	return buf
}
