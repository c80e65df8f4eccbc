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

package header

import (
	"encoding/binary"
	"errors"
)

const (
	// RouteTagSize is the size of the in-band route tag.
	RouteTagSize = 4

	// DefaultRouteTagType is the default type marker: the 802.1Q TPID.
	DefaultRouteTagType = 0x8100

	// RouteTagMask covers the descriptor bits of the tag control field.
	// The top two bits are reserved and transmitted as zero.
	RouteTagMask = 0x3fff

	tagType = 0
	tagTCI  = 2
)

var (
	// ErrFrameTooShort is returned when a frame cannot hold the link-layer
	// addressing that precedes the route tag.
	ErrFrameTooShort = errors.New("frame too short for link-layer addressing")

	// ErrNoRouteTag is returned when the type marker is absent at the
	// injection offset.
	ErrNoRouteTag = errors.New("route tag type marker absent")
)

// RouteTag is the 4-byte in-band route tag: a 2-byte type marker followed by a
// 2-byte tag control field carrying the encoded route descriptor.
type RouteTag []byte

// Type returns the type marker.
func (b RouteTag) Type() uint16 {
	return binary.BigEndian.Uint16(b[tagType:])
}

// Value returns the encoded descriptor.
func (b RouteTag) Value() uint16 {
	return binary.BigEndian.Uint16(b[tagTCI:]) & RouteTagMask
}

// Encode writes the type marker and descriptor value.
func (b RouteTag) Encode(tpid, value uint16) {
	binary.BigEndian.PutUint16(b[tagType:], tpid)
	binary.BigEndian.PutUint16(b[tagTCI:], value&RouteTagMask)
}

// HasRouteTag returns true if frame carries the type marker tpid at the
// injection offset.
func HasRouteTag(frame []byte, tpid uint16) bool {
	if len(frame) < LinkAddressingSize+RouteTagSize {
		return false
	}
	return RouteTag(frame[LinkAddressingSize:]).Type() == tpid
}

// InsertRouteTag returns a new frame with a route tag carrying value inserted
// after the link-layer addressing. The remainder of the frame is unchanged.
func InsertRouteTag(frame []byte, tpid, value uint16) ([]byte, error) {
	if len(frame) < LinkAddressingSize {
		return nil, ErrFrameTooShort
	}
	out := make([]byte, len(frame)+RouteTagSize)
	copy(out, frame[:LinkAddressingSize])
	RouteTag(out[LinkAddressingSize:]).Encode(tpid, value)
	copy(out[LinkAddressingSize+RouteTagSize:], frame[LinkAddressingSize:])
	return out, nil
}

// StripRouteTag removes the route tag from frame and returns the original
// frame and the tag value. If the marker is absent, it returns frame unchanged
// and ErrNoRouteTag.
func StripRouteTag(frame []byte, tpid uint16) ([]byte, uint16, error) {
	if !HasRouteTag(frame, tpid) {
		return frame, 0, ErrNoRouteTag
	}
	v := RouteTag(frame[LinkAddressingSize:]).Value()
	out := make([]byte, len(frame)-RouteTagSize)
	copy(out, frame[:LinkAddressingSize])
	copy(out[LinkAddressingSize:], frame[LinkAddressingSize+RouteTagSize:])
	return out, v, nil
}
