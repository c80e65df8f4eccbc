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

// Package stream provides the flow-controlled handoff used between every pair
// of fabric stages: the segment (one beat of a packet) and a bounded queue
// whose producer only transfers when the consumer is ready.
package stream

import (
	"github.com/halalboro/POS-sub002/pkg/route"
)

// DefaultBeatSize is the payload width of one beat, in bytes: a 512-bit bus.
const DefaultBeatSize = 64

// Segment is one beat of a packet. A segment is owned by exactly one stage at
// a time; handing it to a Queue transfers ownership.
type Segment struct {
	// Payload holds the beat's bytes. Only bytes whose Keep bit is set are
	// valid.
	Payload []byte

	// Keep is the byte validity mask: bit i covers Payload[i].
	Keep uint64

	// Last marks the final beat of a packet.
	Last bool

	// Route is the out-of-band route descriptor. It is only meaningful on
	// the first beat of a packet; later beats may carry a stale value.
	Route route.Descriptor

	// Sender is the side-channel tag set by a receive gateway: the peer
	// that sent a delivered packet.
	Sender route.Endpoint
}

// KeepMask returns a Keep mask covering the first n bytes.
func KeepMask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	if n <= 0 {
		return 0
	}
	return uint64(1)<<uint(n) - 1
}

// Len returns the number of valid bytes in s. Keep masks are always
// contiguous from byte 0.
func (s *Segment) Len() int {
	n := 0
	for i := range s.Payload {
		if i >= 64 || s.Keep&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}

// Bytes returns the valid bytes of s.
func (s *Segment) Bytes() []byte {
	return s.Payload[:s.Len()]
}

// EndOfPacket returns an empty last beat carrying r. It closes a packet that
// has no more bytes to send.
func EndOfPacket(r route.Descriptor) Segment {
	return Segment{Payload: []byte{}, Keep: KeepMask(0), Last: true, Route: r}
}

// Packetize splits payload into beats of at most beat bytes. Every beat
// carries r. An empty payload yields one empty, last beat.
func Packetize(payload []byte, beat int, r route.Descriptor) []Segment {
	if beat <= 0 || beat > 64 {
		beat = DefaultBeatSize
	}
	var segs []Segment
	for {
		n := len(payload)
		if n > beat {
			n = beat
		}
		p := make([]byte, n)
		copy(p, payload[:n])
		payload = payload[n:]
		segs = append(segs, Segment{
			Payload: p,
			Keep:    KeepMask(n),
			Last:    len(payload) == 0,
			Route:   r,
		})
		if len(payload) == 0 {
			return segs
		}
	}
}

// Reassemble concatenates the valid bytes of segs.
func Reassemble(segs []Segment) []byte {
	var b []byte
	for i := range segs {
		b = append(b, segs[i].Bytes()...)
	}
	return b
}
