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

// Package wire translates between on-chip route descriptors, which travel
// out-of-band beside each segment, and the in-band route tag used when a
// packet crosses a physical link between nodes.
//
// The Encoder and Decoder work beat by beat. Inserting or removing the 4-byte
// tag shifts every following byte across beat boundaries, so each is a small
// state machine: the first beat latches the route and handles the tag, the
// shift state carries bytes into the next beat, and the drain state flushes
// the carry after the last input beat.
package wire

import (
	"github.com/halalboro/POS-sub002/pkg/header"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// Options configures an Encoder or a Decoder.
type Options struct {
	// Scheme is the descriptor layout carried in the tag.
	Scheme route.Scheme

	// TagType is the type marker. Zero means header.DefaultRouteTagType.
	TagType uint16

	// BeatSize is the output beat width. Zero means
	// stream.DefaultBeatSize.
	BeatSize int

	// Errors counts frames the encoder could not tag or the decoder found
	// untagged. May be nil.
	Errors *metric.Counter
}

func (o *Options) setDefaults() {
	if o.TagType == 0 {
		o.TagType = header.DefaultRouteTagType
	}
	if o.BeatSize <= 0 || o.BeatSize > 64 {
		o.BeatSize = stream.DefaultBeatSize
	}
}

func (o *Options) countError() {
	if o.Errors != nil {
		o.Errors.Increment()
	}
}

// ExternalRoute is the descriptor assigned to frames from non-participating
// clients: an external sender and no destination.
var ExternalRoute = route.Descriptor{Class: route.ClassBypass}

// Sanitize demotes descriptors that could only be forged: a decoded sender
// naming an infrastructure port, or (node-aware) naming the local node. Such
// frames are treated as external. The codec itself returns descriptors as
// encoded; receivers of wire traffic apply Sanitize before injecting it.
func Sanitize(d route.Descriptor, scheme route.Scheme, local route.NodeID) route.Descriptor {
	if d.Src.Region.IsInfrastructure() || (scheme == route.NodeAware && d.Src.Node == local) {
		d.Src = route.Endpoint{}
	}
	return d
}

// EncodeFrame inserts d as a route tag into a whole frame.
func EncodeFrame(frame []byte, d route.Descriptor, opts Options) ([]byte, error) {
	opts.setDefaults()
	return header.InsertRouteTag(frame, opts.TagType, d.Encode(opts.Scheme))
}

// DecodeFrame strips the route tag from a whole frame and returns the original
// frame and the descriptor it carried. A frame without the type marker is
// returned unchanged with ExternalRoute and ok == false.
func DecodeFrame(frame []byte, opts Options) (out []byte, d route.Descriptor, ok bool) {
	opts.setDefaults()
	out, v, err := header.StripRouteTag(frame, opts.TagType)
	if err != nil {
		return frame, ExternalRoute, false
	}
	return out, route.Decode(opts.Scheme, v), true
}

// emitBeats moves full beats out of *pending, keeping at least one byte
// behind unless last is set. All emitted beats carry r.
func emitBeats(pending *[]byte, beat int, last bool, r route.Descriptor, out []stream.Segment) []stream.Segment {
	for len(*pending) > beat || (last && len(*pending) > 0) {
		n := len(*pending)
		if n > beat {
			n = beat
		}
		p := make([]byte, n)
		copy(p, (*pending)[:n])
		*pending = (*pending)[n:]
		out = append(out, stream.Segment{
			Payload: p,
			Keep:    stream.KeepMask(n),
			Last:    last && len(*pending) == 0,
			Route:   r,
		})
	}
	return out
}
