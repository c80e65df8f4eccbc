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

package wire

import (
	"github.com/halalboro/POS-sub002/pkg/header"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

type encoderState uint8

const (
	// encFirst waits for the first beat of a frame.
	encFirst encoderState = iota
	// encShift streams beats, carrying the bytes displaced by the tag.
	encShift
	// encDrain flushes the carry after the last input beat.
	encDrain
)

// Encoder inserts the route tag into a stream of beats. The route of a frame
// is taken from its first beat.
type Encoder struct {
	opts    Options
	state   encoderState
	route   route.Descriptor
	pending []byte
	seen    int
	tagged  bool
}

// NewEncoder returns an Encoder.
func NewEncoder(opts Options) *Encoder {
	opts.setDefaults()
	return &Encoder{opts: opts}
}

// Push consumes one input beat and returns the output beats it completes. A
// frame too short to carry the tag is dropped whole: Push returns
// header.ErrFrameTooShort on its last beat and no output.
func (e *Encoder) Push(seg stream.Segment) ([]stream.Segment, error) {
	if e.state == encFirst {
		e.route = seg.Route
		e.pending = e.pending[:0]
		e.seen = 0
		e.tagged = false
		e.state = encShift
	}

	data := seg.Bytes()
	if !e.tagged {
		need := header.LinkAddressingSize - e.seen
		if len(data) >= need {
			var tag [header.RouteTagSize]byte
			header.RouteTag(tag[:]).Encode(e.opts.TagType, e.route.Encode(e.opts.Scheme))
			e.pending = append(e.pending, data[:need]...)
			e.pending = append(e.pending, tag[:]...)
			e.pending = append(e.pending, data[need:]...)
			e.tagged = true
		} else {
			e.pending = append(e.pending, data...)
		}
	} else {
		e.pending = append(e.pending, data...)
	}
	e.seen += len(data)

	if !seg.Last {
		return emitBeats(&e.pending, e.opts.BeatSize, false, e.route, nil), nil
	}

	defer func() { e.state = encFirst }()
	if !e.tagged {
		e.opts.countError()
		e.pending = e.pending[:0]
		return nil, header.ErrFrameTooShort
	}
	e.state = encDrain
	return emitBeats(&e.pending, e.opts.BeatSize, true, e.route, nil), nil
}

type decoderState uint8

const (
	// decFirst accumulates bytes until the tag position is known.
	decFirst decoderState = iota
	// decShift streams beats, closing the gap left by the removed tag.
	decShift
	// decDrain flushes the carry after the last input beat.
	decDrain
)

// Decoder removes the route tag from a stream of beats and attaches the
// decoded descriptor to every output beat.
type Decoder struct {
	opts    Options
	state   decoderState
	route   route.Descriptor
	pending []byte
}

// NewDecoder returns a Decoder.
func NewDecoder(opts Options) *Decoder {
	opts.setDefaults()
	return &Decoder{opts: opts}
}

const tagEnd = header.LinkAddressingSize + header.RouteTagSize

// Push consumes one input beat and returns the output beats it completes.
// Untagged frames pass through byte-for-byte with ExternalRoute.
func (d *Decoder) Push(seg stream.Segment) []stream.Segment {
	d.pending = append(d.pending, seg.Bytes()...)

	if d.state == decFirst {
		switch {
		case len(d.pending) >= tagEnd:
			d.classify()
			d.state = decShift
		case seg.Last:
			// Too short to carry a tag.
			d.route = ExternalRoute
			d.opts.countError()
			d.state = decShift
		default:
			return nil
		}
	}

	if !seg.Last {
		return emitBeats(&d.pending, d.opts.BeatSize, false, d.route, nil)
	}
	d.state = decDrain
	out := emitBeats(&d.pending, d.opts.BeatSize, true, d.route, nil)
	if len(out) == 0 {
		// An empty frame still ends a packet.
		out = append(out, stream.EndOfPacket(d.route))
	}
	d.state = decFirst
	d.pending = d.pending[:0]
	return out
}

func (d *Decoder) classify() {
	tag := header.RouteTag(d.pending[header.LinkAddressingSize:tagEnd])
	if tag.Type() != d.opts.TagType {
		d.route = ExternalRoute
		d.opts.countError()
		return
	}
	d.route = route.Decode(d.opts.Scheme, tag.Value())
	d.pending = append(d.pending[:header.LinkAddressingSize], d.pending[tagEnd:]...)
}
