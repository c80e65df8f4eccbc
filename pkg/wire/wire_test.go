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
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/halalboro/POS-sub002/pkg/header"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

func randomFrame(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	// Keep the untagged frames untagged.
	if n >= 14 && b[12] == 0x81 && b[13] == 0x00 {
		b[12] = 0x08
	}
	return b
}

func encodeBeats(t *testing.T, e *Encoder, frame []byte, beat int, d route.Descriptor) []stream.Segment {
	t.Helper()
	var out []stream.Segment
	for _, s := range stream.Packetize(frame, beat, d) {
		o, err := e.Push(s)
		if err != nil {
			t.Fatalf("Encoder.Push failed: %v", err)
		}
		out = append(out, o...)
	}
	return out
}

func decodeBeats(dec *Decoder, segs []stream.Segment) []stream.Segment {
	var out []stream.Segment
	for _, s := range segs {
		out = append(out, dec.Push(s)...)
	}
	return out
}

func checkFraming(t *testing.T, segs []stream.Segment, beat int) {
	t.Helper()
	if len(segs) == 0 {
		t.Fatalf("no output beats")
	}
	for i, s := range segs {
		if s.Last != (i == len(segs)-1) {
			t.Errorf("beat %d/%d Last = %t", i, len(segs), s.Last)
		}
		if s.Len() > beat {
			t.Errorf("beat %d holds %d bytes, beat size is %d", i, s.Len(), beat)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := route.Descriptor{Src: route.Endpoint{Node: 1, Region: 3}, Dst: route.Endpoint{Node: 2, Region: 4}, Class: route.ClassBypass}
	opts := Options{Scheme: route.NodeAware}
	for _, n := range []int{12, 13, 16, 60, 64, 65, 1514} {
		orig := randomFrame(rng, n)
		tagged, err := EncodeFrame(orig, d, opts)
		if err != nil {
			t.Fatalf("EncodeFrame(%d bytes) failed: %v", n, err)
		}
		got, gotRoute, ok := DecodeFrame(tagged, opts)
		if !ok {
			t.Fatalf("DecodeFrame did not find the tag")
		}
		if !bytes.Equal(got, orig) {
			t.Errorf("DecodeFrame(EncodeFrame(f)) != f for %d bytes", n)
		}
		if diff := cmp.Diff(d, gotRoute); diff != "" {
			t.Errorf("route mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestUntaggedPassThrough(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, n := range []int{0, 5, 14, 64, 200} {
		orig := randomFrame(rng, n)
		got, d, ok := DecodeFrame(orig, Options{})
		if ok {
			t.Fatalf("DecodeFrame found a tag in an untagged frame")
		}
		if !bytes.Equal(got, orig) {
			t.Errorf("untagged frame of %d bytes modified", n)
		}
		if !d.Src.IsExternal() {
			t.Errorf("untagged frame sender = %v, want external", d.Src)
		}
	}
}

func TestBeatCodecMatchesFrameCodec(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	d := route.Descriptor{Src: route.Local(5), Dst: route.Local(7), Class: route.ClassBypass}
	for _, beat := range []int{8, 13, 16, 64} {
		for _, n := range []int{12, 15, 16, 17, 63, 64, 65, 127, 128, 300} {
			opts := Options{BeatSize: beat}
			orig := randomFrame(rng, n)

			enc := NewEncoder(opts)
			encoded := encodeBeats(t, enc, orig, beat, d)
			checkFraming(t, encoded, beat)
			want, _ := EncodeFrame(orig, d, opts)
			if got := stream.Reassemble(encoded); !bytes.Equal(got, want) {
				t.Fatalf("beat %d, frame %d: beat encoder output differs from EncodeFrame", beat, n)
			}

			dec := NewDecoder(opts)
			decoded := decodeBeats(dec, encoded)
			checkFraming(t, decoded, beat)
			if got := stream.Reassemble(decoded); !bytes.Equal(got, orig) {
				t.Fatalf("beat %d, frame %d: decode(encode(f)) != f", beat, n)
			}
			if decoded[0].Route != d {
				t.Errorf("beat %d, frame %d: decoded route %v, want %v", beat, n, decoded[0].Route, d)
			}
		}
	}
}

func TestDecoderUntaggedBeats(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	c := metric.NewRegistry().MustCreateNewCounter(metric.CounterOpts{Name: "malformed_frames"})
	dec := NewDecoder(Options{BeatSize: 16, Errors: c})
	for i, n := range []int{3, 40, 100} {
		orig := randomFrame(rng, n)
		out := decodeBeats(dec, stream.Packetize(orig, 16, route.Descriptor{}))
		if got := stream.Reassemble(out); !bytes.Equal(got, orig) {
			t.Errorf("untagged %d-byte frame modified", n)
		}
		if out[0].Route != ExternalRoute {
			t.Errorf("untagged route = %v, want %v", out[0].Route, ExternalRoute)
		}
		if got := c.Value(); got != uint64(i+1) {
			t.Errorf("malformed counter = %d, want %d", got, i+1)
		}
	}
}

func TestDecoderBackToBackFrames(t *testing.T) {
	opts := Options{BeatSize: 16}
	enc, dec := NewEncoder(opts), NewDecoder(opts)
	frames := [][]byte{bytes.Repeat([]byte{1}, 30), bytes.Repeat([]byte{2}, 50), bytes.Repeat([]byte{3}, 12)}
	routes := []route.Descriptor{
		{Src: route.Local(1), Dst: route.Local(2)},
		{Src: route.Local(3), Dst: route.Local(4)},
		{Src: route.Local(5), Dst: route.Local(6)},
	}
	for i, f := range frames {
		out := decodeBeats(dec, encodeBeats(t, enc, f, 16, routes[i]))
		if got := stream.Reassemble(out); !bytes.Equal(got, f) {
			t.Errorf("frame %d: got %x, want %x", i, got, f)
		}
		if out[0].Route != routes[i] {
			t.Errorf("frame %d: route %v, want %v", i, out[0].Route, routes[i])
		}
	}
}

func TestEncoderDropsShortFrame(t *testing.T) {
	c := metric.NewRegistry().MustCreateNewCounter(metric.CounterOpts{Name: "encode_errors"})
	enc := NewEncoder(Options{BeatSize: 8, Errors: c})
	segs := stream.Packetize([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 8, route.Descriptor{})
	if out, err := enc.Push(segs[0]); err != nil || len(out) != 0 {
		t.Fatalf("Push(first) = %v, %v", out, err)
	}
	if _, err := enc.Push(segs[1]); !errors.Is(err, header.ErrFrameTooShort) {
		t.Fatalf("Push(last) = %v, want %v", err, header.ErrFrameTooShort)
	}
	if c.Value() != 1 {
		t.Errorf("error counter = %d, want 1", c.Value())
	}

	// The encoder recovers for the next frame.
	d := route.Descriptor{Src: route.Local(1), Dst: route.Local(2)}
	out := encodeBeats(t, enc, bytes.Repeat([]byte{9}, 20), 8, d)
	if got := len(stream.Reassemble(out)); got != 24 {
		t.Errorf("next frame encoded to %d bytes, want 24", got)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name   string
		scheme route.Scheme
		src    route.Endpoint
		want   route.Endpoint
	}{
		{"tenant kept", route.Simple, route.Local(3), route.Local(3)},
		{"forged host", route.Simple, route.Local(route.HostPort), route.Endpoint{}},
		{"forged rdma on remote node", route.NodeAware, route.Endpoint{Node: 1, Region: route.RDMAPort}, route.Endpoint{}},
		{"forged local node", route.NodeAware, route.Endpoint{Node: 0, Region: 3}, route.Endpoint{}},
		{"remote tenant kept", route.NodeAware, route.Endpoint{Node: 2, Region: 3}, route.Endpoint{Node: 2, Region: 3}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := Sanitize(route.Descriptor{Src: test.src, Dst: route.Local(4)}, test.scheme, 0)
			if d.Src != test.want {
				t.Errorf("Sanitize sender = %v, want %v", d.Src, test.want)
			}
			if d.Dst != route.Local(4) {
				t.Errorf("Sanitize changed destination to %v", d.Dst)
			}
		})
	}
}

func TestRoundTripKeepsSender(t *testing.T) {
	tests := []struct {
		name   string
		scheme route.Scheme
		d      route.Descriptor
	}{
		{"tenant to tenant", route.Simple, route.Descriptor{Src: route.Local(3), Dst: route.Local(4), Class: route.ClassBypass}},
		{"host sender", route.Simple, route.Descriptor{Src: route.Local(route.HostPort), Dst: route.Local(2)}},
		{"rdma sender", route.Simple, route.Descriptor{Src: route.Local(route.RDMAPort), Dst: route.Local(1), Class: route.ClassRDMA}},
		{"external sender", route.Simple, route.Descriptor{Dst: route.Local(route.LastTenant), Class: route.ClassTCP}},
		{"remote tenant", route.NodeAware, route.Descriptor{Src: route.Endpoint{Node: 1, Region: 3}, Dst: route.Endpoint{Node: 2, Region: 4}, Class: route.ClassBypass}},
		{"local node sender", route.NodeAware, route.Descriptor{Src: route.Endpoint{Node: 2, Region: 5}, Dst: route.Endpoint{Node: 2, Region: 6}}},
		{"infrastructure on remote node", route.NodeAware, route.Descriptor{Src: route.Endpoint{Node: 3, Region: route.TCPPort}, Dst: route.Endpoint{Node: 0, Region: 1}, Class: route.ClassTCP}},
	}
	rng := rand.New(rand.NewSource(6))
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts := Options{Scheme: test.scheme, BeatSize: 16}
			orig := randomFrame(rng, 70)

			tagged, err := EncodeFrame(orig, test.d, opts)
			if err != nil {
				t.Fatalf("EncodeFrame failed: %v", err)
			}
			got, d, ok := DecodeFrame(tagged, opts)
			if !ok {
				t.Fatalf("tag not found")
			}
			if !bytes.Equal(got, orig) {
				t.Errorf("DecodeFrame(EncodeFrame(f)) != f")
			}
			if d != test.d {
				t.Errorf("DecodeFrame route = %v, want %v", d, test.d)
			}

			out := decodeBeats(NewDecoder(opts), encodeBeats(t, NewEncoder(opts), orig, 16, test.d))
			if got := stream.Reassemble(out); !bytes.Equal(got, orig) {
				t.Errorf("beat codec changed the frame")
			}
			if out[0].Route != test.d {
				t.Errorf("Decoder route = %v, want %v", out[0].Route, test.d)
			}
		})
	}
}

func TestDecoderEmptyFrame(t *testing.T) {
	c := metric.NewRegistry().MustCreateNewCounter(metric.CounterOpts{Name: "malformed_frames"})
	dec := NewDecoder(Options{BeatSize: 16, Errors: c})
	out := decodeBeats(dec, stream.Packetize(nil, 16, route.Descriptor{}))
	if len(out) != 1 {
		t.Fatalf("empty frame decoded to %d beats, want 1", len(out))
	}
	if !out[0].Last || out[0].Len() != 0 {
		t.Errorf("empty frame beat = %+v, want an empty last beat", out[0])
	}
	if out[0].Route != ExternalRoute {
		t.Errorf("empty frame route = %v, want %v", out[0].Route, ExternalRoute)
	}
	if c.Value() != 1 {
		t.Errorf("malformed counter = %d, want 1", c.Value())
	}

	// The next frame starts cleanly.
	d := route.Descriptor{Src: route.Local(1), Dst: route.Local(2)}
	f := bytes.Repeat([]byte{7}, 40)
	out = decodeBeats(dec, encodeBeats(t, NewEncoder(Options{BeatSize: 16}), f, 16, d))
	if got := stream.Reassemble(out); !bytes.Equal(got, f) {
		t.Errorf("frame after empty frame = %x, want %x", got, f)
	}
	if out[0].Route != d {
		t.Errorf("route after empty frame = %v, want %v", out[0].Route, d)
	}
}
