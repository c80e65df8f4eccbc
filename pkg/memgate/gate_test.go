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
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

func newGate(t *testing.T, eps ...Endpoint) (*Gate, *metric.Counter) {
	t.Helper()
	c := metric.NewRegistry().MustCreateNewCounter(metric.CounterOpts{Name: "memory_violations"})
	g := New(Options{Owner: route.Local(1), Violations: c})
	g.Configure(eps)
	return g, c
}

func TestCheck(t *testing.T) {
	readWindow := Endpoint{Valid: true, Rights: Read, Base: 0x1000, Bound: 0x1FFF}
	tests := []struct {
		name string
		eps  []Endpoint
		req  Request
		ok   bool
	}{
		{
			name: "end past bound",
			eps:  []Endpoint{readWindow},
			req:  Request{Vaddr: 0x1F00, Length: 0x200},
			ok:   false,
		},
		{
			name: "ends exactly at bound",
			eps:  []Endpoint{readWindow},
			req:  Request{Vaddr: 0x1F00, Length: 0x100},
			ok:   true,
		},
		{
			name: "whole window",
			eps:  []Endpoint{readWindow},
			req:  Request{Vaddr: 0x1000, Length: 0x1000},
			ok:   true,
		},
		{
			name: "starts before base",
			eps:  []Endpoint{readWindow},
			req:  Request{Vaddr: 0xFFF, Length: 1},
			ok:   false,
		},
		{
			name: "zero length",
			eps:  []Endpoint{readWindow},
			req:  Request{Vaddr: 0x1000, Length: 0},
			ok:   false,
		},
		{
			name: "write to read-only window",
			eps:  []Endpoint{readWindow},
			req:  Request{Vaddr: 0x1000, Length: 1, Write: true},
			ok:   false,
		},
		{
			name: "near-maximum length write",
			eps:  []Endpoint{{Valid: true, Rights: Write, Base: 0x1000, Bound: 0x1FFF}},
			req:  Request{Vaddr: 0x1000, Length: 0xFFFFFFFFFFFF, Write: true},
			ok:   false,
		},
		{
			name: "wrapping length",
			eps:  []Endpoint{{Valid: true, Rights: Read | Write, Base: 0, Bound: MaxAddr}},
			req:  Request{Vaddr: 0x10, Length: ^uint64(0) - 0xF},
			ok:   false,
		},
		{
			name: "full address space",
			eps:  []Endpoint{{Valid: true, Rights: Read, Base: 0, Bound: MaxAddr}},
			req:  Request{Vaddr: 0, Length: MaxAddr + 1},
			ok:   true,
		},
		{
			name: "second endpoint matches",
			eps: []Endpoint{
				readWindow,
				{Valid: true, Rights: Write, Base: 0x8000, Bound: 0x8FFF},
			},
			req: Request{Vaddr: 0x8800, Length: 0x800, Write: true},
			ok:  true,
		},
		{
			name: "invalid endpoint ignored",
			eps:  []Endpoint{{Valid: false, Rights: Read, Base: 0, Bound: MaxAddr}},
			req:  Request{Vaddr: 0, Length: 1},
			ok:   false,
		},
		{
			name: "inverted endpoint forced invalid",
			eps:  []Endpoint{{Valid: true, Rights: Read, Base: 0x2000, Bound: 0x1000}},
			req:  Request{Vaddr: 0x1800, Length: 1},
			ok:   false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g, c := newGate(t, test.eps...)
			a, err := g.Check(test.req)
			if test.ok {
				if err != nil {
					t.Fatalf("Check(%v) = %v, want authorized", test.req, err)
				}
				want := route.Descriptor{Src: route.Local(1), Dst: route.Local(route.HostPort)}
				if a.Route != want {
					t.Errorf("Check(%v) route = %v, want %v", test.req, a.Route, want)
				}
				if c.Value() != 0 {
					t.Errorf("violation counter = %d after an authorized request", c.Value())
				}
				return
			}
			if !errors.Is(err, ErrBoundsViolation) {
				t.Fatalf("Check(%v) = %v, want %v", test.req, err, ErrBoundsViolation)
			}
			if c.Value() != 1 {
				t.Errorf("violation counter = %d, want 1", c.Value())
			}
		})
	}
}

// TestBoundsSoundness compares Check against an arbitrary-precision reference
// for random, often adversarial, requests.
func TestBoundsSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	randAddr := func() uint64 {
		switch rng.Intn(4) {
		case 0:
			return rng.Uint64()
		case 1:
			return MaxAddr - uint64(rng.Intn(0x1000))
		default:
			return rng.Uint64() & 0xFFFFF
		}
	}
	for i := 0; i < 20000; i++ {
		base, bound := randAddr()&MaxAddr, randAddr()&MaxAddr
		e := Endpoint{Valid: true, Rights: Read | Write, Base: base, Bound: bound}
		req := Request{Vaddr: randAddr(), Length: randAddr(), Write: rng.Intn(2) == 0}

		end := new(big.Int).SetUint64(req.Vaddr)
		end.Add(end, new(big.Int).SetUint64(req.Length))
		end.Sub(end, big.NewInt(1))
		want := base <= bound && req.Length > 0 && req.Vaddr >= base && end.Cmp(new(big.Int).SetUint64(bound)) <= 0

		g, _ := newGate(t, e)
		_, err := g.Check(req)
		if got := err == nil; got != want {
			t.Fatalf("Check(%v) against %v authorized=%t, want %t", req, e, got, want)
		}
	}
}

func TestConfigureTruncates(t *testing.T) {
	g, _ := newGate(t)
	eps := make([]Endpoint, DefaultMaxEndpoints+2)
	for i := range eps {
		eps[i] = Endpoint{Valid: true, Rights: Read, Base: uint64(i) << 12, Bound: uint64(i)<<12 | 0xFFF}
	}
	g.Configure(eps)
	if got := len(g.Endpoints()); got != DefaultMaxEndpoints {
		t.Errorf("len(Endpoints()) = %d, want %d", got, DefaultMaxEndpoints)
	}
	if _, err := g.Check(Request{Vaddr: uint64(DefaultMaxEndpoints) << 12, Length: 1}); err == nil {
		t.Errorf("request to a truncated endpoint authorized")
	}
}

func TestCtrlRoundTrip(t *testing.T) {
	eps := []Endpoint{
		{Valid: true, Rights: Read, Base: 0x1000, Bound: 0x1FFF},
		{Valid: true, Rights: Read | Write, Base: 0, Bound: MaxAddr},
		{},
		{Valid: true, Rights: Write, Base: 0xABCDEF012345, Bound: 0xABCDEF112345},
	}
	buf := EncodeCtrl(eps)
	if got, want := len(buf), CtrlSize(4); got != want {
		t.Fatalf("len(EncodeCtrl()) = %d, want %d", got, want)
	}
	got, err := DecodeCtrl(buf, len(eps))
	if err != nil {
		t.Fatalf("DecodeCtrl failed: %v", err)
	}
	if diff := cmp.Diff(eps, got); diff != "" {
		t.Errorf("DecodeCtrl(EncodeCtrl()) mismatch (-want +got):\n%s", diff)
	}
}

func TestCtrlLayout(t *testing.T) {
	buf := EncodeCtrl([]Endpoint{{Valid: true, Rights: Write, Base: 1, Bound: 2}})
	// bit 0: base=1; bit 49: bound=2; bit 97: write; bit 98: valid.
	for _, bit := range []int{0, 49, 97, 98} {
		if buf[bit/8]&(1<<uint(bit%8)) == 0 {
			t.Errorf("bit %d not set in %x", bit, buf)
		}
	}
	if _, err := DecodeCtrl(buf[:5], 1); err == nil {
		t.Errorf("DecodeCtrl on a short buffer succeeded")
	}
}

func TestDecodeCtrlNormalizes(t *testing.T) {
	buf := EncodeCtrl([]Endpoint{{Valid: true, Rights: Read, Base: 0x2000, Bound: 0x1000}})
	eps, err := DecodeCtrl(buf, 1)
	if err != nil {
		t.Fatalf("DecodeCtrl failed: %v", err)
	}
	if eps[0].Valid {
		t.Errorf("endpoint with base > bound decoded valid")
	}
}

func TestParseRights(t *testing.T) {
	for in, want := range map[string]Rights{"read": Read, "write": Write, "rw": Read | Write, "read|write": Read | Write, "": 0} {
		got, err := ParseRights(in)
		if err != nil || got != want {
			t.Errorf("ParseRights(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseRights("exec"); err == nil {
		t.Errorf("ParseRights(exec) succeeded")
	}
}

func TestRunDropsDeniedWithoutStalling(t *testing.T) {
	g, c := newGate(t, Endpoint{Valid: true, Rights: Read, Base: 0x1000, Bound: 0x1FFF})
	in := stream.NewQueue[Request](8)
	out := stream.NewQueue[Authorized](1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, in, out) }()

	// One authorized request fills out; the denied requests behind it must
	// still be consumed and counted.
	in.Write(Request{Vaddr: 0x1000, Length: 4})
	in.Write(Request{Vaddr: 0x3000, Length: 4})
	in.Write(Request{Vaddr: 0x1000, Length: 0})
	in.Write(Request{Vaddr: 0x1000, Length: 8})

	deadline := time.After(5 * time.Second)
	for c.Value() != 2 {
		select {
		case <-deadline:
			t.Fatalf("violation counter = %d, want 2", c.Value())
		case <-time.After(time.Millisecond):
		}
	}

	for _, want := range []uint64{4, 8} {
		a, err := out.ReadContext(ctx)
		if err != nil {
			t.Fatalf("ReadContext failed: %v", err)
		}
		if a.Length != want {
			t.Errorf("forwarded length %#x, want %#x", a.Length, want)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
}
