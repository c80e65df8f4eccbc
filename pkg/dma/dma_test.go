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

package dma

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/halalboro/POS-sub002/pkg/memgate"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

func TestMemoryCrossesPages(t *testing.T) {
	m := NewMemory()
	data := bytes.Repeat([]byte("0123456789"), 1000)
	addr := uint64(3*PageSize - 17)
	m.WriteAt(data, addr)
	if got, want := m.Pages(), 4; got != want {
		t.Errorf("Pages = %d, want %d", got, want)
	}
	got := make([]byte, len(data))
	m.ReadAt(got, addr)
	if !bytes.Equal(got, data) {
		t.Errorf("read back mismatch")
	}

	// Unwritten memory reads as zero, even into a dirty buffer.
	buf := bytes.Repeat([]byte{0xff}, 32)
	m.ReadAt(buf, 100*PageSize)
	if !bytes.Equal(buf, make([]byte, 32)) {
		t.Errorf("unwritten memory = %x, want zeros", buf)
	}
}

type harness struct {
	engine     *Engine
	grants     *stream.Queue[memgate.Authorized]
	fromFabric *stream.Queue[stream.Segment]
	toFabric   *stream.Queue[stream.Segment]
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		engine:     New(opts),
		grants:     stream.NewQueue[memgate.Authorized](16),
		fromFabric: stream.NewQueue[stream.Segment](64),
		toFabric:   stream.NewQueue[stream.Segment](64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(ctx, []*stream.Queue[memgate.Authorized]{h.grants}, h.fromFabric, h.toFabric)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

func grant(r route.RegionID, req memgate.Request) memgate.Authorized {
	return memgate.Authorized{
		Request: req,
		Route:   route.Descriptor{Src: route.Local(r), Dst: route.Local(route.HostPort)},
	}
}

func (h *harness) sendData(t *testing.T, r route.RegionID, data []byte) {
	t.Helper()
	for _, seg := range stream.Packetize(data, 16, route.Descriptor{Src: route.Local(r), Dst: route.Local(route.HostPort)}) {
		if !h.fromFabric.Write(seg) {
			t.Fatalf("host egress full")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWriteThenRead(t *testing.T) {
	h := newHarness(t, Options{Node: 0, BeatSize: 16})
	mem := h.engine.Memory()
	data := []byte("written by region one over several beats")

	h.grants.Write(grant(1, memgate.Request{Vaddr: 0x1000, Length: uint64(len(data)), Write: true}))
	h.sendData(t, 1, data)
	waitFor(t, func() bool {
		got := make([]byte, len(data))
		mem.ReadAt(got, 0x1000)
		return bytes.Equal(got, data)
	})

	h.grants.Write(grant(1, memgate.Request{Vaddr: 0x1000, Length: 7, Tag: 9}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var segs []stream.Segment
	for {
		seg, err := h.toFabric.ReadContext(ctx)
		if err != nil {
			t.Fatalf("response: %v", err)
		}
		segs = append(segs, seg)
		if seg.Last {
			break
		}
	}
	if got := string(stream.Reassemble(segs)); got != "written" {
		t.Errorf("read response = %q, want %q", got, "written")
	}
	want := route.Descriptor{Src: route.Local(route.HostPort), Dst: route.Local(1)}
	if segs[0].Route != want {
		t.Errorf("response route = %v, want %v", segs[0].Route, want)
	}
}

func TestDataBeforeGrant(t *testing.T) {
	h := newHarness(t, Options{})
	h.sendData(t, 2, []byte("early data, longer than the grant"))
	h.grants.Write(grant(2, memgate.Request{Vaddr: 0x40, Length: 5, Write: true}))

	mem := h.engine.Memory()
	waitFor(t, func() bool {
		got := make([]byte, 6)
		mem.ReadAt(got, 0x40)
		return string(got) == "early\x00"
	})
}

func TestWritesPairPerRegion(t *testing.T) {
	h := newHarness(t, Options{})
	h.grants.Write(grant(1, memgate.Request{Vaddr: 0x100, Length: 3, Write: true}))
	h.grants.Write(grant(2, memgate.Request{Vaddr: 0x200, Length: 3, Write: true}))
	h.sendData(t, 2, []byte("two"))
	h.sendData(t, 1, []byte("one"))

	mem := h.engine.Memory()
	waitFor(t, func() bool {
		a, b := make([]byte, 3), make([]byte, 3)
		mem.ReadAt(a, 0x100)
		mem.ReadAt(b, 0x200)
		return string(a) == "one" && string(b) == "two"
	})
}

func TestOversizedRequestRefused(t *testing.T) {
	h := newHarness(t, Options{MaxTransfer: 64})
	h.grants.Write(grant(1, memgate.Request{Vaddr: 0, Length: 65}))
	h.grants.Write(grant(1, memgate.Request{Vaddr: 0, Length: 64}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	seg, err := h.toFabric.ReadContext(ctx)
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if n := seg.Len(); n != 64 || !seg.Last {
		t.Errorf("response beat has %d bytes (last=%t), want the single 64-byte response", n, seg.Last)
	}
}

func TestPendingDataBounded(t *testing.T) {
	e := New(Options{MaxPending: 2})
	for _, s := range []string{"a", "b", "c"} {
		e.deliverData(1, []byte(s))
	}
	e.grantWrite(grant(1, memgate.Request{Vaddr: 0, Length: 1, Write: true}))
	got := make([]byte, 1)
	e.Memory().ReadAt(got, 0)
	if string(got) != "b" {
		t.Errorf("first write applied %q, want %q (oldest discarded)", got, "b")
	}
}
