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

// Package dma implements the host DMA engine behind the fabric's host port.
//
// The engine serves requests already authorized by a region's memory gate.
// Reads are answered with a packet from the host port to the requesting
// region. Writes are paired, per region and in order, with the data packets
// the region sends to the host port on its host egress path.
package dma

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/memgate"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// PageSize is the allocation granule of Memory.
const PageSize = 4096

// Memory is sparse host memory. Unwritten bytes read as zero.
type Memory struct {
	mu    sync.RWMutex
	pages map[uint64]*[PageSize]byte
}

// NewMemory returns empty memory.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64]*[PageSize]byte)}
}

// ReadAt fills p from addr.
func (m *Memory) ReadAt(p []byte, addr uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for len(p) > 0 {
		off := addr % PageSize
		n := PageSize - off
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}
		if pg, ok := m.pages[addr/PageSize]; ok {
			copy(p[:n], pg[off:])
		} else {
			clear(p[:n])
		}
		p = p[n:]
		addr += n
	}
}

// WriteAt stores p at addr.
func (m *Memory) WriteAt(p []byte, addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(p) > 0 {
		off := addr % PageSize
		pg, ok := m.pages[addr/PageSize]
		if !ok {
			pg = new([PageSize]byte)
			m.pages[addr/PageSize] = pg
		}
		n := copy(pg[off:], p)
		p = p[n:]
		addr += uint64(n)
	}
}

// Pages returns the number of allocated pages.
func (m *Memory) Pages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

const (
	// DefaultMaxTransfer is the default limit on a single request.
	DefaultMaxTransfer = 1 << 20

	// DefaultMaxPending is the default number of unmatched write data
	// packets buffered per region.
	DefaultMaxPending = 16
)

// Options configures an Engine.
type Options struct {
	// Node is the local node, stamped on read responses.
	Node route.NodeID

	// Memory is the backing host memory.
	Memory *Memory

	// BeatSize is the beat size of read responses. Zero means
	// stream.DefaultBeatSize.
	BeatSize int

	// MaxTransfer bounds the length of a request; longer requests are
	// refused. Zero means DefaultMaxTransfer.
	MaxTransfer uint64

	// MaxPending bounds the write data buffered per region ahead of its
	// grant; the oldest is discarded beyond it. Zero means
	// DefaultMaxPending.
	MaxPending int
}

// Engine is the host DMA engine.
type Engine struct {
	opts    Options
	dropLog log.Logger

	// outMu serializes response packets onto the host port.
	outMu sync.Mutex

	// mu protects the fields below.
	mu      sync.Mutex
	writes  map[route.RegionID][]memgate.Authorized
	pending map[route.RegionID][][]byte
}

// New returns an Engine.
func New(opts Options) *Engine {
	if opts.Memory == nil {
		opts.Memory = NewMemory()
	}
	if opts.BeatSize <= 0 {
		opts.BeatSize = stream.DefaultBeatSize
	}
	if opts.MaxTransfer == 0 {
		opts.MaxTransfer = DefaultMaxTransfer
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &Engine{
		opts:    opts,
		dropLog: log.BasicRateLimitedLogger(time.Second),
		writes:  make(map[route.RegionID][]memgate.Authorized),
		pending: make(map[route.RegionID][][]byte),
	}
}

// Memory returns the engine's host memory.
func (e *Engine) Memory() *Memory {
	return e.opts.Memory
}

// Run serves grants until ctx is cancelled. grants are the regions' memory
// gate outputs; fromFabric and toFabric are the host port's egress and
// ingress queues.
func (e *Engine) Run(ctx context.Context, grants []*stream.Queue[memgate.Authorized], fromFabric, toFabric *stream.Queue[stream.Segment]) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range grants {
		q := q
		g.Go(func() error { return e.serveGrants(ctx, q, toFabric) })
	}
	g.Go(func() error { return e.serveData(ctx, fromFabric) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosed) {
		return nil
	}
	return err
}

func (e *Engine) serveGrants(ctx context.Context, q *stream.Queue[memgate.Authorized], toFabric *stream.Queue[stream.Segment]) error {
	for {
		a, err := q.ReadContext(ctx)
		if errors.Is(err, stream.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if a.Length > e.opts.MaxTransfer {
			e.dropLog.Warningf("DMA: refusing %v from %v: longer than %#x", a.Request, a.Route.Src, e.opts.MaxTransfer)
			continue
		}
		if a.Write {
			e.grantWrite(a)
			continue
		}
		if err := e.read(ctx, a, toFabric); err != nil {
			return err
		}
	}
}

// read answers a with a response packet to the requester.
func (e *Engine) read(ctx context.Context, a memgate.Authorized, toFabric *stream.Queue[stream.Segment]) error {
	buf := make([]byte, a.Length)
	e.opts.Memory.ReadAt(buf, a.Vaddr)
	resp := route.Descriptor{
		Src:   route.Endpoint{Node: e.opts.Node, Region: route.HostPort},
		Dst:   a.Route.Src,
		Class: route.ClassDirect,
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	for _, seg := range stream.Packetize(buf, e.opts.BeatSize, resp) {
		if err := toFabric.WriteContext(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) grantWrite(a memgate.Authorized) {
	r := a.Route.Src.Region
	e.mu.Lock()
	defer e.mu.Unlock()
	if data := e.pending[r]; len(data) > 0 {
		e.pending[r] = data[1:]
		e.apply(a, data[0])
		return
	}
	e.writes[r] = append(e.writes[r], a)
}

func (e *Engine) deliverData(r route.RegionID, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ws := e.writes[r]; len(ws) > 0 {
		e.writes[r] = ws[1:]
		e.apply(ws[0], data)
		return
	}
	if len(e.pending[r]) >= e.opts.MaxPending {
		e.dropLog.Warningf("DMA: region %v has %d data packets without a write grant, discarding the oldest", r, len(e.pending[r]))
		e.pending[r] = e.pending[r][1:]
	}
	e.pending[r] = append(e.pending[r], data)
}

// apply writes data for a. Data beyond the granted length is discarded.
func (e *Engine) apply(a memgate.Authorized, data []byte) {
	if uint64(len(data)) > a.Length {
		e.dropLog.Warningf("DMA: truncating %d bytes of write data to %v", len(data), a.Request)
		data = data[:a.Length]
	}
	e.opts.Memory.WriteAt(data, a.Vaddr)
}

// serveData collects write data packets from the host port.
func (e *Engine) serveData(ctx context.Context, fromFabric *stream.Queue[stream.Segment]) error {
	var segs []stream.Segment
	for {
		seg, err := fromFabric.ReadContext(ctx)
		if errors.Is(err, stream.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		segs = append(segs, seg)
		if !seg.Last {
			continue
		}
		src := segs[0].Route.Src.Region
		e.deliverData(src, stream.Reassemble(segs))
		segs = segs[:0]
	}
}
