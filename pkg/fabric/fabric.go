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

// Package fabric implements the on-node switch connecting tenant regions and
// shared infrastructure ports.
//
// Each attached port has one ingress and one egress queue. A demultiplexer
// per ingress routes every packet into a virtual output queue (VOQ) for its
// (source, destination) pair; an arbiter per egress grants whole packets from
// those VOQs in round-robin order. Packets are never interleaved on an
// egress and packets of one (source, destination) pair stay in order.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// DefaultQueueLen is the default depth, in beats, of port and virtual output
// queues.
const DefaultQueueLen = 64

// ErrInvalidPort is returned for ports that cannot be attached.
var ErrInvalidPort = errors.New("invalid fabric port")

// Options configures a Fabric.
type Options struct {
	// Scheme is the descriptor scheme. Nodes are ignored in the simple
	// scheme.
	Scheme route.Scheme

	// Local is this node.
	Local route.NodeID

	// Ports are the attached ports: tenant regions and shared ports.
	Ports []route.RegionID

	// QueueLen is the depth of every queue. Zero means DefaultQueueLen.
	QueueLen int

	// RoutingErrors counts packets with no valid destination. Must be
	// non-nil.
	RoutingErrors *metric.Counter
}

// Fabric is the switch of one node.
type Fabric struct {
	opts     Options
	attached [route.NumPorts]bool
	ports    []route.RegionID
	ingress  [route.NumPorts]*stream.Queue[stream.Segment]
	egress   [route.NumPorts]*stream.Queue[stream.Segment]
	voq      [route.NumPorts][route.NumPorts]*stream.Queue[stream.Segment]
	wakers   [route.NumPorts]*stream.Waker
	dropLog  log.Logger
}

// New returns a Fabric with opts.Ports attached.
func New(opts Options) (*Fabric, error) {
	if opts.QueueLen <= 0 {
		opts.QueueLen = DefaultQueueLen
	}
	f := &Fabric{
		opts:    opts,
		dropLog: log.BasicRateLimitedLogger(time.Second),
	}
	for _, p := range opts.Ports {
		if p.IsExternal() || !p.Valid() {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPort, p)
		}
		if f.attached[p] {
			return nil, fmt.Errorf("%w: %v attached twice", ErrInvalidPort, p)
		}
		f.attached[p] = true
		f.ports = append(f.ports, p)
		f.ingress[p] = stream.NewQueue[stream.Segment](opts.QueueLen)
		f.egress[p] = stream.NewQueue[stream.Segment](opts.QueueLen)
		f.wakers[p] = stream.NewWaker()
	}
	for _, src := range f.ports {
		for _, dst := range f.ports {
			q := stream.NewQueue[stream.Segment](opts.QueueLen)
			q.AddNotify(f.wakers[dst])
			f.voq[src][dst] = q
		}
	}
	return f, nil
}

// Ports returns the attached ports in attachment order.
func (f *Fabric) Ports() []route.RegionID {
	return append([]route.RegionID(nil), f.ports...)
}

// Attached returns true if p is attached.
func (f *Fabric) Attached(p route.RegionID) bool {
	return p.Valid() && f.attached[p]
}

// Ingress returns the queue into which port p injects packets, or nil if p is
// not attached.
func (f *Fabric) Ingress(p route.RegionID) *stream.Queue[stream.Segment] {
	if !f.Attached(p) {
		return nil
	}
	return f.ingress[p]
}

// Egress returns the queue from which port p receives packets, or nil if p is
// not attached.
func (f *Fabric) Egress(p route.RegionID) *stream.Queue[stream.Segment] {
	if !f.Attached(p) {
		return nil
	}
	return f.egress[p]
}

func (f *Fabric) isLocal(n route.NodeID) bool {
	return f.opts.Scheme == route.Simple || n == f.opts.Local
}

// Resolve returns the egress port of a packet entering at src with descriptor
// d, or false if the packet has no valid destination.
func (f *Fabric) Resolve(src route.RegionID, d route.Descriptor) (route.RegionID, bool) {
	var dst route.RegionID
	switch {
	case src.IsTenant():
		if p, ok := d.Class.Port(); ok {
			dst = p
			break
		}
		if !f.isLocal(d.Dst.Node) {
			return 0, false
		}
		dst = d.Dst.Region
		if !dst.IsTenant() && dst != route.HostPort {
			return 0, false
		}
	case src.IsInfrastructure():
		if !f.isLocal(d.Dst.Node) || !d.Dst.Region.IsTenant() {
			return 0, false
		}
		dst = d.Dst.Region
	default:
		return 0, false
	}
	if dst == src || !f.Attached(dst) {
		return 0, false
	}
	return dst, true
}

// demux routes packets from the ingress of src into VOQs.
func (f *Fabric) demux(ctx context.Context, src route.RegionID) error {
	in := f.ingress[src]
	var (
		inPacket bool
		dst      route.RegionID
		ok       bool
	)
	for {
		seg, err := in.ReadContext(ctx)
		if errors.Is(err, stream.ErrClosed) {
			// Port detached; other ports keep switching. A packet cut
			// short is ended so the egress arbiter releases its grant.
			if inPacket && ok {
				return f.voq[src][dst].WriteContext(ctx, stream.EndOfPacket(route.Descriptor{}))
			}
			return nil
		}
		if err != nil {
			return err
		}
		if !inPacket {
			inPacket = true
			if dst, ok = f.Resolve(src, seg.Route); !ok {
				f.opts.RoutingErrors.Increment()
				f.dropLog.Warningf("Fabric: no route from port %v for %v, dropping packet", src, seg.Route)
			}
		}
		if seg.Last {
			inPacket = false
		}
		if !ok {
			continue
		}
		if err := f.voq[src][dst].WriteContext(ctx, seg); err != nil {
			return err
		}
	}
}

// arbitrate grants whole packets from the VOQs of dst in round-robin order.
func (f *Fabric) arbitrate(ctx context.Context, dst route.RegionID) error {
	out := f.egress[dst]
	next := 0
	for {
		granted := -1
		var first stream.Segment
		for i := 0; i < len(f.ports); i++ {
			s := (next + i) % len(f.ports)
			if seg, ok := f.voq[f.ports[s]][dst].Read(); ok {
				granted, first = s, seg
				break
			}
		}
		if granted < 0 {
			select {
			case <-f.wakers[dst].C():
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		next = granted + 1
		q := f.voq[f.ports[granted]][dst]
		seg := first
		for {
			if err := out.WriteContext(ctx, seg); err != nil {
				return err
			}
			if seg.Last {
				break
			}
			var err error
			if seg, err = q.ReadContext(ctx); err != nil {
				return err
			}
		}
	}
}

// Run switches packets until ctx is cancelled. Egress queues are closed on
// return.
func (f *Fabric) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range f.ports {
		p := p
		g.Go(func() error { return f.demux(ctx, p) })
		g.Go(func() error { return f.arbitrate(ctx, p) })
	}
	err := g.Wait()
	for _, p := range f.ports {
		f.egress[p].Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
