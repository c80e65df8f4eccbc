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

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/halalboro/POS-sub002/pkg/capability"
	"github.com/halalboro/POS-sub002/pkg/connroute"
	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// SendConfig configures a SendGateway.
type SendConfig struct {
	// Self is the owning region.
	Self route.Endpoint

	// Path is the egress path served by the gateway.
	Path Path

	// Capabilities is the node's capability table.
	Capabilities *capability.Table

	// Connections resolves connection ids. Required for RDMARequest and
	// TCP.
	Connections *connroute.Table

	// Violations counts denied packets. Must be non-nil.
	Violations *metric.Counter
}

// SendGateway validates and stamps the packets of one egress path.
type SendGateway struct {
	cfg     SendConfig
	dropLog log.Logger

	// Latched per packet.
	inPacket bool
	allowed  bool
	stamp    route.Descriptor
}

// NewSendGateway returns a SendGateway.
func NewSendGateway(cfg SendConfig) *SendGateway {
	return &SendGateway{
		cfg:     cfg,
		dropLog: log.BasicRateLimitedLogger(time.Second),
	}
}

// Path returns the gateway's egress path.
func (g *SendGateway) Path() Path {
	return g.cfg.Path
}

// resolve computes the destination of a packet and whether it is permitted.
func (g *SendGateway) resolve(t Target) (route.Descriptor, bool) {
	self := g.cfg.Self
	d := route.Descriptor{Src: self, Class: g.cfg.Path.class()}
	switch g.cfg.Path {
	case Host:
		d.Dst = route.Endpoint{Node: self.Node, Region: route.HostPort}
		return d, true
	case RDMAResponse:
		d.Dst = route.Endpoint{Node: self.Node, Region: route.RDMAPort}
		return d, true
	case RDMARequest, TCP:
		if g.cfg.Connections == nil {
			return d, false
		}
		established, ok := g.cfg.Connections.Lookup(t.Conn)
		if !ok {
			return d, false
		}
		d.Dst = established.Dst
	case Peer:
		d.Dst = t.Peer
		if !d.Dst.Region.IsTenant() {
			return d, false
		}
	default:
		d.Dst = t.Peer
	}
	return d, g.cfg.Capabilities.IsAllowed(self.Region, d.Dst, capability.Send)
}

// Submit processes one beat. It returns the stamped beat and true if the beat
// should be forwarded, or false if its packet was denied; a denied beat is
// consumed so the producer is never blocked.
func (g *SendGateway) Submit(o Outbound) (stream.Segment, bool) {
	if !g.inPacket {
		g.stamp, g.allowed = g.resolve(o.Target)
		g.inPacket = true
		if !g.allowed {
			g.cfg.Violations.Increment()
			if g.cfg.Path.usesConnections() {
				g.dropLog.Warningf("Region %v: %v packet on connection %d denied", g.cfg.Self, g.cfg.Path, o.Target.Conn)
			} else {
				g.dropLog.Warningf("Region %v: %v packet to %v denied", g.cfg.Self, g.cfg.Path, g.stamp.Dst)
			}
		}
	}
	if o.Segment.Last {
		g.inPacket = false
	}
	if !g.allowed {
		return stream.Segment{}, false
	}
	seg := o.Segment
	seg.Route = g.stamp
	seg.Sender = route.Endpoint{}
	return seg, true
}

// Sender multiplexes a region's egress paths onto its single fabric link.
type Sender struct {
	gateways [NumPaths]*SendGateway
	inputs   [NumPaths]*stream.Queue[Outbound]
	out      *stream.Queue[stream.Segment]
	waker    *stream.Waker
}

// NewSender returns a Sender with one input queue of queueLen beats per path.
// gateways must hold one gateway per path, indexed by path.
func NewSender(gateways [NumPaths]*SendGateway, queueLen int, out *stream.Queue[stream.Segment]) *Sender {
	s := &Sender{
		gateways: gateways,
		out:      out,
		waker:    stream.NewWaker(),
	}
	for p := range s.inputs {
		s.inputs[p] = stream.NewQueue[Outbound](queueLen)
		s.inputs[p].AddNotify(s.waker)
	}
	return s
}

// Input returns the input queue of path p.
func (s *Sender) Input(p Path) *stream.Queue[Outbound] {
	return s.inputs[p]
}

// Close closes every input queue.
func (s *Sender) Close() {
	for _, q := range s.inputs {
		q.Close()
	}
}

// next returns the first beat of the highest-priority path with data ready.
func (s *Sender) next() (Path, Outbound, bool) {
	for _, p := range Priority {
		if o, ok := s.inputs[p].Read(); ok {
			return p, o, true
		}
	}
	return 0, Outbound{}, false
}

// drained returns true once every input is closed and empty.
func (s *Sender) drained() bool {
	for _, q := range s.inputs {
		select {
		case <-q.Closed():
		default:
			return false
		}
		if q.Num() != 0 {
			return false
		}
	}
	return true
}

// Run arbitrates until ctx is cancelled or every input is closed and
// drained. Priority is evaluated at packet
// boundaries: once a path is granted, its packet runs to its last beat.
func (s *Sender) Run(ctx context.Context) error {
	for {
		p, o, ok := s.next()
		if !ok {
			if s.drained() {
				return nil
			}
			select {
			case <-s.waker.C():
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if err := s.forward(ctx, p, o); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// forward pushes the packet starting with o through the gateway of path p.
// If the input closes before the packet's last beat, forward ends the packet
// with an empty last beat so downstream stages never wait on it.
func (s *Sender) forward(ctx context.Context, p Path, o Outbound) error {
	g := s.gateways[p]
	for {
		if seg, ok := g.Submit(o); ok {
			if err := s.out.WriteContext(ctx, seg); err != nil {
				return err
			}
		}
		if o.Segment.Last {
			return nil
		}
		var err error
		if o, err = s.inputs[p].ReadContext(ctx); err != nil {
			if errors.Is(err, stream.ErrClosed) {
				// The gateway is mid-packet, so the beat takes the latched
				// stamp and clears the latch.
				if seg, ok := g.Submit(Outbound{Segment: stream.EndOfPacket(route.Descriptor{})}); ok {
					if werr := s.out.WriteContext(ctx, seg); werr != nil {
						return werr
					}
				}
			}
			return err
		}
	}
}
