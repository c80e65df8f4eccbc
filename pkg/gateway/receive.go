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
	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// Classify returns the ingress path of a packet whose first beat carries d,
// as seen by the region self. Traffic from an infrastructure port of the
// local node takes that port's trusted path, traffic from an external client
// arrives over bypass, and everything else is peer traffic.
func Classify(self route.Endpoint, d route.Descriptor) Ingress {
	src := d.Src
	switch {
	case src.IsExternal():
		return FromBypass
	case src.Node != self.Node:
		return FromPeer
	}
	switch src.Region {
	case route.HostPort:
		return FromHost
	case route.RDMAPort:
		return FromRDMA
	case route.TCPPort:
		return FromTCP
	case route.BypassPort:
		return FromBypass
	default:
		return FromPeer
	}
}

// ReceiveConfig configures a ReceiveGateway.
type ReceiveConfig struct {
	// Self is the owning region.
	Self route.Endpoint

	// Ingress is the ingress path served by the gateway.
	Ingress Ingress

	// Capabilities is the node's capability table.
	Capabilities *capability.Table

	// Violations counts denied packets. Must be non-nil.
	Violations *metric.Counter
}

// ReceiveGateway validates the sender of packets on one ingress path.
type ReceiveGateway struct {
	cfg     ReceiveConfig
	dropLog log.Logger

	// Latched per packet.
	inPacket bool
	allowed  bool
	sender   route.Endpoint
}

// NewReceiveGateway returns a ReceiveGateway.
func NewReceiveGateway(cfg ReceiveConfig) *ReceiveGateway {
	return &ReceiveGateway{
		cfg:     cfg,
		dropLog: log.BasicRateLimitedLogger(time.Second),
	}
}

// Ingress returns the gateway's ingress path.
func (g *ReceiveGateway) Ingress() Ingress {
	return g.cfg.Ingress
}

// Accept processes one beat. It returns the delivered beat, with its route
// stripped, and true; or false if its packet was denied. Peer traffic that
// passes validation is tagged with its sender.
func (g *ReceiveGateway) Accept(seg stream.Segment) (stream.Segment, bool) {
	if !g.inPacket {
		g.inPacket = true
		g.sender = route.Endpoint{}
		g.allowed = true
		if g.cfg.Ingress == FromPeer {
			g.sender = seg.Route.Src
			g.allowed = g.cfg.Capabilities.IsAllowed(g.cfg.Self.Region, g.sender, capability.Receive)
			if !g.allowed {
				g.cfg.Violations.Increment()
				g.dropLog.Warningf("Region %v: packet from %v denied", g.cfg.Self, g.sender)
			}
		}
	}
	if seg.Last {
		g.inPacket = false
	}
	if !g.allowed {
		return stream.Segment{}, false
	}
	seg.Route = route.Descriptor{}
	seg.Sender = g.sender
	return seg, true
}

// Receiver demultiplexes a region's fabric link onto its ingress paths.
type Receiver struct {
	self     route.Endpoint
	gateways [NumIngress]*ReceiveGateway
	outputs  [NumIngress]*stream.Queue[stream.Segment]
}

// NewReceiver returns a Receiver delivering into one output queue of queueLen
// beats per ingress path. gateways must hold one gateway per ingress path,
// indexed by path.
func NewReceiver(self route.Endpoint, gateways [NumIngress]*ReceiveGateway, queueLen int) *Receiver {
	r := &Receiver{
		self:     self,
		gateways: gateways,
	}
	for i := range r.outputs {
		r.outputs[i] = stream.NewQueue[stream.Segment](queueLen)
	}
	return r
}

// Output returns the output queue of ingress path i.
func (r *Receiver) Output(i Ingress) *stream.Queue[stream.Segment] {
	return r.outputs[i]
}

// Close closes every output queue.
func (r *Receiver) Close() {
	for _, q := range r.outputs {
		q.Close()
	}
}

// Run delivers packets from in until ctx is cancelled or in is closed and
// drained. Output queues are closed on return.
func (r *Receiver) Run(ctx context.Context, in *stream.Queue[stream.Segment]) error {
	defer r.Close()
	var (
		path     Ingress
		inPacket bool
	)
	for {
		seg, err := in.ReadContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return err
		}
		if !inPacket {
			path = Classify(r.self, seg.Route)
			inPacket = true
		}
		if seg.Last {
			inPacket = false
		}
		out, ok := r.gateways[path].Accept(seg)
		if !ok {
			continue
		}
		if err := r.outputs[path].WriteContext(ctx, out); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
