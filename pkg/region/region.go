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

// Package region assembles the per-tenant data path: send gateways and their
// arbiter, receive gateways, the memory gate and the connection route tables
// of one tenant region.
package region

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/halalboro/POS-sub002/pkg/capability"
	"github.com/halalboro/POS-sub002/pkg/connroute"
	"github.com/halalboro/POS-sub002/pkg/gateway"
	"github.com/halalboro/POS-sub002/pkg/memgate"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// Metric names.
const (
	CapabilityViolations = "capability_violations"
	MemoryViolations     = "memory_violations"
)

// DefaultQueueLen is the default depth, in beats or requests, of the
// region's queues.
const DefaultQueueLen = 64

// ErrNotTenant is returned when a region is created for a non-tenant id.
var ErrNotTenant = errors.New("not a tenant region")

// Config configures a Region.
type Config struct {
	// Self is the region's endpoint.
	Self route.Endpoint

	// Scheme is the descriptor scheme of the connection route tables.
	Scheme route.Scheme

	// Capabilities is the node's capability table.
	Capabilities *capability.Table

	// Metrics receives the region's counters. Must be non-nil.
	Metrics *metric.Registry

	// QueueLen is the depth of every queue. Zero means DefaultQueueLen.
	QueueLen int

	// ConnTableSize is the size of each connection route table. Zero means
	// connroute.DefaultSize.
	ConnTableSize int

	// MaxEndpoints is the memory endpoint table size. Zero means
	// memgate.DefaultMaxEndpoints.
	MaxEndpoints int
}

// Region is one tenant region.
type Region struct {
	self       route.Endpoint
	rdmaConns  *connroute.Table
	tcpConns   *connroute.Table
	sender     *gateway.Sender
	receiver   *gateway.Receiver
	gate       *memgate.Gate
	memIn      *stream.Queue[memgate.Request]
	memOut     *stream.Queue[memgate.Authorized]
	fromFabric *stream.Queue[stream.Segment]
}

// New returns a Region sending into toFabric and receiving from fromFabric,
// the region's ingress and egress queues on the switch fabric.
func New(cfg Config, toFabric, fromFabric *stream.Queue[stream.Segment]) (*Region, error) {
	if !cfg.Self.Region.IsTenant() {
		return nil, fmt.Errorf("%w: %v", ErrNotTenant, cfg.Self.Region)
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultQueueLen
	}
	if cfg.ConnTableSize <= 0 {
		cfg.ConnTableSize = connroute.DefaultSize
	}

	r := &Region{
		self:       cfg.Self,
		memIn:      stream.NewQueue[memgate.Request](cfg.QueueLen),
		memOut:     stream.NewQueue[memgate.Authorized](cfg.QueueLen),
		fromFabric: fromFabric,
	}
	var err error
	if r.rdmaConns, err = connroute.New(cfg.Scheme, cfg.ConnTableSize); err != nil {
		return nil, fmt.Errorf("region %v: %w", cfg.Self, err)
	}
	if r.tcpConns, err = connroute.New(cfg.Scheme, cfg.ConnTableSize); err != nil {
		return nil, fmt.Errorf("region %v: %w", cfg.Self, err)
	}

	label := cfg.Self.Region.String()
	violations := func(dir capability.Direction) (*metric.Counter, error) {
		return cfg.Metrics.NewCounter(metric.CounterOpts{
			Name:   CapabilityViolations,
			Help:   "Packets dropped by a gateway for lack of a capability.",
			Labels: map[string]string{"region": label, "direction": dir.String()},
		})
	}
	sendViolations, err := violations(capability.Send)
	if err != nil {
		return nil, err
	}
	recvViolations, err := violations(capability.Receive)
	if err != nil {
		return nil, err
	}
	memViolations, err := cfg.Metrics.NewCounter(metric.CounterOpts{
		Name:   MemoryViolations,
		Help:   "Memory requests denied by the memory gate.",
		Labels: map[string]string{"region": label},
	})
	if err != nil {
		return nil, err
	}

	var sends [gateway.NumPaths]*gateway.SendGateway
	for p := gateway.Path(0); p < gateway.NumPaths; p++ {
		sc := gateway.SendConfig{
			Self:         cfg.Self,
			Path:         p,
			Capabilities: cfg.Capabilities,
			Violations:   sendViolations,
		}
		switch p {
		case gateway.RDMARequest:
			sc.Connections = r.rdmaConns
		case gateway.TCP:
			sc.Connections = r.tcpConns
		}
		sends[p] = gateway.NewSendGateway(sc)
	}
	r.sender = gateway.NewSender(sends, cfg.QueueLen, toFabric)

	var recvs [gateway.NumIngress]*gateway.ReceiveGateway
	for i := gateway.Ingress(0); i < gateway.NumIngress; i++ {
		recvs[i] = gateway.NewReceiveGateway(gateway.ReceiveConfig{
			Self:         cfg.Self,
			Ingress:      i,
			Capabilities: cfg.Capabilities,
			Violations:   recvViolations,
		})
	}
	r.receiver = gateway.NewReceiver(cfg.Self, recvs, cfg.QueueLen)

	r.gate = memgate.New(memgate.Options{
		Owner:        cfg.Self,
		MaxEndpoints: cfg.MaxEndpoints,
		Violations:   memViolations,
	})
	return r, nil
}

// Self returns the region's endpoint.
func (r *Region) Self() route.Endpoint {
	return r.self
}

// Send returns the input queue of egress path p.
func (r *Region) Send(p gateway.Path) *stream.Queue[gateway.Outbound] {
	return r.sender.Input(p)
}

// Deliveries returns the output queue of ingress path i.
func (r *Region) Deliveries(i gateway.Ingress) *stream.Queue[stream.Segment] {
	return r.receiver.Output(i)
}

// Connections returns the connection route table used by egress path p, or
// nil if p does not use one.
func (r *Region) Connections(p gateway.Path) *connroute.Table {
	switch p {
	case gateway.RDMARequest:
		return r.rdmaConns
	case gateway.TCP:
		return r.tcpConns
	default:
		return nil
	}
}

// Memory returns the region's memory gate.
func (r *Region) Memory() *memgate.Gate {
	return r.gate
}

// MemoryRequests returns the queue of the tenant's DMA requests.
func (r *Region) MemoryRequests() *stream.Queue[memgate.Request] {
	return r.memIn
}

// MemoryGrants returns the queue of authorized DMA requests, consumed by the
// host DMA engine.
func (r *Region) MemoryGrants() *stream.Queue[memgate.Authorized] {
	return r.memOut
}

// Close stops accepting tenant input.
func (r *Region) Close() {
	r.sender.Close()
	r.memIn.Close()
}

// Run runs the region's data path until ctx is cancelled.
func (r *Region) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.sender.Run(ctx) })
	g.Go(func() error { return r.receiver.Run(ctx, r.fromFabric) })
	g.Go(func() error {
		defer r.memOut.Close()
		return r.gate.Run(ctx, r.memIn, r.memOut)
	})
	return g.Wait()
}
