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

// Package node assembles one compute node: the capability table, the switch
// fabric, the tenant regions, the host DMA engine and the shared stacks, and
// exposes the configuration interface used to program them.
package node

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/halalboro/POS-sub002/pkg/capability"
	"github.com/halalboro/POS-sub002/pkg/connroute"
	"github.com/halalboro/POS-sub002/pkg/dma"
	"github.com/halalboro/POS-sub002/pkg/fabric"
	"github.com/halalboro/POS-sub002/pkg/gateway"
	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/memgate"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/region"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// RoutingErrors is the name of the fabric's routing error counter.
const RoutingErrors = "routing_errors"

var (
	// ErrUnknownRegion is returned for regions not hosted by the node.
	ErrUnknownRegion = errors.New("unknown region")

	// ErrNoConnections is returned when establishing a connection on a
	// path that does not use connection routes.
	ErrNoConnections = errors.New("path does not use connections")
)

// Stack serves a shared infrastructure port: RDMA, TCP or bypass.
type Stack interface {
	// Run serves the port until ctx is cancelled. fromFabric and toFabric
	// are the port's egress and ingress queues.
	Run(ctx context.Context, fromFabric, toFabric *stream.Queue[stream.Segment]) error
}

// Config configures a Node.
type Config struct {
	// ID is this node.
	ID route.NodeID

	// Scheme is the descriptor scheme.
	Scheme route.Scheme

	// Regions are the hosted tenant regions.
	Regions []route.RegionID

	// Capabilities configures the capability table.
	Capabilities capability.Options

	// QueueLen is the depth of every queue. Zero picks each package's
	// default.
	QueueLen int

	// ConnTableSize is the size of each connection route table.
	ConnTableSize int

	// MaxEndpoints is the memory endpoint table size per region.
	MaxEndpoints int

	// DMA configures the host DMA engine. DMA.Node is set to ID.
	DMA dma.Options

	// Stacks serve shared ports, keyed by port.
	Stacks map[route.RegionID]Stack
}

// Node is one compute node.
type Node struct {
	cfg     Config
	metrics *metric.Registry
	caps    *capability.Table
	fabric  *fabric.Fabric
	regions [route.NumPorts]*region.Region
	dma     *dma.Engine
}

// New returns a Node registering its counters in metrics.
func New(cfg Config, metrics *metric.Registry) (*Node, error) {
	if metrics == nil {
		metrics = metric.NewRegistry()
	}
	if cfg.Scheme == route.Simple && cfg.ID != 0 {
		return nil, fmt.Errorf("node id %d: the simple scheme has a single node 0", cfg.ID)
	}
	if cfg.ID >= route.NumNodes {
		return nil, fmt.Errorf("node id %d out of range", cfg.ID)
	}
	n := &Node{
		cfg:     cfg,
		metrics: metrics,
		caps:    capability.New(cfg.Capabilities),
	}

	ports := append([]route.RegionID(nil), cfg.Regions...)
	ports = append(ports, route.HostPort)
	for p := range cfg.Stacks {
		if !p.IsInfrastructure() || p == route.HostPort {
			return nil, fmt.Errorf("stack attached to %v: not a shared stack port", p)
		}
	}
	for _, p := range []route.RegionID{route.RDMAPort, route.TCPPort, route.BypassPort} {
		if _, ok := cfg.Stacks[p]; ok {
			ports = append(ports, p)
		}
	}

	routingErrors, err := metrics.NewCounter(metric.CounterOpts{
		Name: RoutingErrors,
		Help: "Packets dropped by the switch fabric for lack of a valid destination.",
	})
	if err != nil {
		return nil, err
	}
	n.fabric, err = fabric.New(fabric.Options{
		Scheme:        cfg.Scheme,
		Local:         cfg.ID,
		Ports:         ports,
		QueueLen:      cfg.QueueLen,
		RoutingErrors: routingErrors,
	})
	if err != nil {
		return nil, err
	}

	for _, r := range cfg.Regions {
		rg, err := region.New(region.Config{
			Self:          route.Endpoint{Node: cfg.ID, Region: r},
			Scheme:        cfg.Scheme,
			Capabilities:  n.caps,
			Metrics:       metrics,
			QueueLen:      cfg.QueueLen,
			ConnTableSize: cfg.ConnTableSize,
			MaxEndpoints:  cfg.MaxEndpoints,
		}, n.fabric.Ingress(r), n.fabric.Egress(r))
		if err != nil {
			return nil, err
		}
		n.regions[r] = rg
	}

	dmaOpts := cfg.DMA
	dmaOpts.Node = cfg.ID
	n.dma = dma.New(dmaOpts)

	log.Infof("Node %d: %d regions, %s scheme, ports %v", cfg.ID, len(cfg.Regions), cfg.Scheme, ports)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() route.NodeID {
	return n.cfg.ID
}

// Scheme returns the descriptor scheme.
func (n *Node) Scheme() route.Scheme {
	return n.cfg.Scheme
}

// Metrics returns the node's counters.
func (n *Node) Metrics() *metric.Registry {
	return n.metrics
}

// Capabilities returns the node's capability table.
func (n *Node) Capabilities() *capability.Table {
	return n.caps
}

// Fabric returns the node's switch fabric.
func (n *Node) Fabric() *fabric.Fabric {
	return n.fabric
}

// DMA returns the host DMA engine.
func (n *Node) DMA() *dma.Engine {
	return n.dma
}

// Region returns hosted region r.
func (n *Node) Region(r route.RegionID) (*region.Region, error) {
	if !r.Valid() || n.regions[r] == nil {
		return nil, fmt.Errorf("%w: %v on node %d", ErrUnknownRegion, r, n.cfg.ID)
	}
	return n.regions[r], nil
}

// ProgramRoute writes a route_ctrl word for region r in direction dir.
func (n *Node) ProgramRoute(r route.RegionID, dir capability.Direction, ctrl route.Ctrl) error {
	if _, err := n.Region(r); err != nil {
		return err
	}
	n.caps.Program(r, dir, ctrl, n.cfg.Scheme)
	log.Debugf("Node %d: region %v %v capability %v", n.cfg.ID, r, dir, ctrl)
	return nil
}

// Allow grants region r the capability to exchange traffic with peer in
// direction dir, in capability slot index.
func (n *Node) Allow(r route.RegionID, index int, peer route.Endpoint, dir capability.Direction) error {
	if _, err := n.Region(r); err != nil {
		return err
	}
	if index < 0 || index >= n.caps.Entries() {
		return fmt.Errorf("capability index %d out of range [0, %d)", index, n.caps.Entries())
	}
	n.caps.ConfigureEntry(r, index, peer, dir)
	return nil
}

// ProgramMemory writes a mem_ctrl bit array for region r.
func (n *Node) ProgramMemory(r route.RegionID, memCtrl []byte) error {
	rg, err := n.Region(r)
	if err != nil {
		return err
	}
	if err := rg.Memory().ConfigureCtrl(memCtrl); err != nil {
		return fmt.Errorf("region %v: %w", r, err)
	}
	return nil
}

// ConfigureMemory installs the memory endpoints of region r.
func (n *Node) ConfigureMemory(r route.RegionID, eps []memgate.Endpoint) error {
	rg, err := n.Region(r)
	if err != nil {
		return err
	}
	rg.Memory().Configure(eps)
	return nil
}

// EstablishConnection records the route of connection conn on egress path p
// of region r.
func (n *Node) EstablishConnection(r route.RegionID, p gateway.Path, conn connroute.ConnID, dst route.Endpoint) error {
	rg, err := n.Region(r)
	if err != nil {
		return err
	}
	tbl := rg.Connections(p)
	if tbl == nil {
		return fmt.Errorf("%w: %v", ErrNoConnections, p)
	}
	return tbl.Establish(conn, route.Descriptor{Src: rg.Self(), Dst: dst})
}

// ReleaseConnection removes the route of connection conn on egress path p of
// region r.
func (n *Node) ReleaseConnection(r route.RegionID, p gateway.Path, conn connroute.ConnID) error {
	rg, err := n.Region(r)
	if err != nil {
		return err
	}
	tbl := rg.Connections(p)
	if tbl == nil {
		return fmt.Errorf("%w: %v", ErrNoConnections, p)
	}
	tbl.Release(conn)
	return nil
}

// Run runs the node until ctx is cancelled or a component fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.fabric.Run(ctx) })

	var grants []*stream.Queue[memgate.Authorized]
	for _, rg := range n.regions {
		if rg == nil {
			continue
		}
		rg := rg
		grants = append(grants, rg.MemoryGrants())
		g.Go(func() error { return rg.Run(ctx) })
	}
	g.Go(func() error {
		return n.dma.Run(ctx, grants, n.fabric.Egress(route.HostPort), n.fabric.Ingress(route.HostPort))
	})
	for p, s := range n.cfg.Stacks {
		p, s := p, s
		g.Go(func() error {
			if err := s.Run(ctx, n.fabric.Egress(p), n.fabric.Ingress(p)); err != nil {
				return fmt.Errorf("%v stack: %w", p, err)
			}
			return nil
		})
	}
	log.Infof("Node %d: running", n.cfg.ID)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
