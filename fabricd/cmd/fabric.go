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

// Package cmd holds implementations of the fabricd commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halalboro/POS-sub002/fabricd/config"
	"github.com/halalboro/POS-sub002/pkg/capability"
	"github.com/halalboro/POS-sub002/pkg/link"
	"github.com/halalboro/POS-sub002/pkg/link/udp"
	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/node"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/uplink"
	"github.com/halalboro/POS-sub002/pkg/wire"
)

// Metric names registered by fabricd itself.
const (
	malformedFrames = "malformed_frames"
	uplinkDropped   = "uplink_dropped"
)

// loadPlan reads and validates the topology file at path.
func loadPlan(path string) (*config.Topology, *config.Plan, error) {
	if path == "" {
		return nil, nil, errors.New("no topology file, set --topology")
	}
	topo, err := config.LoadTopology(path)
	if err != nil {
		return nil, nil, err
	}
	plan, err := topo.Resolve()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return topo, plan, nil
}

// newNode builds the node described by plan. The returned links must be closed
// by the caller.
func newNode(conf *config.Config, plan *config.Plan, metrics *metric.Registry) (*node.Node, []link.Link, error) {
	cfg := node.Config{
		ID:      plan.Node,
		Scheme:  plan.Scheme,
		Regions: plan.RegionIDs(),
		Capabilities: capability.Options{
			Entries: plan.Entries,
			Strict:  conf.Strict,
		},
		QueueLen: conf.QueueLen,
	}
	cfg.DMA.BeatSize = conf.BeatSize

	var links []link.Link
	closeAll := func() {
		for _, l := range links {
			l.Close()
		}
	}
	if len(plan.Uplinks) > 0 {
		byNode := make(map[route.NodeID]link.Link)
		for _, u := range plan.Uplinks {
			l, err := udp.Dial(udp.Options{Local: u.Local, Remote: u.Remote, MTU: u.MTU})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("uplink toward node %d: %w", u.Node, err)
			}
			links = append(links, l)
			byNode[u.Node] = l
		}
		// Frames toward external clients leave through the only uplink, if
		// there is exactly one.
		var fallback link.Link
		if len(links) == 1 {
			fallback = links[0]
		}
		malformed, err := metrics.NewCounter(metric.CounterOpts{
			Name: malformedFrames,
			Help: "Frames the wire codec could not tag or found untagged.",
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		dropped, err := metrics.NewCounter(metric.CounterOpts{
			Name: uplinkDropped,
			Help: "Packets and frames the uplink had nowhere to send.",
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		up := uplink.New(uplink.Options{
			Node: plan.Node,
			Wire: wire.Options{
				Scheme:   plan.Scheme,
				TagType:  plan.TagType,
				BeatSize: conf.BeatSize,
				Errors:   malformed,
			},
			DefaultRegion: plan.DefaultRegion,
			Dropped:       dropped,
		}, byNode, fallback)
		cfg.Stacks = map[route.RegionID]node.Stack{route.BypassPort: up}
	}

	n, err := node.New(cfg, metrics)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return n, links, nil
}

// applyPlan programs capabilities, memory endpoints and connections. Slots
// the plan leaves empty are revoked, and connections of prev that plan drops
// are released. prev is nil on the first application.
func applyPlan(n *node.Node, prev, plan *config.Plan) error {
	if prev != nil {
		if err := releaseDropped(n, prev, plan); err != nil {
			return err
		}
	}
	caps := n.Capabilities()
	for _, r := range plan.Regions {
		for _, dir := range []capability.Direction{capability.Send, capability.Receive} {
			peers := r.Send
			if dir == capability.Receive {
				peers = r.Receive
			}
			for i := 0; i < caps.Entries(); i++ {
				if i >= len(peers) {
					caps.Revoke(r.ID, i, dir)
					continue
				}
				if err := n.Allow(r.ID, i, peers[i], dir); err != nil {
					return err
				}
			}
		}
		if err := n.ConfigureMemory(r.ID, r.Memory); err != nil {
			return err
		}
		for _, c := range r.Connections {
			if err := n.EstablishConnection(r.ID, c.Path, c.ID, c.Peer); err != nil {
				return err
			}
		}
	}
	return nil
}

func releaseDropped(n *node.Node, prev, next *config.Plan) error {
	type key struct {
		region route.RegionID
		conn   config.ConnectionPlan
	}
	kept := make(map[key]bool)
	for _, r := range next.Regions {
		for _, c := range r.Connections {
			c.Peer = route.Endpoint{}
			kept[key{r.ID, c}] = true
		}
	}
	for _, r := range prev.Regions {
		for _, c := range r.Connections {
			k := c
			k.Peer = route.Endpoint{}
			if kept[key{r.ID, k}] {
				continue
			}
			if err := n.ReleaseConnection(r.ID, c.Path, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// compatible returns an error if next cannot be applied to a node built from
// prev.
func compatible(prev, next *config.Plan) error {
	if prev.Scheme != next.Scheme || prev.Node != next.Node || prev.Entries != next.Entries {
		return errors.New("scheme, node or entries changed")
	}
	a, b := prev.RegionIDs(), next.RegionIDs()
	if len(a) != len(b) {
		return errors.New("hosted regions changed")
	}
	for i := range a {
		if a[i] != b[i] {
			return errors.New("hosted regions changed")
		}
	}
	return nil
}

// serveMetrics serves metrics on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, metrics *metric.Registry) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metric.NewCollector(metrics)); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("Serving metrics on %s", addr)
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
