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

package cmd

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/halalboro/POS-sub002/fabricd/cmd/util"
	"github.com/halalboro/POS-sub002/fabricd/config"
	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/node"
)

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the fabric of one node"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - run the fabric described by --topology.

SIGHUP reloads the topology file and reprograms capabilities, memory endpoints
and connections. SIGINT and SIGTERM stop the node.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	topo, plan, err := loadPlan(conf.Topology)
	if err != nil {
		return util.Errorf("loading topology: %v", err)
	}
	metrics := metric.NewRegistry()
	n, links, err := newNode(conf, plan, metrics)
	if err != nil {
		return util.Errorf("creating node: %v", err)
	}
	defer func() {
		for _, l := range links {
			l.Close()
		}
	}()
	if err := applyPlan(n, nil, plan); err != nil {
		return util.Errorf("programming node: %v", err)
	}
	log.Infof("Node %d up: scheme %v, regions %v, %d uplink(s)", plan.Node, plan.Scheme, plan.RegionIDs(), len(links))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })
	if conf.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, conf.MetricsAddr, metrics) })
	}
	g.Go(func() error {
		r := reloader{conf: conf.Clone(), node: n, applied: topo.Clone(), plan: plan}
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigs:
				if sig != syscall.SIGHUP {
					log.Infof("Received %v, stopping", sig)
					cancel()
					return nil
				}
				r.reload()
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return util.Errorf("node %d: %v", plan.Node, err)
	}
	return subcommands.ExitSuccess
}

// reloader reapplies the topology file on request.
type reloader struct {
	conf *config.Config
	node *node.Node

	// applied is the topology the node currently runs.
	applied *config.Topology
	plan    *config.Plan
}

// reload reprograms the node if the topology file changed. Failures leave the
// node as it was, except for a failure while programming, which is logged
// and may leave a partially applied plan.
func (r *reloader) reload() {
	topo, plan, err := loadPlan(r.conf.Topology)
	if err != nil {
		log.Warningf("Reload failed, keeping the current topology: %v", err)
		return
	}
	if r.applied.Equal(topo) {
		log.Infof("Topology unchanged")
		return
	}
	if err := compatible(r.plan, plan); err != nil {
		log.Warningf("Reload refused, restart the node to apply it: %v", err)
		return
	}
	if err := applyPlan(r.node, r.plan, plan); err != nil {
		log.Warningf("Reload partially applied: %v", err)
		return
	}
	r.applied, r.plan = topo.Clone(), plan
	log.Infof("Topology reloaded")
}
