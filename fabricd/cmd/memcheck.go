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
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"github.com/halalboro/POS-sub002/fabricd/cmd/util"
	"github.com/halalboro/POS-sub002/fabricd/config"
	"github.com/halalboro/POS-sub002/pkg/memgate"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
)

// MemCheck implements subcommands.Command for the "memcheck" command.
type MemCheck struct {
	write bool
}

// Name implements subcommands.Command.Name.
func (*MemCheck) Name() string {
	return "memcheck"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MemCheck) Synopsis() string {
	return "check a DMA request against a region's memory endpoints"
}

// Usage implements subcommands.Command.Usage.
func (*MemCheck) Usage() string {
	return `memcheck [flags] <region> <vaddr> <length> - check a request against the
memory endpoints --topology gives the region.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MemCheck) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.write, "write", false, "check a write instead of a read")
}

// Execute implements subcommands.Command.Execute.
func (m *MemCheck) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	r, err := route.ParseRegion(f.Arg(0))
	if err != nil {
		return util.Errorf("%v", err)
	}
	vaddr, err := strconv.ParseUint(f.Arg(1), 0, 64)
	if err != nil {
		return util.Errorf("invalid vaddr %q: %v", f.Arg(1), err)
	}
	length, err := strconv.ParseUint(f.Arg(2), 0, 64)
	if err != nil {
		return util.Errorf("invalid length %q: %v", f.Arg(2), err)
	}
	_, plan, err := loadPlan(conf.Topology)
	if err != nil {
		return util.Errorf("loading topology: %v", err)
	}

	var eps []memgate.Endpoint
	found := false
	for _, rp := range plan.Regions {
		if rp.ID == r {
			eps, found = rp.Memory, true
		}
	}
	if !found {
		return util.Errorf("region %v is not in the topology", r)
	}

	g := memgate.New(memgate.Options{
		Owner:        route.Endpoint{Node: plan.Node, Region: r},
		MaxEndpoints: len(eps),
		Violations:   metric.NewRegistry().MustCreateNewCounter(metric.CounterOpts{Name: "violations"}),
	})
	g.Configure(eps)
	req := memgate.Request{Vaddr: vaddr, Length: length, Write: m.write}
	if _, err := g.Check(req); err != nil {
		fmt.Fprintf(os.Stdout, "%v: denied\n", req)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "%v: allowed\n", req)
	return subcommands.ExitSuccess
}
