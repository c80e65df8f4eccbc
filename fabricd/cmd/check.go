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
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/halalboro/POS-sub002/fabricd/cmd/util"
	"github.com/halalboro/POS-sub002/fabricd/config"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate a topology file and print its plan"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags] [topology file] - validate a topology file. Defaults to --topology.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	path := conf.Topology
	switch f.NArg() {
	case 0:
	case 1:
		path = f.Arg(0)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	_, plan, err := loadPlan(path)
	if err != nil {
		return util.Errorf("%v", err)
	}
	printPlan(os.Stdout, plan)
	return subcommands.ExitSuccess
}

func printPlan(w io.Writer, plan *config.Plan) {
	fmt.Fprintf(w, "scheme %v, node %d, %d capability slot(s), default region %v\n", plan.Scheme, plan.Node, plan.Entries, plan.DefaultRegion)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSEND\tRECEIVE\tMEMORY\tCONNECTIONS")
	for _, r := range plan.Regions {
		var conns []string
		for _, c := range r.Connections {
			conns = append(conns, fmt.Sprintf("%v:%d->%v", c.Path, c.ID, c.Peer))
		}
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n", r.ID, r.Send, r.Receive, r.Memory, conns)
	}
	tw.Flush()
	for _, u := range plan.Uplinks {
		fmt.Fprintf(w, "uplink to node %d: %s -> %s\n", u.Node, u.Local, u.Remote)
	}
}
