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
	"github.com/halalboro/POS-sub002/pkg/route"
)

// Route implements subcommands.Command for the "route" command.
type Route struct {
	scheme route.Scheme
	class  string
	decode bool
}

// Name implements subcommands.Command.Name.
func (*Route) Name() string {
	return "route"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Route) Synopsis() string {
	return "encode or decode a route descriptor"
}

// Usage implements subcommands.Command.Usage.
func (*Route) Usage() string {
	return `route [flags] <src> <dst> - print the 16-bit route descriptor.
route -decode [flags] <value> - print the fields of a route descriptor.

Endpoints are "node/region" or a bare region, e.g. "1/3", "host" or "tcp".
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Route) SetFlags(f *flag.FlagSet) {
	f.Var(&r.scheme, "scheme", "descriptor layout: simple or node-aware")
	f.StringVar(&r.class, "class", "direct", "transport class: direct, rdma, tcp or bypass")
	f.BoolVar(&r.decode, "decode", false, "decode a value instead of encoding endpoints")
}

// Execute implements subcommands.Command.Execute.
func (r *Route) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if r.decode {
		if f.NArg() != 1 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		v, err := strconv.ParseUint(f.Arg(0), 0, 16)
		if err != nil {
			return util.Errorf("invalid descriptor %q: %v", f.Arg(0), err)
		}
		fmt.Fprintln(os.Stdout, route.Decode(r.scheme, uint16(v)))
		return subcommands.ExitSuccess
	}

	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	d, err := parseDescriptor(f.Arg(0), f.Arg(1), r.class)
	if err != nil {
		return util.Errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%#04x\n", d.Encode(r.scheme))
	return subcommands.ExitSuccess
}

func parseDescriptor(src, dst, class string) (route.Descriptor, error) {
	var (
		d   route.Descriptor
		err error
	)
	if d.Src, err = route.ParseEndpoint(src); err != nil {
		return d, err
	}
	if d.Dst, err = route.ParseEndpoint(dst); err != nil {
		return d, err
	}
	d.Class, err = route.ParseClass(class)
	return d, err
}
