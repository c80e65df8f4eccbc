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
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/halalboro/POS-sub002/fabricd/cmd/util"
	"github.com/halalboro/POS-sub002/fabricd/config"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
	"github.com/halalboro/POS-sub002/pkg/wire"
)

// frameFlags are shared by Encode and Decode.
type frameFlags struct {
	scheme  route.Scheme
	tagType uint
	node    uint
}

func (ff *frameFlags) setFlags(f *flag.FlagSet) {
	f.Var(&ff.scheme, "scheme", "descriptor layout: simple or node-aware")
	f.UintVar(&ff.tagType, "tag-type", 0, "route tag type marker, 0 for the default")
	f.UintVar(&ff.node, "node", 0, "local node id, used to show how decode admits the sender")
}

func (ff *frameFlags) options(conf *config.Config) (wire.Options, error) {
	if ff.tagType > 0xffff {
		return wire.Options{}, fmt.Errorf("tag type %#x does not fit 16 bits", ff.tagType)
	}
	if ff.node >= route.NumNodes {
		return wire.Options{}, fmt.Errorf("node %d out of range [0, %d)", ff.node, route.NumNodes)
	}
	return wire.Options{
		Scheme:   ff.scheme,
		TagType:  uint16(ff.tagType),
		BeatSize: conf.BeatSize,
	}, nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == ':' || r == ' ' {
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}

// Encode implements subcommands.Command for the "encode" command.
type Encode struct {
	frameFlags
	class string
}

// Name implements subcommands.Command.Name.
func (*Encode) Name() string {
	return "encode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Encode) Synopsis() string {
	return "insert a route tag into an Ethernet frame"
}

// Usage implements subcommands.Command.Usage.
func (*Encode) Usage() string {
	return `encode [flags] <src> <dst> <frame hex> - print the tagged frame as hex.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Encode) SetFlags(f *flag.FlagSet) {
	e.setFlags(f)
	f.StringVar(&e.class, "class", "bypass", "transport class: direct, rdma, tcp or bypass")
}

// Execute implements subcommands.Command.Execute.
func (e *Encode) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	opts, err := e.options(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	d, err := parseDescriptor(f.Arg(0), f.Arg(1), e.class)
	if err != nil {
		return util.Errorf("%v", err)
	}
	frame, err := parseHex(f.Arg(2))
	if err != nil {
		return util.Errorf("invalid frame: %v", err)
	}

	// Run the frame through the beat encoder, as the uplink does.
	enc := wire.NewEncoder(opts)
	var out []stream.Segment
	for _, seg := range stream.Packetize(frame, opts.BeatSize, d) {
		segs, err := enc.Push(seg)
		if err != nil {
			return util.Errorf("encoding frame: %v", err)
		}
		out = append(out, segs...)
	}
	fmt.Fprintln(os.Stdout, hex.EncodeToString(stream.Reassemble(out)))
	return subcommands.ExitSuccess
}

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	frameFlags
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "strip the route tag from an Ethernet frame"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [flags] <frame hex> - print the descriptor and the untagged frame.

The descriptor is printed as carried. If --node would demote the sender, the
admitted descriptor follows it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	d.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	opts, err := d.options(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	frame, err := parseHex(f.Arg(0))
	if err != nil {
		return util.Errorf("invalid frame: %v", err)
	}
	out, r, ok := wire.DecodeFrame(frame, opts)
	if !ok {
		fmt.Fprintf(os.Stdout, "untagged, treated as %v\n", r)
		return subcommands.ExitSuccess
	}
	fmt.Fprintf(os.Stdout, "%v\n", r)
	if s := wire.Sanitize(r, opts.Scheme, route.NodeID(d.node)); s != r {
		fmt.Fprintf(os.Stdout, "node %d admits it as %v\n", d.node, s)
	}
	fmt.Fprintf(os.Stdout, "%s\n", hex.EncodeToString(out))
	return subcommands.ExitSuccess
}
