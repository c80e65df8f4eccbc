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

// Package route defines the route descriptor: the fixed-width capability
// token carried alongside every segment crossing the fabric.
//
// Two bit layouts exist. The simple scheme names a sender and a receiver
// region on a single node. The node-aware scheme names a (node, region) pair
// for each side so that descriptors survive a hop between nodes.
package route

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/halalboro/POS-sub002/pkg/bits"
)

// Width is the width of an encoded descriptor, in bits.
const Width = 14

// Mask covers the bits of an encoded descriptor.
const Mask = 1<<Width - 1

// RegionID identifies one port of a node's fabric: a tenant region or a
// shared infrastructure port.
type RegionID uint8

const (
	// External is the reserved id of an untrusted origin. As a stored
	// allowed peer it is the wildcard.
	External RegionID = 0

	// FirstTenant and LastTenant bound the tenant region ids.
	FirstTenant RegionID = 1
	LastTenant  RegionID = 11

	// HostPort is the host DMA engine.
	HostPort RegionID = 12
	// RDMAPort is the shared RDMA stack.
	RDMAPort RegionID = 13
	// TCPPort is the shared TCP stack.
	TCPPort RegionID = 14
	// BypassPort is the shared raw network bypass stack.
	BypassPort RegionID = 15

	// NumPorts is the size of the region id space.
	NumPorts = 16
)

// IsExternal returns true for the reserved external id.
func (r RegionID) IsExternal() bool {
	return r == External
}

// IsTenant returns true if r names a tenant region.
func (r RegionID) IsTenant() bool {
	return r >= FirstTenant && r <= LastTenant
}

// IsInfrastructure returns true if r names a trusted shared port.
func (r RegionID) IsInfrastructure() bool {
	return r >= HostPort && r < NumPorts
}

// Valid returns true if r fits in the 4-bit region field.
func (r RegionID) Valid() bool {
	return r < NumPorts
}

func (r RegionID) String() string {
	switch {
	case r == External:
		return "external"
	case r == HostPort:
		return "host"
	case r == RDMAPort:
		return "rdma"
	case r == TCPPort:
		return "tcp"
	case r == BypassPort:
		return "bypass"
	case r.IsTenant():
		return fmt.Sprintf("region%d", uint8(r))
	default:
		return fmt.Sprintf("invalid(%d)", uint8(r))
	}
}

// ParseRegion parses a region id: a number, a String form ("region3",
// "host", "tcp"), or "*" for External.
func ParseRegion(s string) (RegionID, error) {
	switch s {
	case "*", "external":
		return External, nil
	case "host":
		return HostPort, nil
	case "rdma":
		return RDMAPort, nil
	case "tcp":
		return TCPPort, nil
	case "bypass":
		return BypassPort, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "region"), 10, 8)
	if err != nil || n >= NumPorts {
		return 0, fmt.Errorf("invalid region %q", s)
	}
	return RegionID(n), nil
}

// NodeID identifies a compute node in the node-aware scheme.
type NodeID uint8

// NumNodes is the size of the node id space.
const NumNodes = 4

// Endpoint names one port on one node.
type Endpoint struct {
	Node   NodeID
	Region RegionID
}

// Local returns an endpoint for region r on node 0, the only node of the
// simple scheme.
func Local(r RegionID) Endpoint {
	return Endpoint{Region: r}
}

// IsExternal returns true if e denotes an untrusted origin. Region 0 is never
// a tenant on any node.
func (e Endpoint) IsExternal() bool {
	return e.Region.IsExternal()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d/%s", e.Node, e.Region)
}

// ParseEndpoint parses "node/region" or a bare region on node 0.
func ParseEndpoint(s string) (Endpoint, error) {
	node, region, ok := strings.Cut(s, "/")
	if !ok {
		r, err := ParseRegion(s)
		return Local(r), err
	}
	n, err := strconv.ParseUint(node, 10, 8)
	if err != nil || n >= NumNodes {
		return Endpoint{}, fmt.Errorf("invalid node in endpoint %q", s)
	}
	r, err := ParseRegion(region)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Node: NodeID(n), Region: r}, nil
}

// Class is the transport class carried in the descriptor's two flag bits.
type Class uint8

const (
	// ClassDirect is on-chip traffic: peer to peer or to the host.
	ClassDirect Class = iota
	// ClassRDMA is traffic carried by the RDMA stack.
	ClassRDMA
	// ClassTCP is traffic carried by the TCP stack.
	ClassTCP
	// ClassBypass is raw traffic carried by the bypass stack.
	ClassBypass
)

func (c Class) String() string {
	switch c {
	case ClassDirect:
		return "direct"
	case ClassRDMA:
		return "rdma"
	case ClassTCP:
		return "tcp"
	case ClassBypass:
		return "bypass"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseClass parses the String form of a class.
func ParseClass(s string) (Class, error) {
	for c := ClassDirect; c <= ClassBypass; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid class %q", s)
}

// Port returns the shared port serving c. ClassDirect has none.
func (c Class) Port() (RegionID, bool) {
	switch c {
	case ClassRDMA:
		return RDMAPort, true
	case ClassTCP:
		return TCPPort, true
	case ClassBypass:
		return BypassPort, true
	default:
		return External, false
	}
}

// Descriptor is a route descriptor. It is an immutable value type.
type Descriptor struct {
	Src   Endpoint
	Dst   Endpoint
	Class Class
}

// Sender returns the source endpoint.
func (d Descriptor) Sender() Endpoint {
	return d.Src
}

// Receiver returns the destination endpoint.
func (d Descriptor) Receiver() Endpoint {
	return d.Dst
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s->%s(%s)", d.Src, d.Dst, d.Class)
}

// Scheme selects a descriptor bit layout.
type Scheme uint8

const (
	// Simple is [13:10] sender, [9:6] receiver, [5:2] reserved,
	// [1:0] flags.
	Simple Scheme = iota

	// NodeAware is [13:12] src node, [11:8] src region, [7:6] dst node,
	// [5:2] dst region, [1:0] flags.
	NodeAware
)

func (s Scheme) String() string {
	switch s {
	case Simple:
		return "simple"
	case NodeAware:
		return "node-aware"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// ParseScheme parses the String form of a scheme.
func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "simple", "":
		return Simple, nil
	case "node-aware":
		return NodeAware, nil
	default:
		return 0, fmt.Errorf("invalid route scheme %q, must be 'simple' or 'node-aware'", s)
	}
}

// Set implements flag.Value.
func (s *Scheme) Set(v string) error {
	p, err := ParseScheme(v)
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// Get implements flag.Getter.
func (s *Scheme) Get() any {
	return *s
}

// MarshalText implements encoding.TextMarshaler.
func (s Scheme) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scheme) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

const (
	simpleSenderLo   = 10
	simpleReceiverLo = 6
	flagsLo          = 0
	flagsWidth       = 2
	regionWidth      = 4
	nodeWidth        = 2
	srcNodeLo        = 12
	srcRegionLo      = 8
	dstNodeLo        = 6
	dstRegionLo      = 2
)

// Encode encodes d in the given scheme. Fields that the scheme does not carry
// are dropped.
func (d Descriptor) Encode(s Scheme) uint16 {
	var v uint16
	if s == NodeAware {
		v = bits.SetField(v, srcNodeLo, nodeWidth, uint16(d.Src.Node))
		v = bits.SetField(v, srcRegionLo, regionWidth, uint16(d.Src.Region))
		v = bits.SetField(v, dstNodeLo, nodeWidth, uint16(d.Dst.Node))
		v = bits.SetField(v, dstRegionLo, regionWidth, uint16(d.Dst.Region))
	} else {
		v = bits.SetField(v, simpleSenderLo, regionWidth, uint16(d.Src.Region))
		v = bits.SetField(v, simpleReceiverLo, regionWidth, uint16(d.Dst.Region))
	}
	return bits.SetField(v, flagsLo, flagsWidth, uint16(d.Class))
}

// Decode decodes v in the given scheme. Bits above Width are ignored.
func Decode(s Scheme, v uint16) Descriptor {
	v &= Mask
	d := Descriptor{Class: Class(bits.Field(v, flagsLo, flagsWidth))}
	if s == NodeAware {
		d.Src = Endpoint{
			Node:   NodeID(bits.Field(v, srcNodeLo, nodeWidth)),
			Region: RegionID(bits.Field(v, srcRegionLo, regionWidth)),
		}
		d.Dst = Endpoint{
			Node:   NodeID(bits.Field(v, dstNodeLo, nodeWidth)),
			Region: RegionID(bits.Field(v, dstRegionLo, regionWidth)),
		}
		return d
	}
	d.Src = Local(RegionID(bits.Field(v, simpleSenderLo, regionWidth)))
	d.Dst = Local(RegionID(bits.Field(v, simpleReceiverLo, regionWidth)))
	return d
}
