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

// Package gateway implements the validating stages at the egress and ingress
// of each tenant region.
//
// A send gateway validates the destination of an outbound packet against the
// region's capabilities and stamps it with a route descriptor. A receive
// gateway validates the sender of an inbound packet and strips the
// descriptor. Paths to and from trusted shared infrastructure skip
// validation: the request that caused the traffic was already authorized.
//
// Every gateway latches its decision on the first beat of a packet and
// applies it to all beats up to and including the last one. Denied packets
// are consumed silently; the only trace is a violation counter.
package gateway

import (
	"fmt"

	"github.com/halalboro/POS-sub002/pkg/connroute"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// Path is an egress path of a tenant region.
type Path uint8

const (
	// Host is DMA write-back to the host. Trusted.
	Host Path = iota
	// RDMARequest is outbound RDMA requests. Validated.
	RDMARequest
	// RDMAResponse is responses to RDMA requests served by the region.
	// Trusted.
	RDMAResponse
	// TCP is outbound TCP session data. Validated.
	TCP
	// Bypass is raw traffic to the bypass stack. Validated.
	Bypass
	// Peer is on-chip traffic to another tenant. Validated.
	Peer

	// NumPaths is the number of egress paths.
	NumPaths
)

var pathNames = [NumPaths]string{
	Host:         "host",
	RDMARequest:  "rdma-request",
	RDMAResponse: "rdma-response",
	TCP:          "tcp",
	Bypass:       "bypass",
	Peer:         "peer",
}

func (p Path) String() string {
	if p < NumPaths {
		return pathNames[p]
	}
	return fmt.Sprintf("path(%d)", uint8(p))
}

// ParsePath parses the String form of a path.
func ParsePath(s string) (Path, error) {
	for p, n := range pathNames {
		if n == s {
			return Path(p), nil
		}
	}
	return 0, fmt.Errorf("unknown egress path %q", s)
}

// Trusted returns true for paths that only stamp.
func (p Path) Trusted() bool {
	return p == Host || p == RDMAResponse
}

// usesConnections returns true for paths whose destination comes from the
// connection route table.
func (p Path) usesConnections() bool {
	return p == RDMARequest || p == TCP
}

// class returns the transport class stamped on the path's traffic.
func (p Path) class() route.Class {
	switch p {
	case RDMARequest, RDMAResponse:
		return route.ClassRDMA
	case TCP:
		return route.ClassTCP
	case Bypass:
		return route.ClassBypass
	default:
		return route.ClassDirect
	}
}

// Priority is the fixed arbitration order of egress paths onto the region's
// fabric link, highest first: latency-sensitive request/response paths, then
// bulk paths, then host DMA.
var Priority = [NumPaths]Path{RDMARequest, RDMAResponse, TCP, Bypass, Peer, Host}

// Ingress is an ingress path of a tenant region.
type Ingress uint8

const (
	// FromHost is host read responses. Trusted.
	FromHost Ingress = iota
	// FromRDMA is RDMA data. Trusted.
	FromRDMA
	// FromTCP is TCP data. Trusted.
	FromTCP
	// FromBypass is bypass data, including traffic from external
	// clients. Trusted when the bypass stack is the sender.
	FromBypass
	// FromPeer is traffic from another tenant. Always validated.
	FromPeer

	// NumIngress is the number of ingress paths.
	NumIngress
)

var ingressNames = [NumIngress]string{
	FromHost:   "host",
	FromRDMA:   "rdma",
	FromTCP:    "tcp",
	FromBypass: "bypass",
	FromPeer:   "peer",
}

func (i Ingress) String() string {
	if i < NumIngress {
		return ingressNames[i]
	}
	return fmt.Sprintf("ingress(%d)", uint8(i))
}

// Target is the destination hint of an outbound packet. Only the first beat's
// target is used.
type Target struct {
	// Peer is the destination of Peer and Bypass traffic.
	Peer route.Endpoint

	// Conn is the connection of RDMARequest and TCP traffic.
	Conn connroute.ConnID
}

// Outbound is one beat submitted to a send path.
type Outbound struct {
	Segment stream.Segment
	Target  Target
}

// Packet returns the outbound beats of payload for target.
func Packet(payload []byte, beat int, target Target) []Outbound {
	segs := stream.Packetize(payload, beat, route.Descriptor{})
	out := make([]Outbound, len(segs))
	for i := range segs {
		out[i] = Outbound{Segment: segs[i], Target: target}
	}
	return out
}
