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

package route

import (
	"fmt"

	"github.com/halalboro/POS-sub002/pkg/bits"
)

// Ctrl is the 14-bit route_ctrl configuration register written by the
// privileged controller. The meaning of its fields depends on the consumer.
//
// Simple scheme:
//
//	[13:10] reserved, [9:6] allowed peer or sender, [5:2] reserved,
//	[1:0] table index
//
// Node-aware scheme:
//
//	[13:12] field A, [11:8] field B, [7:6] field C, [5:2] field D,
//	[1:0] reserved
type Ctrl uint16

// NewSimpleCtrl builds a simple-scheme register value.
func NewSimpleCtrl(peer RegionID, index int) Ctrl {
	var v uint16
	v = bits.SetField(v, 6, regionWidth, uint16(peer))
	v = bits.SetField(v, 0, 2, uint16(index))
	return Ctrl(v)
}

// NewNodeAwareCtrl builds a node-aware register value naming peer in fields
// A/B and self in fields C/D.
func NewNodeAwareCtrl(peer, self Endpoint) Ctrl {
	var v uint16
	v = bits.SetField(v, 12, nodeWidth, uint16(peer.Node))
	v = bits.SetField(v, 8, regionWidth, uint16(peer.Region))
	v = bits.SetField(v, 6, nodeWidth, uint16(self.Node))
	v = bits.SetField(v, 2, regionWidth, uint16(self.Region))
	return Ctrl(v)
}

// Peer returns the simple-scheme allowed peer (or sender) field.
func (c Ctrl) Peer() RegionID {
	return RegionID(bits.Field(uint16(c), 6, regionWidth))
}

// Index returns the simple-scheme table index field.
func (c Ctrl) Index() int {
	return int(bits.Field(uint16(c), 0, 2))
}

// FieldA returns node-aware bits [13:12].
func (c Ctrl) FieldA() NodeID {
	return NodeID(bits.Field(uint16(c), 12, nodeWidth))
}

// FieldB returns node-aware bits [11:8].
func (c Ctrl) FieldB() RegionID {
	return RegionID(bits.Field(uint16(c), 8, regionWidth))
}

// FieldC returns node-aware bits [7:6].
func (c Ctrl) FieldC() NodeID {
	return NodeID(bits.Field(uint16(c), 6, nodeWidth))
}

// FieldD returns node-aware bits [5:2].
func (c Ctrl) FieldD() RegionID {
	return RegionID(bits.Field(uint16(c), 2, regionWidth))
}

// NodeAwarePeer returns fields A/B as an endpoint.
func (c Ctrl) NodeAwarePeer() Endpoint {
	return Endpoint{Node: c.FieldA(), Region: c.FieldB()}
}

// NodeAwareSelf returns fields C/D as an endpoint.
func (c Ctrl) NodeAwareSelf() Endpoint {
	return Endpoint{Node: c.FieldC(), Region: c.FieldD()}
}

// PeerEndpoint returns the peer the register names in scheme s.
func (c Ctrl) PeerEndpoint(s Scheme) Endpoint {
	if s == NodeAware {
		return c.NodeAwarePeer()
	}
	return Local(c.Peer())
}

func (c Ctrl) String() string {
	return fmt.Sprintf("%#04x", uint16(c)&Mask)
}
