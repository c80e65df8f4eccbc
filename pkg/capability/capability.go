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

// Package capability implements the per-region capability table: which peers
// a tenant region may send to and receive from.
//
// The table is written by a single privileged configuration path and read by
// every gateway of the owning region. Each slot is a single atomic word, so a
// gateway observes either the old or the new value of a slot being rewritten.
// A reconfiguration touching several slots is not linearizable with respect
// to in-flight validations.
package capability

import (
	"fmt"
	"sync/atomic"

	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/route"
)

// Direction selects the send or receive half of a region's capabilities.
type Direction uint8

const (
	// Send is the egress direction: peers a region may send to.
	Send Direction = iota
	// Receive is the ingress direction: peers a region may receive from.
	Receive

	numDirections
)

func (d Direction) String() string {
	switch d {
	case Send:
		return "send"
	case Receive:
		return "receive"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// MaxEntries is the size of the multi-entry scheme's per-direction array. The
// route_ctrl table index is two bits wide.
const MaxEntries = 4

// Options configures a Table.
type Options struct {
	// Entries is the number of allowed peers remembered per region and
	// direction: 1 in the simple scheme, up to MaxEntries in the
	// multi-entry scheme.
	Entries int

	// Strict enables capability enforcement. Strict == false is the
	// all-permit bring-up mode and must only be used in tests.
	Strict bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{Entries: 1, Strict: true}
}

// Entry is one configured capability slot.
type Entry struct {
	Owner     route.RegionID
	Direction Direction
	Index     int
	Peer      route.Endpoint
}

// IsWildcard returns true if e permits any peer.
func (e Entry) IsWildcard() bool {
	return e.Peer.IsExternal()
}

// slot layout: bit 8 valid, [7:6] node, [3:0] region.
const slotValid = 1 << 8

func packSlot(peer route.Endpoint) uint32 {
	return slotValid | uint32(peer.Node&0x3)<<6 | uint32(peer.Region&0xf)
}

func unpackSlot(v uint32) (route.Endpoint, bool) {
	return route.Endpoint{
		Node:   route.NodeID(v >> 6 & 0x3),
		Region: route.RegionID(v & 0xf),
	}, v&slotValid != 0
}

// Table is the capability table of one node.
type Table struct {
	opts  Options
	slots [route.NumPorts][numDirections][MaxEntries]atomic.Uint32
}

// New returns an empty table. An empty table denies all traffic except from
// external origins.
func New(opts Options) *Table {
	if opts.Entries <= 0 {
		opts.Entries = 1
	}
	if opts.Entries > MaxEntries {
		log.Warningf("Capability table entries %d exceeds %d, clamping", opts.Entries, MaxEntries)
		opts.Entries = MaxEntries
	}
	if !opts.Strict {
		log.Warningf("*** Capability enforcement is DISABLED: all peers are permitted. This mode is for testing only. ***")
	}
	return &Table{opts: opts}
}

// Strict returns true if the table enforces capabilities.
func (t *Table) Strict() bool {
	return t.opts.Strict
}

// Entries returns the number of slots per region and direction.
func (t *Table) Entries() int {
	return t.opts.Entries
}

func (t *Table) slot(owner route.RegionID, dir Direction, index int) *atomic.Uint32 {
	if !owner.IsTenant() || dir >= numDirections || index < 0 || index >= t.opts.Entries {
		return nil
	}
	return &t.slots[owner][dir][index]
}

// Configure overwrites the first slot of (owner, dir) with peer.
func (t *Table) Configure(owner route.RegionID, peer route.Endpoint, dir Direction) {
	t.ConfigureEntry(owner, 0, peer, dir)
}

// ConfigureEntry overwrites slot index of (owner, dir) with peer. Invalid
// owners, directions or indexes are ignored; no error is ever returned to the
// controller.
func (t *Table) ConfigureEntry(owner route.RegionID, index int, peer route.Endpoint, dir Direction) {
	s := t.slot(owner, dir, index)
	if s == nil {
		log.Warningf("Ignoring capability write for owner %v, %v slot %d", owner, dir, index)
		return
	}
	if peer.IsExternal() {
		log.Warningf("Region %v %v capability slot %d is a wildcard: any peer is permitted", owner, dir, index)
	}
	s.Store(packSlot(peer))
	log.Debugf("Capability %v %v[%d] = %v", owner, dir, index, peer)
}

// Program decodes a route_ctrl register value and writes the slot it names.
// In the simple scheme the register carries the peer and the slot index; the
// node-aware scheme carries the peer in fields A/B and always writes slot 0.
func (t *Table) Program(owner route.RegionID, dir Direction, ctrl route.Ctrl, scheme route.Scheme) {
	if scheme == route.NodeAware {
		t.ConfigureEntry(owner, 0, ctrl.NodeAwarePeer(), dir)
		return
	}
	t.ConfigureEntry(owner, ctrl.Index(), route.Local(ctrl.Peer()), dir)
}

// Revoke clears slot index of (owner, dir).
func (t *Table) Revoke(owner route.RegionID, index int, dir Direction) {
	if s := t.slot(owner, dir, index); s != nil {
		s.Store(0)
	}
}

// Clear removes every capability of owner.
func (t *Table) Clear(owner route.RegionID) {
	if !owner.IsTenant() {
		return
	}
	for d := Direction(0); d < numDirections; d++ {
		for i := 0; i < t.opts.Entries; i++ {
			t.slots[owner][d][i].Store(0)
		}
	}
}

// IsAllowed returns true if owner may exchange traffic with candidate in
// direction dir: a configured slot equals candidate, a configured slot is the
// wildcard, or candidate is an external origin.
func (t *Table) IsAllowed(owner route.RegionID, candidate route.Endpoint, dir Direction) bool {
	if !t.opts.Strict {
		return true
	}
	if candidate.IsExternal() {
		return true
	}
	if !owner.IsTenant() || dir >= numDirections {
		return false
	}
	for i := 0; i < t.opts.Entries; i++ {
		peer, ok := unpackSlot(t.slots[owner][dir][i].Load())
		if !ok {
			continue
		}
		if peer.IsExternal() || peer == candidate {
			return true
		}
	}
	return false
}

// Snapshot returns every configured slot, ordered by owner, direction and
// index.
func (t *Table) Snapshot() []Entry {
	var es []Entry
	for owner := route.FirstTenant; owner <= route.LastTenant; owner++ {
		for d := Direction(0); d < numDirections; d++ {
			for i := 0; i < t.opts.Entries; i++ {
				peer, ok := unpackSlot(t.slots[owner][d][i].Load())
				if !ok {
					continue
				}
				es = append(es, Entry{Owner: owner, Direction: d, Index: i, Peer: peer})
			}
		}
	}
	return es
}
