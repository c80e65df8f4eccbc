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

// Package connroute associates connection identifiers (RDMA queue pair
// numbers, TCP session ids) with the route descriptor established when the
// connection was set up. Gateways look the route up at transmit time.
package connroute

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/route"
)

// ConnID is a connection identifier.
type ConnID uint16

// DefaultSize is the default number of table entries: one slot per
// connection id.
const DefaultSize = 1 << 16

// ErrSlotInUse is returned by Establish when a smaller table's slot holds the
// route of another active connection.
var ErrSlotInUse = errors.New("connection route slot in use by another connection")

// Entry is one connection route.
type Entry struct {
	Conn  ConnID
	Route route.Descriptor
	Valid bool
}

// entry word layout: bit 48 valid, [47:32] conn id, [15:0] encoded route.
const entryValid = uint64(1) << 48

// Table maps connection ids to routes. An entry is only overwritten when the
// same connection is re-established, and is freed by Release. Tables smaller
// than DefaultSize share slots between ids; the first established id keeps
// the slot until it is released.
type Table struct {
	scheme  route.Scheme
	mask    uint16
	entries []atomic.Uint64
}

// New returns a table with size entries. size must be a power of two no
// larger than 1<<16.
func New(scheme route.Scheme, size int) (*Table, error) {
	if size <= 0 || size > 1<<16 || size&(size-1) != 0 {
		return nil, fmt.Errorf("connection route table size %d is not a power of two in [1, 65536]", size)
	}
	return &Table{
		scheme:  scheme,
		mask:    uint16(size - 1),
		entries: make([]atomic.Uint64, size),
	}, nil
}

// Establish records the route of conn, replacing the previous route of conn.
// It fails with ErrSlotInUse if the slot holds another connection's route.
func (t *Table) Establish(conn ConnID, d route.Descriptor) error {
	v := entryValid | uint64(conn)<<32 | uint64(d.Encode(t.scheme))
	slot := &t.entries[uint16(conn)&t.mask]
	for {
		old := slot.Load()
		if old&entryValid != 0 && ConnID(old>>32) != conn {
			log.Warningf("Connection %d: slot held by active connection %d, not establishing", conn, ConnID(old>>32))
			return fmt.Errorf("%w: connection %d, held by %d", ErrSlotInUse, conn, ConnID(old>>32))
		}
		if slot.CompareAndSwap(old, v) {
			return nil
		}
	}
}

// Release removes the route of conn. Releasing a connection that holds no
// entry is a no-op.
func (t *Table) Release(conn ConnID) {
	slot := &t.entries[uint16(conn)&t.mask]
	for {
		old := slot.Load()
		if old&entryValid == 0 || ConnID(old>>32) != conn {
			return
		}
		if slot.CompareAndSwap(old, 0) {
			return
		}
	}
}

// Lookup returns the route of conn. It misses if the slot was never written
// or now belongs to another connection.
func (t *Table) Lookup(conn ConnID) (route.Descriptor, bool) {
	e := t.get(conn)
	return e.Route, e.Valid
}

// Get returns the entry for conn.
func (t *Table) Get(conn ConnID) Entry {
	return t.get(conn)
}

func (t *Table) get(conn ConnID) Entry {
	v := t.entries[uint16(conn)&t.mask].Load()
	if v&entryValid == 0 || ConnID(v>>32) != conn {
		return Entry{Conn: conn}
	}
	return Entry{
		Conn:  conn,
		Route: route.Decode(t.scheme, uint16(v)),
		Valid: true,
	}
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.entries)
}
