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

package connroute

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/halalboro/POS-sub002/pkg/route"
)

func TestNewRejectsBadSizes(t *testing.T) {
	for _, size := range []int{0, -1, 3, 1000, 1 << 17} {
		if _, err := New(route.Simple, size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestEstablishLookup(t *testing.T) {
	tbl, err := New(route.NodeAware, DefaultSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := tbl.Lookup(7); ok {
		t.Fatalf("Lookup on empty table succeeded")
	}

	d := route.Descriptor{Src: route.Endpoint{Node: 1, Region: 2}, Dst: route.Endpoint{Node: 2, Region: 3}, Class: route.ClassRDMA}
	if err := tbl.Establish(7, d); err != nil {
		t.Fatalf("Establish(7): %v", err)
	}
	got, ok := tbl.Lookup(7)
	if !ok {
		t.Fatalf("Lookup(7) missed after Establish")
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("Lookup(7) mismatch (-want +got):\n%s", diff)
	}
}

func TestReestablishOverwrites(t *testing.T) {
	tbl, _ := New(route.Simple, 16)
	tbl.Establish(3, route.Descriptor{Src: route.Local(1), Dst: route.Local(2), Class: route.ClassTCP})
	want := route.Descriptor{Src: route.Local(1), Dst: route.Local(4), Class: route.ClassTCP}
	tbl.Establish(3, want)
	if got, _ := tbl.Lookup(3); got != want {
		t.Errorf("Lookup(3) = %v, want %v", got, want)
	}
}

func TestDistinctIDsSharingLowBits(t *testing.T) {
	tbl, err := New(route.Simple, DefaultSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	first := route.Descriptor{Src: route.Local(1), Dst: route.Local(2), Class: route.ClassTCP}
	second := route.Descriptor{Src: route.Local(1), Dst: route.Local(3), Class: route.ClassTCP}
	// 1029 and 5 agree in their low 10 bits.
	for conn, d := range map[ConnID]route.Descriptor{5: first, 1029: second} {
		if err := tbl.Establish(conn, d); err != nil {
			t.Fatalf("Establish(%d): %v", conn, err)
		}
	}
	for conn, want := range map[ConnID]route.Descriptor{5: first, 1029: second} {
		got, ok := tbl.Lookup(conn)
		if !ok || got != want {
			t.Errorf("Lookup(%d) = %v, %t, want %v", conn, got, ok, want)
		}
	}
}

func TestSmallTableKeepsActiveConnection(t *testing.T) {
	tbl, _ := New(route.Simple, 16)
	held := route.Descriptor{Src: route.Local(1), Dst: route.Local(2)}
	if err := tbl.Establish(1, held); err != nil {
		t.Fatalf("Establish(1): %v", err)
	}
	// 17 maps to the same slot as 1.
	if _, ok := tbl.Lookup(17); ok {
		t.Errorf("Lookup(17) returned connection 1's route")
	}
	if err := tbl.Establish(17, route.Descriptor{Src: route.Local(1), Dst: route.Local(3)}); !errors.Is(err, ErrSlotInUse) {
		t.Errorf("Establish(17) = %v, want %v", err, ErrSlotInUse)
	}
	if got, ok := tbl.Lookup(1); !ok || got != held {
		t.Errorf("Lookup(1) = %v, %t after a refused collision, want %v", got, ok, held)
	}

	tbl.Release(17)
	if _, ok := tbl.Lookup(1); !ok {
		t.Errorf("Release(17) removed connection 1")
	}
	tbl.Release(1)
	if e := tbl.Get(1); e.Valid {
		t.Errorf("Get(1) = %+v after Release, want invalid", e)
	}
	if err := tbl.Establish(17, held); err != nil {
		t.Errorf("Establish(17) after Release(1): %v", err)
	}
}
