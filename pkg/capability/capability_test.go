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

package capability

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/halalboro/POS-sub002/pkg/route"
)

func TestEmptyTableDenies(t *testing.T) {
	tbl := New(DefaultOptions())
	for _, dir := range []Direction{Send, Receive} {
		if tbl.IsAllowed(1, route.Local(2), dir) {
			t.Errorf("empty table allowed 1 -> 2 (%v)", dir)
		}
	}
}

func TestExternalAlwaysAllowed(t *testing.T) {
	tbl := New(DefaultOptions())
	if !tbl.IsAllowed(1, route.Local(route.External), Receive) {
		t.Errorf("external origin denied")
	}
	if !tbl.IsAllowed(1, route.Endpoint{Node: 2, Region: route.External}, Receive) {
		t.Errorf("external origin on a remote node denied")
	}
}

func TestAllowedPeer(t *testing.T) {
	tbl := New(DefaultOptions())
	tbl.Configure(1, route.Local(2), Send)

	if !tbl.IsAllowed(1, route.Local(2), Send) {
		t.Errorf("1 -> 2 denied, want allowed")
	}
	if tbl.IsAllowed(1, route.Local(3), Send) {
		t.Errorf("1 -> 3 allowed, want denied")
	}
	if tbl.IsAllowed(1, route.Local(2), Receive) {
		t.Errorf("send capability leaked into receive direction")
	}
	if tbl.IsAllowed(2, route.Local(1), Send) {
		t.Errorf("capability of region 1 leaked to region 2")
	}
}

func TestConfigureOverwrites(t *testing.T) {
	tbl := New(DefaultOptions())
	tbl.Configure(1, route.Local(2), Send)
	tbl.Configure(1, route.Local(3), Send)
	if tbl.IsAllowed(1, route.Local(2), Send) {
		t.Errorf("old peer still allowed after overwrite")
	}
	if !tbl.IsAllowed(1, route.Local(3), Send) {
		t.Errorf("new peer denied after overwrite")
	}
}

func TestWildcard(t *testing.T) {
	tbl := New(DefaultOptions())
	tbl.Configure(4, route.Local(route.External), Receive)
	for r := route.FirstTenant; r <= route.LastTenant; r++ {
		if !tbl.IsAllowed(4, route.Local(r), Receive) {
			t.Errorf("wildcard denied region %v", r)
		}
	}
}

func TestNodeAwarePeers(t *testing.T) {
	tbl := New(DefaultOptions())
	tbl.Configure(1, route.Endpoint{Node: 2, Region: 5}, Receive)
	if !tbl.IsAllowed(1, route.Endpoint{Node: 2, Region: 5}, Receive) {
		t.Errorf("2/5 denied")
	}
	if tbl.IsAllowed(1, route.Endpoint{Node: 1, Region: 5}, Receive) {
		t.Errorf("1/5 allowed: node must be part of the match")
	}
}

func TestMultiEntry(t *testing.T) {
	tbl := New(Options{Entries: MaxEntries, Strict: true})
	for i, peer := range []route.RegionID{2, 3, 5, 7} {
		tbl.Program(1, Send, route.NewSimpleCtrl(peer, i), route.Simple)
	}
	for _, peer := range []route.RegionID{2, 3, 5, 7} {
		if !tbl.IsAllowed(1, route.Local(peer), Send) {
			t.Errorf("peer %v denied", peer)
		}
	}
	if tbl.IsAllowed(1, route.Local(4), Send) {
		t.Errorf("unlisted peer allowed")
	}

	tbl.Revoke(1, 1, Send)
	if tbl.IsAllowed(1, route.Local(3), Send) {
		t.Errorf("revoked peer allowed")
	}
}

func TestSingleEntryIgnoresIndex(t *testing.T) {
	tbl := New(DefaultOptions())
	tbl.Program(1, Send, route.NewSimpleCtrl(2, 3), route.Simple)
	if tbl.IsAllowed(1, route.Local(2), Send) {
		t.Errorf("write to out-of-range slot took effect")
	}
}

func TestProgramNodeAware(t *testing.T) {
	tbl := New(DefaultOptions())
	peer := route.Endpoint{Node: 1, Region: 6}
	tbl.Program(2, Receive, route.NewNodeAwareCtrl(peer, route.Endpoint{Node: 0, Region: 2}), route.NodeAware)
	if !tbl.IsAllowed(2, peer, Receive) {
		t.Errorf("node-aware programmed peer denied")
	}
}

func TestInvalidOwner(t *testing.T) {
	tbl := New(DefaultOptions())
	tbl.Configure(route.HostPort, route.Local(2), Send)
	if tbl.IsAllowed(route.HostPort, route.Local(2), Send) {
		t.Errorf("infrastructure port accepted a capability")
	}
	if len(tbl.Snapshot()) != 0 {
		t.Errorf("Snapshot() = %v, want empty", tbl.Snapshot())
	}
}

func TestNonStrictPermitsAll(t *testing.T) {
	tbl := New(Options{Entries: 1, Strict: false})
	if !tbl.IsAllowed(1, route.Local(9), Send) {
		t.Errorf("non-strict table denied traffic")
	}
}

func TestSnapshotAndClear(t *testing.T) {
	tbl := New(Options{Entries: 2, Strict: true})
	tbl.ConfigureEntry(1, 1, route.Local(3), Send)
	tbl.Configure(2, route.Local(1), Receive)

	want := []Entry{
		{Owner: 1, Direction: Send, Index: 1, Peer: route.Local(3)},
		{Owner: 2, Direction: Receive, Index: 0, Peer: route.Local(1)},
	}
	if diff := cmp.Diff(want, tbl.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	tbl.Clear(1)
	if diff := cmp.Diff(want[1:], tbl.Snapshot()); diff != "" {
		t.Errorf("Snapshot() after Clear mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentReconfigure(t *testing.T) {
	tbl := New(DefaultOptions())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tbl.Configure(1, route.Local(route.RegionID(2+i%2)), Send)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			// Either the old or the new peer, never anything else.
			if tbl.IsAllowed(1, route.Local(5), Send) {
				t.Errorf("unconfigured peer allowed during reconfiguration")
				return
			}
		}
	}()
	wg.Wait()
}
