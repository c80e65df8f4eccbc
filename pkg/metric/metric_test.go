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

package metric

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
)

func TestCounterSaturates(t *testing.T) {
	r := NewRegistry()
	c := r.MustCreateNewCounter(CounterOpts{Name: "memory_violations", Width: 4})
	for i := 0; i < 20; i++ {
		c.Increment()
	}
	if got, want := c.Value(), uint64(15); got != want {
		t.Errorf("Value() = %d, want %d", got, want)
	}
	if !c.Saturated() {
		t.Errorf("Saturated() = false, want true")
	}
	c.IncrementBy(100)
	if got := c.Value(); got != 15 {
		t.Errorf("Value() after saturation = %d, want 15", got)
	}
}

func TestCounterConcurrentIncrement(t *testing.T) {
	r := NewRegistry()
	c := r.MustCreateNewCounter(CounterOpts{Name: "routing_errors"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Increment()
			}
		}()
	}
	wg.Wait()
	if got, want := c.Value(), uint64(8000); got != want {
		t.Errorf("Value() = %d, want %d", got, want)
	}
}

func TestRegistryDuplicates(t *testing.T) {
	r := NewRegistry()
	r.MustCreateNewCounter(CounterOpts{Name: "capability_violations", Labels: map[string]string{"region": "1"}})
	if _, err := r.NewCounter(CounterOpts{Name: "capability_violations", Labels: map[string]string{"region": "2"}}); err != nil {
		t.Errorf("NewCounter with distinct labels failed: %v", err)
	}
	if _, err := r.NewCounter(CounterOpts{Name: "capability_violations", Labels: map[string]string{"region": "1"}}); !errors.Is(err, ErrNameInUse) {
		t.Errorf("NewCounter duplicate got err %v, want %v", err, ErrNameInUse)
	}
	if _, err := r.NewCounter(CounterOpts{Name: "1bad-name"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("NewCounter(1bad-name) got err %v, want %v", err, ErrInvalidName)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	a := r.MustCreateNewCounter(CounterOpts{Name: "a", Labels: map[string]string{"region": "1"}})
	r.MustCreateNewCounter(CounterOpts{Name: "b"})
	a.IncrementBy(3)

	want := map[string]uint64{"a,region=1": 3, "b": 0}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if c, ok := r.Lookup("a", map[string]string{"region": "1"}); !ok || c != a {
		t.Errorf("Lookup(a) = %v, %t, want the registered counter", c, ok)
	}
}

func TestCollector(t *testing.T) {
	r := NewRegistry()
	c := r.MustCreateNewCounter(CounterOpts{Name: "routing_errors", Help: "Unroutable packets."})
	c.IncrementBy(2)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(r))
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	if len(mfs) != 1 {
		t.Fatalf("Gather() returned %d families, want 1", len(mfs))
	}
	mf := mfs[0]
	if got, want := mf.GetName(), "vfabric_routing_errors"; got != want {
		t.Errorf("family name = %q, want %q", got, want)
	}
	if got, want := mf.GetMetric()[0].GetCounter().GetValue(), 2.0; got != want {
		t.Errorf("counter value = %v, want %v", got, want)
	}
}
