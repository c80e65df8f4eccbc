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

// Package metric provides the saturating violation counters exposed by the
// fabric for operational visibility.
//
// Counters are read-only for everything except the component that owns them.
// No core component consumes a counter value programmatically.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/halalboro/POS-sub002/pkg/bits"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name and labels.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates a metric name that is not a valid Prometheus
	// metric name.
	ErrInvalidName = errors.New("invalid metric name")
)

// Counter is a monotonic counter that saturates at its maximum instead of
// wrapping. The hardware counters it models are fixed width; MaxCounterWidth
// bits by default.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	max    uint64
	value  atomic.Uint64
}

// MaxCounterWidth is the default counter width in bits.
const MaxCounterWidth = 32

// Increment adds one to the counter, saturating.
func (c *Counter) Increment() {
	c.IncrementBy(1)
}

// IncrementBy adds v to the counter, saturating.
func (c *Counter) IncrementBy(v uint64) {
	for {
		old := c.value.Load()
		if old == c.max {
			return
		}
		if c.value.CompareAndSwap(old, bits.SaturatingAdd(old, v, c.max)) {
			return
		}
	}
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Saturated returns true if the counter has reached its maximum.
func (c *Counter) Saturated() bool {
	return c.value.Load() == c.max
}

// Name returns the metric name.
func (c *Counter) Name() string {
	return c.name
}

// Labels returns a copy of the counter's labels.
func (c *Counter) Labels() map[string]string {
	l := make(map[string]string, len(c.labels))
	for k, v := range c.labels {
		l[k] = v
	}
	return l
}

func (c *Counter) key() string {
	return metricKey(c.name, c.labels)
}

func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, labels[k])
	}
	return b.String()
}

// Registry holds a set of counters.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// CounterOpts describes a counter.
type CounterOpts struct {
	// Name is the metric name, without labels.
	Name string

	// Help is a human readable description.
	Help string

	// Labels distinguish instances of the same metric (e.g. one per region).
	Labels map[string]string

	// Width is the counter width in bits. Zero means MaxCounterWidth.
	Width int
}

// NewCounter creates and registers a new counter.
func (r *Registry) NewCounter(opts CounterOpts) (*Counter, error) {
	if !validName(opts.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, opts.Name)
	}
	width := opts.Width
	if width <= 0 {
		width = MaxCounterWidth
	}
	c := &Counter{
		name:   opts.Name,
		help:   opts.Help,
		labels: make(map[string]string, len(opts.Labels)),
		max:    math.MaxUint64,
	}
	if width < 64 {
		c.max = bits.Ones[uint64](width)
	}
	for k, v := range opts.Labels {
		c.labels[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[c.key()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNameInUse, c.key())
	}
	r.counters[c.key()] = c
	return c, nil
}

// MustCreateNewCounter calls NewCounter and panics if it returns an error.
func (r *Registry) MustCreateNewCounter(opts CounterOpts) *Counter {
	c, err := r.NewCounter(opts)
	if err != nil {
		panic(fmt.Sprintf("unable to create metric %q: %s", opts.Name, err))
	}
	return c
}

// Lookup returns the counter with the given name and labels.
func (r *Registry) Lookup(name string, labels map[string]string) (*Counter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[metricKey(name, labels)]
	return c, ok
}

// Snapshot returns the current value of every counter, keyed by
// "name,label=value,...".
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := make(map[string]uint64, len(r.counters))
	for k, c := range r.counters {
		s[k] = c.Value()
	}
	return s
}

func (r *Registry) all() []*Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].key() < cs[j].key() })
	return cs
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
