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
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported metric name.
const Namespace = "vfabric"

// Collector exports a Registry as Prometheus counters.
type Collector struct {
	r *Registry
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for r.
func NewCollector(r *Registry) *Collector {
	return &Collector{r: r}
}

// Describe implements prometheus.Collector.Describe. The set of counters is
// dynamic, so the collector is unchecked and sends no descriptors.
func (*Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ctr := range c.r.all() {
		desc := prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", ctr.name), ctr.help, nil, ctr.labels)
		m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, float64(ctr.Value()))
		if err != nil {
			continue
		}
		ch <- m
	}
}
