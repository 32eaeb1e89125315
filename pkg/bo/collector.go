// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package bo

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/gpumem/pkg/metrics"
)

// Collector exposes device statistics as prometheus metrics.
type Collector struct {
	dev         *Device
	live        *prometheus.Desc
	cached      *prometheus.Desc
	cachedBytes *prometheus.Desc
	created     *prometheus.Desc
	destroyed   *prometheus.Desc
	imported    *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evicted     *prometheus.Desc
	purged      *prometheus.Desc
	leaked      *prometheus.Desc
	steps       *prometheus.Desc
}

// NewCollector creates a metrics collector for the device.
func NewCollector(d *Device) *Collector {
	return &Collector{
		dev: d,
		live: prometheus.NewDesc("live_objects",
			"Number of buffer objects with references.", nil, nil),
		cached: prometheus.NewDesc("cached_objects",
			"Number of buffer objects in the cache.", nil, nil),
		cachedBytes: prometheus.NewDesc("cached_bytes",
			"Total size of buffer objects in the cache.", nil, nil),
		created: prometheus.NewDesc("kernel_creates_total",
			"Number of kernel objects created.", nil, nil),
		destroyed: prometheus.NewDesc("kernel_destroys_total",
			"Number of kernel objects destroyed.", nil, nil),
		imported: prometheus.NewDesc("imports_total",
			"Number of objects imported from file descriptors.", nil, nil),
		hits: prometheus.NewDesc("cache_hits_total",
			"Number of allocations served from the cache.", nil, nil),
		misses: prometheus.NewDesc("cache_misses_total",
			"Number of non-blocking cache lookups which found nothing.", nil, nil),
		evicted: prometheus.NewDesc("cache_evictions_total",
			"Number of cached objects destroyed.", nil, nil),
		purged: prometheus.NewDesc("cache_purged_total",
			"Number of cached objects found reclaimed by the kernel.", nil, nil),
		leaked: prometheus.NewDesc("leaked_total",
			"Number of kernel objects leaked after cleanup errors.", nil, nil),
		steps: prometheus.NewDesc("allocation_steps_total",
			"Number of objects provided by each allocation step.", []string{"step"}, nil),
	}
}

// Register registers the collector as "device" in the "bo" metrics group.
func (c *Collector) Register(r *metrics.Registry) error {
	return r.Register("device", c, metrics.WithGroup("bo"))
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.live
	ch <- c.cached
	ch <- c.cachedBytes
	ch <- c.created
	ch <- c.destroyed
	ch <- c.imported
	ch <- c.hits
	ch <- c.misses
	ch <- c.evicted
	ch <- c.purged
	ch <- c.leaked
	ch <- c.steps
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.dev.Stats()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.live, float64(s.Live))
	gauge(c.cached, float64(s.Cache.Objects))
	gauge(c.cachedBytes, float64(s.Cache.Bytes))
	counter(c.created, s.Created)
	counter(c.destroyed, s.Destroyed)
	counter(c.imported, s.Imported)
	counter(c.hits, s.CacheHits)
	counter(c.misses, s.CacheMisses)
	counter(c.evicted, s.Evicted)
	counter(c.purged, s.Purged)
	counter(c.leaked, s.Leaked)

	names := make([]string, 0, len(s.Steps))
	for name := range s.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		counter(c.steps, s.Steps[name], name)
	}
}
