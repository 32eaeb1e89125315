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

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/gpumem/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// Prefix selects the prefixes applied to the metrics of a collector.
type Prefix int

const (
	// NamespacePrefix prefixes metrics with the namespace of the gatherer.
	NamespacePrefix Prefix = 1 << iota
	// SubsystemPrefix prefixes metrics with the name of the collector group.
	SubsystemPrefix

	// DefaultName is the name of the default group. An alias for "".
	DefaultName = "default"
)

// String returns the prefixes as a string.
func (p Prefix) String() string {
	var names []string
	if p&NamespacePrefix != 0 {
		names = append(names, "namespace")
	}
	if p&SubsystemPrefix != 0 {
		names = append(names, "subsystem")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Collector is a prometheus.Collector registered under a group.
type Collector struct {
	collector prometheus.Collector
	group     string
	name      string
	prefix    Prefix
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace is an option to disable namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.prefix &^= NamespacePrefix
	}
}

// WithoutSubsystem is an option to disable group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.prefix &^= SubsystemPrefix
	}
}

// Name returns the qualified group/name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Prefix returns the prefixes applied to the metrics of the collector.
func (c *Collector) Prefix() Prefix {
	return c.prefix
}

// Matches returns true if the group, the name or the qualified name of
// the collector matches the given glob.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	clog.Debug("collecting %q", c.Name())
	c.collector.Collect(ch)
}

// registerer returns the registerer for the collector, given the plain
// and the namespace-prefixed registerers of a gatherer.
func (c *Collector) registerer(plain, ns prometheus.Registerer) prometheus.Registerer {
	reg := plain
	if c.prefix&NamespacePrefix != 0 {
		reg = ns
	}
	if c.prefix&SubsystemPrefix != 0 {
		reg = prefixedRegisterer(c.group, reg)
	}
	return reg
}

// Registry holds collectors by group. Collectors are exported through
// gatherers, each of which selects a subset of them.
type Registry struct {
	sync.Mutex
	collectors []*Collector
}

// RegisterOptions are options for registering collectors.
type RegisterOptions struct {
	group string
	copts []CollectorOption
}

// RegisterOption is an option for registering collectors.
type RegisterOption func(*RegisterOptions)

// WithGroup is an option to register a collector in a specific group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions is an option to register a collector with options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register registers a collector with the registry. Names must be unique
// within a group.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultName}
	for _, o := range opts {
		o(options)
	}

	c := &Collector{
		collector: collector,
		group:     options.group,
		name:      name,
		prefix:    NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options.copts {
		o(c)
	}

	r.Lock()
	defer r.Unlock()

	idx, found := slices.BinarySearchFunc(r.collectors, c, compareCollectors)
	if found {
		return fmt.Errorf("collector %q already registered", c.Name())
	}
	r.collectors = slices.Insert(r.collectors, idx, c)

	log.Info("registered collector %q (prefix %s)", c.Name(), c.prefix)

	return nil
}

func compareCollectors(a, b *Collector) int {
	if cmp := strings.Compare(a.group, b.group); cmp != 0 {
		return cmp
	}
	return strings.Compare(a.name, b.name)
}

// Select returns the collectors matching any of the given globs. It is an
// error if some glob matches no collector.
func (r *Registry) Select(enabled []string) ([]*Collector, error) {
	r.Lock()
	defer r.Unlock()

	var (
		selected  []*Collector
		matched   = make(map[string]bool, len(enabled))
		unmatched []string
	)

	for _, c := range r.collectors {
		on := false
		for _, glob := range enabled {
			if c.Matches(glob) {
				matched[glob] = true
				on = true
			}
		}
		if on {
			selected = append(selected, c)
		}
		log.Debug("collector %q enabled: %v", c.Name(), on)
	}

	for _, glob := range enabled {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return selected, fmt.Errorf("no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return selected, nil
}

// Collectors returns the qualified names of all registered collectors,
// sorted by group and name.
func (r *Registry) Collectors() []string {
	r.Lock()
	defer r.Unlock()

	names := make([]string, 0, len(r.collectors))
	for _, c := range r.collectors {
		names = append(names, c.Name())
	}
	return names
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

// Gatherer is a prometheus gatherer for a selection of collectors.
type Gatherer struct {
	*prometheus.Registry
	namespace string
	enabled   []string
}

// GathererOption is an option for the gatherer.
type GathererOption func(*Gatherer)

// WithNamespace defines the common namespace prefix for gathered collectors.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics defines which groups or collectors will be enabled.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer creates a gatherer for the collectors of the registry
// selected by the WithMetrics option. Gatherers are independent of each
// other, so a collector may be exported by several of them.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
	}

	for _, o := range opts {
		o(g)
	}

	log.Info("creating gatherer with namespace %q, collectors enabled=[%s]",
		g.namespace, strings.Join(g.enabled, ","))

	selected, err := r.Select(g.enabled)
	if err != nil {
		return nil, err
	}

	ns := prefixedRegisterer(g.namespace, g.Registry)
	for _, c := range selected {
		if err := c.registerer(g.Registry, ns).Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector %q: %w", c.Name(), err)
		}
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	return g.Registry.Gather()
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a new gatherer for the default registry, with the given options.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
