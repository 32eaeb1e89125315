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
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	cfgapi "github.com/containers/gpumem/pkg/apis/config/v1alpha1"
	"github.com/containers/gpumem/pkg/kmd"
	"github.com/containers/gpumem/pkg/utils"
)

// Device manages the buffer objects of a single kernel transport. It owns
// the object registry and the object cache.
type Device struct {
	t        kmd.Transport
	pageSize uint64
	clock    clock.PassiveClock
	cacheCfg *cfgapi.Cache
	cache    *Cache
	reg      *registry
	ladder   []Strategy
	steps    map[string]*atomic.Uint64
	stats    counters
	leaks    *rate.Limiter
	closed   atomic.Bool
}

type counters struct {
	created   atomic.Uint64
	destroyed atomic.Uint64
	imported  atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evicted   atomic.Uint64
	purged    atomic.Uint64
	leaked    atomic.Uint64
}

// Stats is a snapshot of device statistics.
type Stats struct {
	// Live is the number of objects with references.
	Live int
	// Created and Destroyed count kernel objects created and destroyed.
	Created   uint64
	Destroyed uint64
	// Imported counts objects imported from other processes.
	Imported uint64
	// CacheHits and CacheMisses count non-blocking cache lookups.
	CacheHits   uint64
	CacheMisses uint64
	// Evicted counts cached objects destroyed for being idle or by EvictAll.
	Evicted uint64
	// Purged counts cached objects found reclaimed by the kernel.
	Purged uint64
	// Leaked counts kernel objects abandoned after cleanup errors.
	Leaked uint64
	// Steps counts objects provided by each allocation ladder step.
	Steps map[string]uint64
	// Cache is the state of the object cache.
	Cache CacheStats
}

// Option is an option for a Device.
type Option func(*Device) error

// WithPageSize sets the page size object sizes are rounded up to.
func WithPageSize(size uint64) Option {
	return func(d *Device) error {
		if !utils.IsPowerOf2(size) {
			return fmt.Errorf("invalid page size %d, must be a power of two", size)
		}
		d.pageSize = size
		return nil
	}
}

// WithClock sets the time source of the object cache.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Device) error {
		d.clock = c
		return nil
	}
}

// WithCacheConfig sets the configuration of the object cache.
func WithCacheConfig(cfg *cfgapi.Cache) Option {
	return func(d *Device) error {
		d.cacheCfg = cfg
		return nil
	}
}

// WithConfig applies the device and cache parts of a configuration.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(d *Device) error {
		if cfg == nil {
			return nil
		}
		if size := cfg.Device.GetPageSize(); size != 0 {
			if err := WithPageSize(size)(d); err != nil {
				return err
			}
		}
		return WithCacheConfig(&cfg.Cache)(d)
	}
}

// WithLadder replaces the allocation ladder of the device.
func WithLadder(steps ...Strategy) Option {
	return func(d *Device) error {
		if len(steps) == 0 {
			return fmt.Errorf("empty allocation ladder")
		}
		d.ladder = steps
		return nil
	}
}

// NewDevice creates a new device for the given transport.
func NewDevice(t kmd.Transport, options ...Option) (*Device, error) {
	d := &Device{
		t:        t,
		pageSize: uint64(os.Getpagesize()),
		clock:    clock.RealClock{},
		reg:      newRegistry(),
		ladder:   DefaultLadder(),
		leaks:    rate.NewLimiter(rate.Every(time.Second), 5),
	}

	for _, o := range options {
		if err := o(d); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	cache, err := newCache(d, d.cacheCfg)
	if err != nil {
		return nil, err
	}
	d.cache = cache

	d.steps = make(map[string]*atomic.Uint64, len(d.ladder))
	for _, s := range d.ladder {
		d.steps[s.Name] = &atomic.Uint64{}
	}

	if cache.disabled {
		log.Info("created device with page size %s, caching disabled",
			utils.PrettySize(d.pageSize))
	} else {
		log.Info("created device with page size %s, cache idle timeout %s, buckets 2^%d-2^%d",
			utils.PrettySize(d.pageSize), cache.idle, cache.minShift, cache.maxShift)
	}

	return d, nil
}

// PageSize returns the page size of the device.
func (d *Device) PageSize() uint64 {
	return d.pageSize
}

// Cache returns the object cache of the device.
func (d *Device) Cache() *Cache {
	return d.cache
}

// Create creates a buffer object of at least size bytes. The object is
// mapped into the process unless it is Invisible or DeferMap. The
// returned object has a single reference. Requesting a zero-sized object
// is a programmer error and causes a panic.
func (d *Device) Create(size uint64, flags Flags, label string) (*BufferObject, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if size == 0 {
		log.Panic("%s: zero-sized object requested", label)
	}
	if err := flags.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", label, err)
	}
	if size > math.MaxUint64-d.pageSize+1 {
		return nil, fmt.Errorf("%w: %d byte object %q does not fit in the address space",
			ErrInvalidSize, size, label)
	}

	size = utils.RoundUp(size, d.pageSize)

	o, err := d.allocate(size, flags)
	if err != nil {
		return nil, err
	}

	o.flags = flags
	o.SetLabel(label)

	if flags&(Invisible|DeferMap) == 0 {
		if _, err := o.Map(); err != nil {
			d.destroy(o)
			return nil, err
		}
	}

	d.reg.Lock()
	d.reg.add(o)
	d.reg.Unlock()

	return o, nil
}

// createFresh creates a new kernel object and binds it into the device
// address space.
func (d *Device) createFresh(size uint64, flags Flags) (*BufferObject, error) {
	h, err := d.t.Create(size, flags.kernel())
	if err != nil {
		return nil, fmt.Errorf("failed to create %d byte kernel object: %w", size, err)
	}

	addr, err := d.t.Bind(h, size)
	if err != nil {
		if derr := d.t.Destroy(h); derr != nil {
			d.stats.leaked.Add(1)
			log.Error("leaking unbound kernel object %s: %v", h, derr)
		}
		return nil, fmt.Errorf("failed to bind kernel object %s: %w", h, err)
	}

	d.stats.created.Add(1)

	o := &BufferObject{
		dev:     d,
		handle:  h,
		size:    size,
		gpuAddr: addr,
		flags:   flags,
	}
	o.refs.Store(1)

	return o, nil
}

// Import imports an object shared by another process, or by this one,
// through a file descriptor. Importing an object which is already known
// returns it with a new reference.
func (d *Device) Import(fd int) (*BufferObject, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	d.reg.Lock()
	defer d.reg.Unlock()

	h, size, err := d.t.Import(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to import fd %d: %w", fd, err)
	}

	if o := d.reg.lookup(h); o != nil {
		if o.refs.Add(1) == 1 {
			details.Debug("import of %s re-armed released object", o)
		}
		return o, nil
	}

	addr, err := d.t.Bind(h, size)
	if err != nil {
		if derr := d.t.Destroy(h); derr != nil {
			log.Error("failed to drop imported kernel object %s: %v", h, derr)
		}
		return nil, fmt.Errorf("failed to bind imported object %s: %w", h, err)
	}

	o := &BufferObject{
		dev:     d,
		handle:  h,
		size:    size,
		gpuAddr: addr,
		flags:   Shareable,
		shared:  true,
	}
	o.refs.Store(1)
	o.SetLabel(fmt.Sprintf("import:%d", fd))

	if _, err := o.Map(); err != nil {
		if !errors.Is(err, kmd.ErrNotMappable) {
			d.destroy(o)
			return nil, err
		}
		o.flags |= Invisible
	}

	d.reg.add(o)
	d.stats.imported.Add(1)
	log.Debug("imported %s from fd %d", o, fd)

	return o, nil
}

// Lookup returns the live object with the given handle with a new
// reference, or nil if there is no such object.
func (d *Device) Lookup(h kmd.Handle) *BufferObject {
	d.reg.Lock()
	defer d.reg.Unlock()

	o := d.reg.lookup(h)
	if o == nil {
		return nil
	}
	return o.Ref()
}

// Stats returns a snapshot of device statistics.
func (d *Device) Stats() Stats {
	s := Stats{
		Live:        d.reg.len(),
		Created:     d.stats.created.Load(),
		Destroyed:   d.stats.destroyed.Load(),
		Imported:    d.stats.imported.Load(),
		CacheHits:   d.stats.hits.Load(),
		CacheMisses: d.stats.misses.Load(),
		Evicted:     d.stats.evicted.Load(),
		Purged:      d.stats.purged.Load(),
		Leaked:      d.stats.leaked.Load(),
		Steps:       make(map[string]uint64, len(d.steps)),
		Cache:       d.cache.Stats(),
	}
	for name, cnt := range d.steps {
		s.Steps[name] = cnt.Load()
	}
	return s
}

// Close disables and empties the object cache and reports objects still
// alive. Objects released after or during Close are destroyed instead of
// cached.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := d.cache.SetDisabled(true)

	for _, o := range d.reg.live() {
		log.Warn("%s still has %d references at device close", o, o.RefCount())
	}

	d.DumpStats("closed device: ")

	return err
}

// release disposes of an object after its last reference is gone. The
// registry must be locked.
func (d *Device) release(o *BufferObject) {
	if err := o.unmap(); err != nil {
		d.leak(o, err)
		return
	}

	if !d.closed.Load() && d.cache.put(o) {
		details.Debug("cached %s", o)
		return
	}

	d.destroy(o)
}

// destroy unmaps, unbinds and destroys the kernel object of a released
// object. Objects which fail any of these are leaked.
func (d *Device) destroy(o *BufferObject) error {
	var errs *multierror.Error

	if err := o.unmap(); err != nil {
		errs = multierror.Append(errs, err)
	} else if err := d.t.Unbind(o.gpuAddr, o.size); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to unbind %s: %w", o, err))
	} else if err := d.t.Destroy(o.handle); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to destroy %s: %w", o, err))
	}

	if err := errs.ErrorOrNil(); err != nil {
		d.leak(o, err)
		return err
	}

	d.stats.destroyed.Add(1)
	details.Debug("destroyed %s", o)

	return nil
}

// leak abandons the kernel object of o after a failed cleanup.
func (d *Device) leak(o *BufferObject, err error) {
	d.stats.leaked.Add(1)
	if d.leaks.Allow() {
		log.Error("leaking %s: %v", o, err)
	}
}
