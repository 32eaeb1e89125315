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
	"container/list"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	cfgapi "github.com/containers/gpumem/pkg/apis/config/v1alpha1"
	"github.com/containers/gpumem/pkg/kmd"
)

// Cache recycles released objects instead of returning them to the kernel.
// Cached objects are kept in size-class buckets and in a single list in
// the order they were released. Objects left unused for longer than the
// idle timeout are destroyed the next time an object is released.
type Cache struct {
	sync.Mutex
	dev      *Device
	disabled bool
	idle     time.Duration
	minShift int
	maxShift int
	buckets  []*list.List
	lru      *simplelru.LRU[*BufferObject, time.Time]
	bytes    uint64
}

// CacheStats is a snapshot of the state of a cache.
type CacheStats struct {
	Disabled bool
	Objects  int
	Bytes    uint64
	Buckets  []int
}

func newCache(dev *Device, cfg *cfgapi.Cache) (*Cache, error) {
	minShift, maxShift := cfg.GetBucketShifts()
	if minShift > maxShift {
		return nil, fmt.Errorf("%w: invalid cache bucket shifts %d-%d", ErrFailedOption,
			minShift, maxShift)
	}

	lru, err := simplelru.NewLRU[*BufferObject, time.Time](math.MaxInt32, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cache LRU: %w", ErrInternalError, err)
	}

	c := &Cache{
		dev:      dev,
		disabled: cfg != nil && cfg.Disable,
		idle:     cfg.GetIdleTimeout(),
		minShift: minShift,
		maxShift: maxShift,
		buckets:  make([]*list.List, maxShift-minShift+1),
		lru:      lru,
	}
	for i := range c.buckets {
		c.buckets[i] = list.New()
	}

	return c, nil
}

// BucketIndex returns the index of the bucket for objects of the given size.
func (c *Cache) BucketIndex(size uint64) int {
	shift := bits.Len64(size) - 1
	return min(max(shift, c.minShift), c.maxShift) - c.minShift
}

// Disabled returns true if caching is disabled.
func (c *Cache) Disabled() bool {
	c.Lock()
	defer c.Unlock()
	return c.disabled
}

// SetDisabled turns caching off or back on. Turning caching off destroys
// all cached objects.
func (c *Cache) SetDisabled(disabled bool) error {
	c.Lock()
	c.disabled = disabled
	c.Unlock()

	if disabled {
		return c.EvictAll()
	}
	return nil
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats() CacheStats {
	c.Lock()
	defer c.Unlock()

	s := CacheStats{
		Disabled: c.disabled,
		Objects:  c.lru.Len(),
		Bytes:    c.bytes,
		Buckets:  make([]int, len(c.buckets)),
	}
	for i, b := range c.buckets {
		s.Buckets[i] = b.Len()
	}

	return s
}

// fetch takes an idle cached object of at least size bytes with matching
// flags out of the cache. Only the bucket for size is scanned, oldest
// entry first. The scan stops at the first busy candidate. Blocking
// fetches wait for the candidate to become idle. Objects reclaimed by the
// kernel while cached are destroyed and skipped. The returned object has
// a single reference.
func (c *Cache) fetch(size uint64, flags Flags, blocking bool) *BufferObject {
	c.Lock()
	defer c.Unlock()

	timeout := time.Duration(0)
	if blocking {
		timeout = kmd.Infinite
	}

	b := c.buckets[c.BucketIndex(size)]
	for e := b.Front(); e != nil; {
		o := e.Value.(*BufferObject)
		next := e.Next()

		if o.size < size || o.flags.cacheKey() != flags.cacheKey() {
			e = next
			continue
		}

		idle, err := o.Wait(timeout, true)
		if err != nil {
			log.Error("failed to check idleness of cached %s: %v", o, err)
			return nil
		}
		if !idle {
			details.Debug("cached %s is busy, giving up on bucket #%d", o, c.BucketIndex(size))
			return nil
		}

		c.unlink(o)

		retained, err := c.dev.t.MarkUnevictable(o.handle)
		if err != nil || !retained {
			if err != nil {
				log.Error("failed to reclaim cached %s: %v", o, err)
			} else {
				details.Debug("cached %s was purged by the kernel", o)
			}
			c.dev.stats.purged.Add(1)
			c.dev.destroy(o)
			e = next
			continue
		}

		o.refs.Store(1)
		return o
	}

	return nil
}

// put offers a released object to the cache. It returns false if the
// object is not cacheable, in which case the caller must destroy it.
func (c *Cache) put(o *BufferObject) bool {
	if o.flags&Shareable != 0 || o.IsShared() {
		return false
	}

	c.Lock()
	defer c.Unlock()

	if c.disabled {
		return false
	}

	if err := c.dev.t.MarkEvictable(o.handle); err != nil {
		log.Error("failed to mark %s evictable: %v", o, err)
		return false
	}

	now := c.dev.clock.Now()
	o.lastUsed = now
	o.bucket = c.buckets[c.BucketIndex(o.size)].PushBack(o)
	c.lru.Add(o, now)
	c.bytes += o.size

	c.evictIdle(now)

	return true
}

// evictIdle destroys every object cached for longer than the idle timeout.
// The cache must be locked.
func (c *Cache) evictIdle(now time.Time) {
	for {
		o, lastUsed, ok := c.lru.GetOldest()
		if !ok || now.Sub(lastUsed) <= c.idle {
			return
		}
		details.Debug("evicting %s, idle for %s", o, now.Sub(lastUsed))
		c.unlink(o)
		c.dev.stats.evicted.Add(1)
		c.dev.destroy(o)
	}
}

// EvictAll destroys every cached object.
func (c *Cache) EvictAll() error {
	c.Lock()
	defer c.Unlock()

	var errs *multierror.Error
	cnt := 0
	for {
		o, _, ok := c.lru.GetOldest()
		if !ok {
			break
		}
		c.unlink(o)
		c.dev.stats.evicted.Add(1)
		if err := c.dev.destroy(o); err != nil {
			errs = multierror.Append(errs, err)
		}
		cnt++
	}

	if cnt > 0 {
		log.Debug("evicted all %d cached objects", cnt)
	}

	return errs.ErrorOrNil()
}

// unlink removes an object from its bucket and the LRU list. The cache
// must be locked.
func (c *Cache) unlink(o *BufferObject) {
	if o.bucket == nil {
		log.Panic("%s: unlinking uncached object", o)
	}
	c.buckets[c.BucketIndex(o.size)].Remove(o.bucket)
	o.bucket = nil
	c.lru.Remove(o)
	c.bytes -= o.size
}

// Contains returns true if the object is in the cache.
func (c *Cache) Contains(o *BufferObject) bool {
	c.Lock()
	defer c.Unlock()
	return o.bucket != nil && c.lru.Contains(o)
}
