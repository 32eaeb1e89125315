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
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Strategy is a single step of the allocation ladder of Device.Create.
// Try returns nil, without an error, if the step found nothing to offer.
// A failing step is logged and the next step is tried.
type Strategy struct {
	Name string
	Try  func(d *Device, size uint64, flags Flags) (*BufferObject, error)
}

// Names of the default allocation ladder steps.
const (
	StepCache      = "cache"
	StepKernel     = "kernel"
	StepCacheWait  = "cache-wait"
	StepEvictRetry = "evict-and-retry"
)

// DefaultLadder returns the default allocation ladder. It tries an idle
// cached object first, then a new kernel object, then waits for a busy
// cached object, and finally empties the cache before trying the kernel
// one last time.
func DefaultLadder() []Strategy {
	return []Strategy{
		{Name: StepCache, Try: tryCache},
		{Name: StepKernel, Try: tryKernel},
		{Name: StepCacheWait, Try: tryCacheWait},
		{Name: StepEvictRetry, Try: tryEvictAndRetry},
	}
}

func tryCache(d *Device, size uint64, flags Flags) (*BufferObject, error) {
	o := d.cache.fetch(size, flags, false)
	if o == nil {
		d.stats.misses.Add(1)
		return nil, nil
	}
	d.stats.hits.Add(1)
	return o, nil
}

func tryKernel(d *Device, size uint64, flags Flags) (*BufferObject, error) {
	return d.createFresh(size, flags)
}

func tryCacheWait(d *Device, size uint64, flags Flags) (*BufferObject, error) {
	o := d.cache.fetch(size, flags, true)
	if o != nil {
		d.stats.hits.Add(1)
	}
	return o, nil
}

func tryEvictAndRetry(d *Device, size uint64, flags Flags) (*BufferObject, error) {
	if err := d.cache.EvictAll(); err != nil {
		log.Warn("failed to fully evict cache: %v", err)
	}
	return d.createFresh(size, flags)
}

// allocate runs the allocation ladder until a step provides an object.
func (d *Device) allocate(size uint64, flags Flags) (*BufferObject, error) {
	var errs *multierror.Error

	for _, s := range d.ladder {
		o, err := s.Try(d, size, flags)
		if err != nil {
			log.Debug("allocation step %s for %d bytes (%s) failed: %v", s.Name, size, flags, err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		if o == nil {
			details.Debug("allocation step %s for %d bytes (%s) had nothing", s.Name, size, flags)
			continue
		}

		d.steps[s.Name].Add(1)
		details.Debug("allocated %s by step %s", o, s.Name)
		return o, nil
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: failed to allocate %d bytes (%s): %w", ErrNoMem, size, flags, err)
	}
	return nil, fmt.Errorf("%w: failed to allocate %d bytes (%s)", ErrNoMem, size, flags)
}
