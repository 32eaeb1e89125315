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

package pool

import (
	"fmt"

	"github.com/containers/gpumem/pkg/bo"
	"github.com/containers/gpumem/pkg/utils"
)

// allocGuarded allocates a dedicated backing object for a single
// allocation, placing the allocation as close to a trailing guard page as
// alignment permits.
func (p *Pool) allocGuarded(size, alignment uint64) (Ptr, error) {
	var (
		page  = p.dev.PageSize()
		guard = GuardOffset(p.dev, size)
	)

	o, err := p.dev.Create(guard+page, p.flags, p.label+"-guarded")
	if err != nil {
		return Ptr{}, fmt.Errorf("%s: failed to acquire guarded backing object: %w", p.label, err)
	}

	if _, err := o.Map(); err != nil {
		o.Unref()
		return Ptr{}, fmt.Errorf("%s: failed to map guarded backing object: %w", p.label, err)
	}

	protected, err := o.ProtectGuard(guard, page)
	if err != nil {
		o.Unref()
		return Ptr{}, err
	}
	if !protected {
		unguardedWarning.Do(func() {
			log.Warn("transport cannot protect guard pages, overflows will go unnoticed")
		})
	}

	p.setBacking(o, false)
	p.cursor = guard

	offset := utils.RoundDown(guard-size, alignment)
	p.stats.Allocs++
	p.stats.AllocBytes += size

	details.Debug("%s: guarded allocation of %d bytes at offset %d of %s", p.label,
		size, offset, o)

	return p.ptr(offset, size), nil
}

// GuardOffset returns the offset of the guard page in a backing object of
// a debug overflow pool, for an allocation of the given size.
func GuardOffset(dev *bo.Device, size uint64) uint64 {
	return utils.RoundUp(size, dev.PageSize())
}
