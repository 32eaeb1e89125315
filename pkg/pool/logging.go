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
	"sync"

	logger "github.com/containers/gpumem/pkg/log"
	"github.com/containers/gpumem/pkg/utils"
)

var (
	log     = logger.Get("pool")
	details = logger.Get("pool-details")

	unguardedWarning sync.Once
)

// DumpStats logs pool statistics.
func (p *Pool) DumpStats(prefix string) {
	s := p.Stats()
	log.Info("%s%s: %d allocations (%s), %d backing objects (%d freelist hits), "+
		"%d tracked, %d oversized", prefix, p.label, s.Allocs, utils.PrettySize(s.AllocBytes),
		s.Backings, s.FreelistHits, s.Tracked, s.Oversized)
}
