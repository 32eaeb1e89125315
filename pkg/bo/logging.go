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
	"sort"

	logger "github.com/containers/gpumem/pkg/log"
	"github.com/containers/gpumem/pkg/utils"
)

var (
	log     = logger.Get("bo")
	details = logger.Get("bo-details")
)

// DumpStats logs device statistics.
func (d *Device) DumpStats(context ...interface{}) {
	prefix := formatPrefix(context...)
	s := d.Stats()

	log.Info("%sobjects: %d live, %d created, %d destroyed, %d imported, %d leaked",
		prefix, s.Live, s.Created, s.Destroyed, s.Imported, s.Leaked)
	log.Info("%scache: %d objects (%s), %d hits, %d misses, %d evicted, %d purged",
		prefix, s.Cache.Objects, utils.PrettySize(s.Cache.Bytes), s.CacheHits, s.CacheMisses,
		s.Evicted, s.Purged)

	steps := make([]string, 0, len(s.Steps))
	for name := range s.Steps {
		steps = append(steps, name)
	}
	sort.Strings(steps)
	for _, name := range steps {
		log.Info("%s  allocation step %s: %d", prefix, name, s.Steps[name])
	}
}

// DumpCache logs the content of the object cache, if bo-details debugging
// is enabled.
func (c *Cache) DumpCache(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	c.Lock()
	defer c.Unlock()

	if c.lru.Len() == 0 {
		details.Debug("%s  cache is empty", prefix)
		return
	}

	now := c.dev.clock.Now()
	for i, b := range c.buckets {
		if b.Len() == 0 {
			continue
		}
		details.Debug("%s  bucket #%d (2^%d):", prefix, i, c.minShift+i)
		for e := b.Front(); e != nil; e = e.Next() {
			o := e.Value.(*BufferObject)
			details.Debug("%s    - %s, %s, idle %s", prefix, o, o.flags, now.Sub(o.lastUsed))
		}
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!bo:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
