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
	"sync"

	"github.com/containers/gpumem/pkg/kmd"
)

// registry tracks every live object of a device by kernel handle. It
// deduplicates imports and serializes them against the final release
// of an object.
type registry struct {
	sync.Mutex
	objects map[kmd.Handle]*BufferObject
}

func newRegistry() *registry {
	return &registry{
		objects: make(map[kmd.Handle]*BufferObject),
	}
}

// add registers an object. The registry must be locked.
func (r *registry) add(o *BufferObject) {
	if old, ok := r.objects[o.handle]; ok && old != o {
		log.Panic("%s: handle already registered to %s", o, old)
	}
	r.objects[o.handle] = o
}

// remove unregisters an object. The registry must be locked.
func (r *registry) remove(o *BufferObject) {
	if r.objects[o.handle] == o {
		delete(r.objects, o.handle)
	}
}

// lookup finds the object for a handle. The registry must be locked.
func (r *registry) lookup(h kmd.Handle) *BufferObject {
	return r.objects[h]
}

// live returns all registered objects sorted by handle.
func (r *registry) live() []*BufferObject {
	r.Lock()
	defer r.Unlock()

	objects := make([]*BufferObject, 0, len(r.objects))
	for _, o := range r.objects {
		objects = append(objects, o)
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].handle < objects[j].handle
	})

	return objects
}

func (r *registry) len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.objects)
}
