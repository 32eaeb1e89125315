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

//go:build linux

package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"

	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/containers/gpumem/pkg/apis/config/v1alpha1"
	"github.com/containers/gpumem/pkg/bo"
	"github.com/containers/gpumem/pkg/kmd"
	"github.com/containers/gpumem/pkg/pool"
	"github.com/containers/gpumem/pkg/utils"
)

// workload describes the synthetic frames replayed by each worker.
type workload struct {
	workers int
	frames  int
	allocs  int
	maxSize uint64
	seed    int64
	// reclaim, if set, is called by the first worker after every
	// reclaimEvery frames.
	reclaim      func() error
	reclaimEvery int
	// closeFd closes exported file descriptors.
	closeFd func(int) error
}

// result summarizes a replay.
type result struct {
	frames   int
	allocs   uint64
	bytes    uint64
	handles  int
	backings uint64
	hits     uint64
	shared   int
}

func (r *result) add(o *result) {
	r.frames += o.frames
	r.allocs += o.allocs
	r.bytes += o.bytes
	r.handles += o.handles
	r.backings += o.backings
	r.hits += o.hits
	r.shared += o.shared
}

func (r *result) String() string {
	return fmt.Sprintf("%d frames, %d allocations of %s total, %d handles submitted, "+
		"%d backing objects (%d from freelists), %d shared objects",
		r.frames, r.allocs, utils.PrettySize(r.bytes), r.handles, r.backings, r.hits, r.shared)
}

var alignments = []uint64{1, 4, 16, 64, 256, 4096}

// replay runs the workload against the device and returns the combined
// results of all workers.
func replay(dev *bo.Device, cfg *cfgapi.Pool, w workload) (*result, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		total   = &result{}
		errs    *multierror.Error
		workers = max(w.workers, 1)
	)

	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			res, err := runWorker(dev, cfg, w, id)
			mu.Lock()
			defer mu.Unlock()
			total.add(res)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("worker #%d: %w", id, err))
			}
		}(id)
	}
	wg.Wait()

	return total, errs.ErrorOrNil()
}

func runWorker(dev *bo.Device, cfg *cfgapi.Pool, w workload, id int) (*result, error) {
	var (
		res      = &result{}
		rng      = rand.New(rand.NewSource(w.seed + int64(id)))
		label    = fmt.Sprintf("worker#%d", id)
		freelist = pool.NewFreelist(utils.RoundUp(cfg.GetSlabSize(), dev.PageSize()), 0)
		maxSize  = min(max(w.maxSize, 1), pool.MaxAllocSize)
	)
	defer freelist.Close()

	if err := shareObject(dev, w, label); err != nil {
		return res, err
	}
	res.shared++

	p, err := pool.New(dev,
		pool.WithConfig(cfg),
		pool.WithFreelist(freelist),
		pool.WithLabel(label),
	)
	if err != nil {
		return res, err
	}
	defer func() {
		s := p.Stats()
		res.allocs = s.Allocs
		res.bytes = s.AllocBytes
		res.backings = s.Backings
		res.hits = s.FreelistHits
		p.Close()
	}()

	for frame := 0; frame < w.frames; frame++ {
		for i := 0; i < w.allocs; i++ {
			size := 1 + uint64(rng.Int63n(int64(maxSize)))
			alignment := min(alignments[rng.Intn(len(alignments))], dev.PageSize())
			ptr, err := p.Alloc(size, alignment)
			if err != nil {
				return res, fmt.Errorf("frame #%d: %w", frame, err)
			}
			if ptr.CPU != nil {
				ptr.CPU[0] = byte(i)
				ptr.CPU[len(ptr.CPU)-1] = byte(frame)
			}
		}

		handles := p.CollectHandles()
		if err := retire(dev, handles); err != nil {
			return res, fmt.Errorf("frame #%d: %w", frame, err)
		}
		res.handles += len(handles)
		res.frames++

		log.Debugf("%s: frame #%d used %d backing objects", label, frame, len(handles))
		p.Reset()

		if id == 0 && w.reclaim != nil && w.reclaimEvery > 0 && (frame+1)%w.reclaimEvery == 0 {
			if err := w.reclaim(); err != nil {
				return res, err
			}
		}
	}

	return res, nil
}

// retire waits for the submitted objects to become idle, as if the GPU
// had finished the frame.
func retire(dev *bo.Device, handles []kmd.Handle) error {
	var errs *multierror.Error
	for _, h := range handles {
		o := dev.Lookup(h)
		if o == nil {
			errs = multierror.Append(errs, fmt.Errorf("submitted object %s not found", h))
			continue
		}
		if _, err := o.Wait(kmd.Infinite, true); err != nil {
			errs = multierror.Append(errs, err)
		}
		o.Unref()
	}
	return errs.ErrorOrNil()
}

// shareObject exports a shareable object and imports it back, checking
// that both references see the same memory.
func shareObject(dev *bo.Device, w workload, label string) error {
	o, err := dev.Create(dev.PageSize(), bo.Shareable, label+"/shared")
	if err != nil {
		return err
	}
	defer o.Unref()

	fd, err := o.Export()
	if err != nil {
		return err
	}
	if w.closeFd != nil {
		defer w.closeFd(fd)
	}

	imp, err := dev.Import(fd)
	if err != nil {
		return err
	}
	defer imp.Unref()

	if imp.Handle() != o.Handle() {
		return fmt.Errorf("import of %s returned %s", o, imp)
	}

	copy(o.CPU(), label)
	if !bytes.HasPrefix(imp.CPU(), []byte(label)) {
		return fmt.Errorf("shared object %s content mismatch", o)
	}

	return nil
}
