/*
Copyright © 2024 the nacordex authors.
This file is part of nacordex.

nacordex is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

nacordex is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with nacordex.  If not, see <http://www.gnu.org/licenses/>.
*/

package cluster

import (
	"context"
	"runtime"
	"sync"

	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex/source"
)

// LocalCluster serves block reads from a pool of goroutines in the
// current process.
type LocalCluster struct {
	w       *Worker
	cache   *requestcache.Cache
	workers int
}

// NewLocal creates a local cluster with the given number of workers,
// where open is used to open datasets. If workers is zero,
// runtime.GOMAXPROCS(-1) is used.
func NewLocal(workers int, open source.Opener, log logrus.FieldLogger) *LocalCluster {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(-1)
	}
	c := &LocalCluster{w: NewWorker(open, log), workers: workers}
	c.cache = requestcache.NewCache(func(ctx context.Context, req interface{}) (interface{}, error) {
		return c.w.fetch(ctx, req.(BlockRequest))
	}, workers, requestcache.Deduplicate())
	return c
}

// Create returns c itself. It allows a LocalCluster to be used as a
// Provisioner.
func (c *LocalCluster) Create(ctx context.Context) (Cluster, error) { return c, nil }

func (c *LocalCluster) Backend() Backend { return Local }

func (c *LocalCluster) Workers() int { return c.workers }

// Fetch reads the requested blocks in parallel. Identical requests that
// are in flight at the same time are read once.
func (c *LocalCluster) Fetch(ctx context.Context, reqs []BlockRequest) ([][]float64, error) {
	out := make([][]float64, len(reqs))
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, r := range reqs {
		wg.Add(1)
		go func(i int, r BlockRequest) {
			defer wg.Done()
			res, err := c.cache.NewRequest(ctx, r, r.Key()).Result()
			if err != nil {
				errs[i] = err
				return
			}
			// Deduplicated requests share a result.
			out[i] = append([]float64(nil), res.([]float64)...)
		}(i, r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close closes the datasets opened by the cluster.
func (c *LocalCluster) Close(ctx context.Context) error {
	return c.w.closeSources()
}
