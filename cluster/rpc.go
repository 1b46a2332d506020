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
	"errors"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Fetch after the cluster has been closed.
var ErrClosed = errors.New("cluster: cluster is closed")

// request is a block read waiting to be handled by a remote worker.
type request struct {
	ctx        context.Context
	req        BlockRequest
	result     []float64
	err        error
	returnChan chan *request
}

// rpcCluster manages and distributes block reads to a group of remote
// workers over net/rpc.
type rpcCluster struct {
	backend     Backend
	requestChan chan *request
	log         logrus.FieldLogger

	wg        sync.WaitGroup
	nWorkers  int
	closeOnce sync.Once

	// mu guards closed and the sends on requestChan.
	mu     sync.RWMutex
	closed bool

	// teardown, if not nil, is called by Close after the workers have
	// been told to exit.
	teardown func(ctx context.Context) error
}

func newRPCCluster(b Backend, log logrus.FieldLogger) *rpcCluster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &rpcCluster{
		backend:     b,
		requestChan: make(chan *request),
		log:         log,
	}
}

// dialWorker connects to the worker at addr, retrying until timeout
// elapses while the worker starts up.
func dialWorker(ctx context.Context, addr string, timeout time.Duration, log logrus.FieldLogger) (*rpc.Client, error) {
	var client *rpc.Client
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = timeout
	err := backoff.RetryNotify(func() error {
		var err error
		client, err = rpc.DialHTTP("tcp", addr)
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.WithField("address", addr).WithError(err).Debugf("cluster: worker not ready; retrying in %v", d)
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: while dialing %v: %w", addr, err)
	}
	return client, nil
}

// addWorker starts handling requests with the worker connected to client.
func (c *rpcCluster) addWorker(addr string, client *rpc.Client) {
	c.nWorkers++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for req := range c.requestChan {
			if err := req.ctx.Err(); err != nil {
				req.err = err
				req.returnChan <- req
				continue
			}
			var b Block
			req.err = client.Call("Worker.Fetch", &req.req, &b)
			req.result = b.Data
			req.returnChan <- req
		}
		// Shut the worker down after we're done with it.
		if err := client.Call("Worker.Exit", &Empty{}, &Empty{}); err != nil {
			c.log.WithField("address", addr).WithError(err).Debug("cluster: worker exit")
		}
		client.Close()
	}()
}

func (c *rpcCluster) Backend() Backend { return c.backend }

func (c *rpcCluster) Workers() int { return c.nWorkers }

// Fetch distributes the requests among the workers and waits for the
// results.
func (c *rpcCluster) Fetch(ctx context.Context, reqs []BlockRequest) ([][]float64, error) {
	if c.nWorkers == 0 {
		return nil, fmt.Errorf("cluster: %s cluster has no workers", c.backend)
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	pending := make([]*request, len(reqs))
	for i, r := range reqs {
		pending[i] = &request{ctx: ctx, req: r, returnChan: make(chan *request, 1)}
	}
	go func() {
		defer c.mu.RUnlock()
		for _, r := range pending {
			select {
			case c.requestChan <- r:
			case <-ctx.Done():
				r.err = ctx.Err()
				r.returnChan <- r
			}
		}
	}()
	out := make([][]float64, len(reqs))
	var firstErr error
	for i, r := range pending {
		rr := <-r.returnChan
		if rr.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cluster: fetching %s from %s: %w", rr.req.Variable, rr.req.Location, rr.err)
		}
		out[i] = rr.result
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Close tells the workers to exit after all existing requests have
// finished processing, then tears down the cluster.
func (c *rpcCluster) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.requestChan)
		c.mu.Unlock()
		c.wg.Wait()
		if c.teardown != nil {
			err = c.teardown(ctx)
		}
	})
	return err
}
