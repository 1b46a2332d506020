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
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex/source"
)

// RPCPort specifies the port for RPC communications. The default is
// 6060.
var RPCPort = "6060"

// Worker serves block reads. It should not be interacted with directly,
// but it is exported to meet RPC requirements.
type Worker struct {
	open source.Opener
	log  logrus.FieldLogger

	mu      sync.Mutex
	sources map[string]source.Source

	exitOnce sync.Once
	exit     chan struct{}
}

// NewWorker creates a worker that opens datasets with open.
func NewWorker(open source.Opener, log logrus.FieldLogger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		open:    open,
		log:     log,
		sources: make(map[string]source.Source),
		exit:    make(chan struct{}),
	}
}

// source returns the open source at location, opening it if necessary.
func (w *Worker) source(ctx context.Context, location string) (source.Source, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.sources[location]; ok {
		return s, nil
	}
	s, err := w.open(ctx, location)
	if err != nil {
		return nil, err
	}
	w.sources[location] = s
	return s, nil
}

func (w *Worker) fetch(ctx context.Context, req BlockRequest) ([]float64, error) {
	s, err := w.source(ctx, req.Location)
	if err != nil {
		return nil, fmt.Errorf("cluster: opening %s: %w", req.Location, err)
	}
	w.log.WithFields(logrus.Fields{
		"variable": req.Variable,
		"begin":    req.Begin,
		"end":      req.End,
	}).Debug("cluster: fetching block")
	d, err := s.ReadFloat64(ctx, req.Variable, req.Begin, req.End)
	if err != nil {
		return nil, fmt.Errorf("cluster: reading %s from %s: %w", req.Variable, req.Location, err)
	}
	return d, nil
}

// Fetch reads a block. It meets the requirements for use with rpc.Call.
func (w *Worker) Fetch(req *BlockRequest, out *Block) error {
	d, err := w.fetch(context.Background(), *req)
	if err != nil {
		return err
	}
	out.Data = d
	return nil
}

// Exit shuts down the worker. It meets the requirements for use with
// rpc.Call.
func (w *Worker) Exit(_, _ *Empty) error {
	w.exitOnce.Do(func() { close(w.exit) })
	return nil
}

// closeSources closes the sources the worker has opened.
func (w *Worker) closeSources() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	for loc, s := range w.sources {
		if e := s.Close(); e != nil && err == nil {
			err = e
		}
		delete(w.sources, loc)
	}
	return err
}

// WorkerListen directs the Worker to start listening for requests over
// RPCPort. It returns when the worker receives an Exit call or ctx is
// done.
func WorkerListen(ctx context.Context, w *Worker, RPCPort string) error {
	l, err := net.Listen("tcp", ":"+RPCPort)
	if err != nil {
		return err
	}
	return Serve(ctx, w, l)
}

// Serve serves RPC requests to w on l until w receives an Exit call or
// ctx is done. It closes l and the sources opened by w before returning.
func Serve(ctx context.Context, w *Worker, l net.Listener) error {
	srv := rpc.NewServer()
	if err := srv.Register(w); err != nil {
		l.Close()
		return err
	}
	w.log.WithField("address", l.Addr().String()).Info("cluster: started worker")
	errc := make(chan error, 1)
	go func() { errc <- http.Serve(l, srv) }()
	var err error
	select {
	case <-w.exit:
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errc:
	}
	l.Close()
	if cerr := w.closeSources(); err == nil {
		err = cerr
	}
	w.log.Info("cluster: worker exiting")
	return err
}
