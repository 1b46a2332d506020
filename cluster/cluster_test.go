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
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spatialmodel/nacordex/source"
	batch "k8s.io/api/batch/v1"
	core "k8s.io/api/core/v1"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const testLocation = "mem://cluster_test/tas.zarr"

// testOpener opens an in-memory dataset with a 2x3 variable "tas".
func testOpener(opened *int) source.Opener {
	return func(ctx context.Context, location string) (source.Source, error) {
		if location != testLocation {
			return nil, fmt.Errorf("no dataset at %s", location)
		}
		if opened != nil {
			*opened++
		}
		m := source.NewMemory()
		err := m.Add("tas", &source.MemVar{
			Dims:  []string{"time", "x"},
			Shape: []int{2, 3},
			Data:  []float64{1, 2, 3, 4, 5, 6},
		})
		return m, err
	}
}

var testRequests = []BlockRequest{
	{Location: testLocation, Variable: "tas", Begin: []int{0, 0}, End: []int{1, 3}},
	{Location: testLocation, Variable: "tas", Begin: []int{1, 1}, End: []int{2, 3}},
	{Location: testLocation, Variable: "tas", Begin: []int{0, 0}, End: []int{1, 3}},
}

var testResults = [][]float64{{1, 2, 3}, {5, 6}, {1, 2, 3}}

func TestParseBackend(t *testing.T) {
	for s, want := range map[string]Backend{"": Local, "local": Local, "PBS": PBS, "gateway": Gateway, "k8s": Gateway} {
		b, err := ParseBackend(s)
		if err != nil || b != want {
			t.Errorf("%q: have (%v, %v), want %v", s, b, err, want)
		}
	}
	if _, err := ParseBackend("slurm"); err == nil {
		t.Error("unknown backend should fail")
	}
	if PBS.String() != "pbs" {
		t.Errorf("String: %s", PBS)
	}
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	var opened int
	c := NewLocal(2, testOpener(&opened), nil)
	defer c.Close(ctx)
	if c.Backend() != Local || c.Workers() != 2 {
		t.Errorf("backend %v, workers %d", c.Backend(), c.Workers())
	}
	have, err := c.Fetch(ctx, testRequests)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(have, testResults) {
		t.Errorf("have %v, want %v", have, testResults)
	}
	if opened != 1 {
		t.Errorf("dataset opened %d times", opened)
	}
	_, err = c.Fetch(ctx, []BlockRequest{{Location: "mem://missing/x.zarr", Variable: "tas", Begin: []int{0}, End: []int{1}}})
	if err == nil {
		t.Error("missing dataset should fail")
	}
	_, err = c.Fetch(ctx, []BlockRequest{{Location: testLocation, Variable: "tas", Begin: []int{0, 0}, End: []int{3, 3}}})
	if err == nil {
		t.Error("out of bounds block should fail")
	}
}

// startWorker serves a worker on a local port and returns the port and
// a channel that receives the result of Serve.
func startWorker(t *testing.T) (string, chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	w := NewWorker(testOpener(nil), nil)
	go func() { done <- Serve(context.Background(), w, l) }()
	return port, done
}

func waitExit(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("worker: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("worker did not exit")
	}
}

func TestPBS(t *testing.T) {
	ctx := context.Background()
	port, done := startWorker(t)
	var spawned []string
	p := &PBSProvisioner{
		Nodes:       []string{"127.0.0.1"},
		RPCPort:     port,
		StartupTime: 5 * time.Second,
		Spawn: func(addr string) (func() error, error) {
			spawned = append(spawned, addr)
			return func() error { return nil }, nil
		},
	}
	c, err := p.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend() != PBS || c.Workers() != 1 || !reflect.DeepEqual(spawned, []string{"127.0.0.1"}) {
		t.Errorf("backend %v, workers %d, spawned %v", c.Backend(), c.Workers(), spawned)
	}
	have, err := c.Fetch(ctx, testRequests)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(have, testResults) {
		t.Errorf("have %v, want %v", have, testResults)
	}
	_, err = c.Fetch(ctx, []BlockRequest{{Location: testLocation, Variable: "pr", Begin: []int{0, 0}, End: []int{1, 1}}})
	if err == nil {
		t.Error("missing variable should fail")
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	waitExit(t, done)
	if _, err := c.Fetch(ctx, testRequests); !errors.Is(err, ErrClosed) {
		t.Errorf("fetch after close: have %v, want ErrClosed", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestPBSNodes(t *testing.T) {
	f := filepath.Join(t.TempDir(), "nodefile")
	if err := os.WriteFile(f, []byte("node2\nnode1\nnode2\nnode1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PBS_NODEFILE", f)
	nodes, err := PBSNodes()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nodes, []string{"node1", "node2"}) {
		t.Errorf("have %v", nodes)
	}
	t.Setenv("PBS_NODEFILE", "")
	if _, err := PBSNodes(); err == nil {
		t.Error("unset $PBS_NODEFILE should fail")
	}
}

// fakeRun creates running pods for each job that is created.
func fakeRun(k *fake.Clientset) func(action k8stesting.Action) (bool, runtime.Object, error) {
	return func(action k8stesting.Action) (bool, runtime.Object, error) {
		job := action.(k8stesting.CreateAction).GetObject().(*batch.Job)
		for i := int32(0); i < *job.Spec.Parallelism; i++ {
			pod := &core.Pod{
				ObjectMeta: meta.ObjectMeta{
					Name:      fmt.Sprintf("%s-%d", job.Name, i),
					Namespace: action.GetNamespace(),
					Labels:    job.Spec.Template.Labels,
				},
				Status: core.PodStatus{Phase: core.PodRunning, PodIP: "127.0.0.1"},
			}
			if err := k.Tracker().Add(pod); err != nil {
				return true, nil, err
			}
		}
		return false, job, nil
	}
}

func TestGateway_fake(t *testing.T) {
	ctx := context.Background()
	port, done := startWorker(t)
	k := fake.NewSimpleClientset()
	k.Fake.PrependReactor("create", "jobs", fakeRun(k))

	g := &GatewayProvisioner{
		Client:      k,
		Namespace:   "test",
		Workers:     2,
		RPCPort:     port,
		StartupTime: 5 * time.Second,
	}
	c, err := g.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend() != Gateway || c.Workers() != 2 {
		t.Errorf("backend %v, workers %d", c.Backend(), c.Workers())
	}
	job, err := k.BatchV1().Jobs("test").Get(ctx, "nacordex-workers", meta.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if have := job.Spec.Template.Spec.Containers[0].Command; !reflect.DeepEqual(have, []string{"nacordex", "worker", "--rpcport=" + port}) {
		t.Errorf("command: %v", have)
	}
	have, err := c.Fetch(ctx, testRequests)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(have, testResults) {
		t.Errorf("have %v, want %v", have, testResults)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	waitExit(t, done)
	jobs, err := k.BatchV1().Jobs("test").List(ctx, meta.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs.Items) != 0 {
		t.Errorf("%d jobs remain after Close", len(jobs.Items))
	}
}

func TestGateway_noPods(t *testing.T) {
	ctx := context.Background()
	k := fake.NewSimpleClientset()
	g := &GatewayProvisioner{Client: k, StartupTime: 500 * time.Millisecond}
	if _, err := g.Create(ctx); err == nil {
		t.Fatal("expected timeout waiting for pods")
	}
	jobs, _ := k.BatchV1().Jobs("nacordex").List(ctx, meta.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Errorf("job not deleted after failed Create")
	}
	var nilClient GatewayProvisioner
	if _, err := nilClient.Create(ctx); err == nil {
		t.Error("missing client should fail")
	}
}

func TestContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewLocal(1, testOpener(nil), nil)
	defer c.Close(context.Background())
	if _, err := c.Fetch(ctx, testRequests[:1]); !errors.Is(err, context.Canceled) {
		t.Errorf("have %v, want context.Canceled", err)
	}
}
