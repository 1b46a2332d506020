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
	"encoding/csv"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PBSProvisioner creates clusters of workers on the nodes allocated to
// a PBS job. A worker process is spawned on each node, by default with
// the external ssh command, and connected to over net/rpc.
type PBSProvisioner struct {
	// Nodes lists the worker hosts. If empty, the nodes are read
	// from $PBS_NODEFILE.
	Nodes []string

	// Command is the command run on each node to start a worker, e.g.
	// "nacordex worker --rpcport=6060".
	Command string

	// RPCPort is the port the workers listen on. The default is RPCPort.
	RPCPort string

	// LogDir is the directory that worker output is written to.
	// The default is the current directory.
	LogDir string

	// StartupTime specifies how long a worker is expected to take to
	// initialize. The default is 3 minutes.
	StartupTime time.Duration

	// Spawn starts a worker on addr and returns a function that stops
	// it. If nil, the worker is started with ssh.
	Spawn func(addr string) (stop func() error, err error)

	Log logrus.FieldLogger
}

// Create spawns the workers and connects to them.
func (p *PBSProvisioner) Create(ctx context.Context) (Cluster, error) {
	nodes := p.Nodes
	if len(nodes) == 0 {
		var err error
		if nodes, err = PBSNodes(); err != nil {
			return nil, fmt.Errorf("cluster: %w", err)
		}
	}
	port := p.RPCPort
	if port == "" {
		port = RPCPort
	}
	startup := p.StartupTime
	if startup == 0 {
		startup = 3 * time.Minute
	}
	spawn := p.Spawn
	if spawn == nil {
		spawn = p.sshSpawn
	}
	c := newRPCCluster(PBS, p.Log)
	var stops []func() error
	c.teardown = func(ctx context.Context) error {
		var err error
		for _, stop := range stops {
			if e := stop(); e != nil && err == nil {
				err = e
			}
		}
		return err
	}
	for _, addr := range nodes {
		c.log.WithField("node", addr).Info("cluster: spawning worker")
		stop, err := spawn(addr)
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("cluster: spawning worker on %s: %w", addr, err)
		}
		stops = append(stops, stop)
		client, err := dialWorker(ctx, net.JoinHostPort(addr, port), startup, c.log)
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		c.addWorker(addr, client)
	}
	return c, nil
}

// sshSpawn executes an external process to spawn a worker at the
// address addr using the external "ssh" command. Output from the worker
// is routed to the directory LogDir.
func (p *PBSProvisioner) sshSpawn(addr string) (func() error, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("no worker command specified")
	}
	cmd := exec.Command("ssh", addr, p.Command)
	f, err := os.Create(filepath.Join(p.LogDir, addr+".log"))
	if err != nil {
		return nil, err
	}
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return func() error {
		defer f.Close()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			// The worker should have exited after the Exit call.
			cmd.Process.Kill()
			<-done
		}
		return nil
	}, nil
}

// PBSNodes reads the contents of $PBS_NODEFILE and returns a sorted list
// of unique nodes.
func PBSNodes() ([]string, error) {
	fname := os.Getenv("PBS_NODEFILE")
	if fname == "" {
		return nil, fmt.Errorf("$PBS_NODEFILE not defined")
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	lines, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	nodesMap := make(map[string]struct{})
	for _, l := range lines {
		if n := strings.TrimSpace(l[0]); n != "" {
			nodesMap[n] = struct{}{}
		}
	}
	var nodes []string
	for n := range nodesMap {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("$PBS_NODEFILE %s lists no nodes", fname)
	}
	return nodes, nil
}
