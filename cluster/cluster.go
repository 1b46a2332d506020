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

// Package cluster provides the compute backends that serve block reads
// of gridded datasets: a local worker pool, net/rpc workers spawned on
// the nodes of a PBS job, and worker pods run as a Kubernetes job behind
// a gateway.
package cluster

import (
	"context"
	"fmt"
	"strings"
)

// Backend identifies a kind of cluster.
type Backend int

// These are the supported backends.
const (
	Local Backend = iota
	PBS
	Gateway
)

func (b Backend) String() string {
	switch b {
	case Local:
		return "local"
	case PBS:
		return "pbs"
	case Gateway:
		return "gateway"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend returns the backend with the given name.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return Local, nil
	case "pbs":
		return PBS, nil
	case "gateway", "kubernetes", "k8s":
		return Gateway, nil
	default:
		return Local, fmt.Errorf("cluster: unknown backend %q", s)
	}
}

// BlockRequest asks for the hyperslab [Begin, End) of Variable in the
// dataset at Location.
type BlockRequest struct {
	Location string
	Variable string
	Begin    []int
	End      []int
}

// Key uniquely identifies the request.
func (r BlockRequest) Key() string {
	return fmt.Sprintf("%s|%s|%v|%v", r.Location, r.Variable, r.Begin, r.End)
}

// Block holds the result of a BlockRequest in row-major order.
type Block struct {
	Data []float64
}

// Empty is used for passing content-less messages.
type Empty struct{}

// Cluster serves block reads.
type Cluster interface {
	// Backend returns the kind of cluster.
	Backend() Backend

	// Workers returns the number of workers in the cluster.
	Workers() int

	// Fetch reads the requested blocks, in parallel across the workers.
	// The results are in the same order as the requests.
	Fetch(ctx context.Context, reqs []BlockRequest) ([][]float64, error)

	// Close shuts down the workers and releases any resources held by
	// the cluster.
	Close(ctx context.Context) error
}

// Provisioner creates clusters.
type Provisioner interface {
	Create(ctx context.Context) (Cluster, error)
}
