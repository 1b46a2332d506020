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
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	batch "k8s.io/api/batch/v1"
	core "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// GatewayProvisioner creates clusters of worker pods, run as a single
// Kubernetes job, and connects to them over net/rpc.
type GatewayProvisioner struct {
	Client kubernetes.Interface

	// Namespace holds the job. The default is "nacordex".
	Namespace string

	// Name is the job name. The default is "nacordex-workers".
	Name string

	// Image holds the container image to be used.
	// The default is "nacordex/nacordex:latest".
	Image string

	// Workers is the number of worker pods. The default is 4.
	Workers int32

	// MemoryGB is the memory requested by each worker. The default is 4.
	MemoryGB int32

	// RPCPort is the port the workers listen on. The default is RPCPort.
	RPCPort string

	// StartupTime is how long to wait for the pods to start running.
	// The default is 10 minutes.
	StartupTime time.Duration

	Log logrus.FieldLogger
}

// Worker pods are labeled app=workerLabel and jobLabel=<job name>.
const (
	workerLabel = "nacordex-worker"
	jobLabel    = "nacordex-job"
)

// NewKubernetesClient returns a client for the cluster described by the
// given kubeconfig file, or for the cluster the program is running in
// if kubeconfig is empty.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("cluster: kubernetes configuration: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func (g *GatewayProvisioner) defaults() GatewayProvisioner {
	o := *g
	if o.Namespace == "" {
		o.Namespace = "nacordex"
	}
	if o.Name == "" {
		o.Name = "nacordex-workers"
	}
	if o.Image == "" {
		o.Image = "nacordex/nacordex:latest"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MemoryGB <= 0 {
		o.MemoryGB = 4
	}
	if o.RPCPort == "" {
		o.RPCPort = RPCPort
	}
	if o.StartupTime == 0 {
		o.StartupTime = 10 * time.Minute
	}
	return o
}

// Create creates the worker job, waits for its pods to be running, and
// connects to them.
func (g *GatewayProvisioner) Create(ctx context.Context) (Cluster, error) {
	if g.Client == nil {
		return nil, fmt.Errorf("cluster: no kubernetes client")
	}
	o := g.defaults()
	c := newRPCCluster(Gateway, o.Log)
	jobs := o.Client.BatchV1().Jobs(o.Namespace)
	c.teardown = func(ctx context.Context) error {
		p := meta.DeletePropagationForeground
		c.log.WithField("job", o.Name).Info("cluster: deleting worker job")
		return jobs.Delete(ctx, o.Name, meta.DeleteOptions{PropagationPolicy: &p})
	}

	job := workerJob(o.Name, o.Image, o.RPCPort, o.Workers, core.ResourceList{
		core.ResourceMemory: resource.MustParse(fmt.Sprintf("%dGi", o.MemoryGB)),
	})
	if _, err := jobs.Create(ctx, job, meta.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("cluster: creating worker job: %w", err)
	}
	c.log.WithFields(logrus.Fields{"job": o.Name, "workers": o.Workers}).Info("cluster: created worker job")

	addrs, err := o.waitForPods(ctx, c.log)
	if err != nil {
		c.Close(ctx)
		return nil, err
	}
	for _, addr := range addrs {
		client, err := dialWorker(ctx, addr, o.StartupTime, c.log)
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		c.addWorker(addr, client)
	}
	return c, nil
}

// waitForPods returns the RPC addresses of the job's pods once all of
// them are running.
func (g GatewayProvisioner) waitForPods(ctx context.Context, log logrus.FieldLogger) ([]string, error) {
	pods := g.Client.CoreV1().Pods(g.Namespace)
	selector := fmt.Sprintf("app=%s,%s=%s", workerLabel, jobLabel, g.Name)
	var addrs []string
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = g.StartupTime
	err := backoff.RetryNotify(func() error {
		list, err := pods.List(ctx, meta.ListOptions{LabelSelector: selector})
		if err != nil {
			return backoff.Permanent(err)
		}
		addrs = addrs[:0]
		for _, p := range list.Items {
			if p.Status.Phase == core.PodRunning && p.Status.PodIP != "" {
				addrs = append(addrs, net.JoinHostPort(p.Status.PodIP, g.RPCPort))
			}
		}
		if len(addrs) < int(g.Workers) {
			return fmt.Errorf("%d of %d worker pods running", len(addrs), g.Workers)
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Debugf("cluster: %v; checking again in %v", err, d)
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: waiting for worker pods: %w", err)
	}
	return addrs[:g.Workers], nil
}

// workerJob creates a Kubernetes job specification with the given name
// that runs n worker pods using the given container image.
// resources specifies the minimum required resources for each pod.
func workerJob(name, image, port string, n int32, resources core.ResourceList) *batch.Job {
	return &batch.Job{
		TypeMeta: meta.TypeMeta{
			Kind:       "Job",
			APIVersion: "batch/v1",
		},
		ObjectMeta: meta.ObjectMeta{
			Name: name,
		},
		Spec: batch.JobSpec{
			Parallelism: &n,
			Completions: &n,
			Template: core.PodTemplateSpec{
				ObjectMeta: meta.ObjectMeta{
					Labels: map[string]string{"app": workerLabel, jobLabel: name},
				},
				Spec: core.PodSpec{
					Containers: []core.Container{
						{
							Name:    "nacordex-worker",
							Image:   image,
							Command: []string{"nacordex", "worker", "--rpcport=" + port},
							Ports: []core.ContainerPort{{
								Name:          "rpc",
								ContainerPort: portNumber(port),
							}},
							Resources: core.ResourceRequirements{
								Requests: resources,
							},
						},
					},
					RestartPolicy: core.RestartPolicyOnFailure,
				},
			},
		},
	}
}

func portNumber(port string) int32 {
	var p int32
	fmt.Sscanf(port, "%d", &p)
	return p
}
