// Package registry registers the relay with Consul so load balancers can
// discover healthy instances.
package registry

import (
	"fmt"
	"strconv"

	consul "github.com/hashicorp/consul/api"
)

// ConsulRegistry registers one relay instance as a service.
type ConsulRegistry struct {
	client    *consul.Client
	serviceID string
	port      int
}

// NewConsulRegistry connects to the Consul agent.
func NewConsulRegistry(addr, serverID, port string) (*ConsulRegistry, error) {
	client, err := consul.NewClient(&consul.Config{Address: addr})
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return &ConsulRegistry{
		client:    client,
		serviceID: "chai-relay-" + serverID,
		port:      p,
	}, nil
}

// Register announces the instance with an HTTP health check on /health.
func (r *ConsulRegistry) Register() error {
	return r.client.Agent().ServiceRegister(&consul.AgentServiceRegistration{
		ID:   r.serviceID,
		Name: "chai-relay",
		Port: r.port,
		Check: &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://localhost:%d/health", r.port),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	})
}

// Deregister removes the instance from the catalog.
func (r *ConsulRegistry) Deregister() error {
	return r.client.Agent().ServiceDeregister(r.serviceID)
}
