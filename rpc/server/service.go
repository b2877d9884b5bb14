package server

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// Handler dispatches one method call for a registered service and returns
// the BSON-encodable reply. A non-nil error is reported to the caller as
// an exception reply rather than closing the connection, per spec.md
// §4.G's "if the handler raises, respond with {exception: ...}."
type Handler func(ctx context.Context, method string, params bson.M) (any, error)

// ServiceInfo describes one registered service: its skynet identity and
// the handler dispatching its methods.
type ServiceInfo struct {
	Name    string
	Version string
	Region  string
	Handler Handler
}

// registry is the server's local service map, keyed by skynet name. Only
// one version/region of a given name may be registered on a single server
// process at a time, matching spec.md §4.G's "updates the local service
// map" (last registration for a name wins).
type registry struct {
	mu       sync.RWMutex
	services map[string]ServiceInfo
}

func newServiceRegistry() *registry {
	return &registry{services: make(map[string]ServiceInfo)}
}

// register validates svc exposes the required identity fields and a
// handler, then inserts it into the local map, per spec.md §4.G's
// register_service validation step.
func (r *registry) register(svc ServiceInfo) error {
	if svc.Name == "" {
		return fmt.Errorf("server: service registration missing skynet_name")
	}
	if svc.Version == "" {
		return fmt.Errorf("server: service %q registration missing skynet_version", svc.Name)
	}
	if svc.Region == "" {
		return fmt.Errorf("server: service %q registration missing skynet_region", svc.Name)
	}
	if svc.Handler == nil {
		return fmt.Errorf("server: service %q registration missing a method handler", svc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name] = svc
	return nil
}

func (r *registry) deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

func (r *registry) lookup(name string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// each calls fn for every registered service, in no particular order.
func (r *registry) each(fn func(ServiceInfo)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, svc := range r.services {
		fn(svc)
	}
}
