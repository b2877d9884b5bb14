// Package client implements the service-view RPC client: resolving a
// (name, version, region) to a locality-ranked endpoint via the registry,
// borrowing a pooled connection, and retrying across endpoints when the
// chosen one refuses the connection, per spec.md §4.F.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"syscall"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/skynetservices/skynet/pkg/types"
	"github.com/skynetservices/skynet/registry"
	"github.com/skynetservices/skynet/rpc/transport"
)

// maxEndpointRetries bounds how many times a single Call retries on a
// newly-selected endpoint after its first attempt is refused, before
// surfacing the last connection failure (spec.md §4.F).
const maxEndpointRetries = 3

// Reply is the decoded result of a successful call.
type Reply = bson.M

// Client is a bound (name, version, region) service view: every call
// resolves endpoints fresh from the registry, so it stays correct across
// topology changes without re-creating the Client.
type Client struct {
	reg     registry.Registry
	mgr     *transport.Manager
	name    string
	version string
	region  string

	mu        sync.Mutex
	accessors map[string]func(any) (Reply, error)
}

// New returns a Client bound to (name, version, region), resolving
// endpoints through reg and invoking calls through mgr.
func New(reg registry.Registry, mgr *transport.Manager, name, version, region string) *Client {
	return &Client{
		reg:       reg,
		mgr:       mgr,
		name:      name,
		version:   version,
		region:    region,
		accessors: make(map[string]func(any) (Reply, error)),
	}
}

// Call resolves an endpoint for the client's service, invokes method with
// params, and retries on a freshly-selected endpoint when the failure is a
// ConnectionFailure rooted in ECONNREFUSED, per spec.md §4.F steps 1-4.
func (c *Client) Call(ctx context.Context, method string, params any) (Reply, error) {
	var lastErr error
	tried := make(map[types.Endpoint]bool)

	for attempt := 0; attempt <= maxEndpointRetries; attempt++ {
		ep, err := c.pickEndpoint(tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[ep] = true

		requestID := fmt.Sprintf("%s-%d", c.name, rand.Int63())
		out, err := transport.Call(ctx, c.mgr, string(ep), requestID, c.name, method, params, false)
		if err == nil {
			return out, nil
		}

		lastErr = err
		if !isRefused(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// Bind returns a closure over method for spec.md §9's method-missing-style
// facade. A closure is cached on the Client after its first successful
// call; later Binds of the same method return that cached closure.
func (c *Client) Bind(method string) func(any) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fn, ok := c.accessors[method]; ok {
		return fn
	}

	var fn func(any) (Reply, error)
	fn = func(params any) (Reply, error) {
		out, err := c.Call(context.Background(), method, params)
		if err == nil {
			c.mu.Lock()
			if _, ok := c.accessors[method]; !ok {
				c.accessors[method] = fn
			}
			c.mu.Unlock()
		}
		return out, err
	}
	return fn
}

// pickEndpoint selects uniformly at random within the registry's
// highest-scoring group, excluding endpoints already tried this call.
func (c *Client) pickEndpoint(exclude map[types.Endpoint]bool) (types.Endpoint, error) {
	group, err := c.reg.TopGroup(c.name, c.version, c.region)
	if err != nil {
		return "", err
	}

	var candidates []types.Endpoint
	for _, ep := range group {
		if !exclude[ep] {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		candidates = group
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("client: no endpoints available for %s/%s/%s", c.name, c.version, c.region)
	}

	return candidates[rand.Intn(len(candidates))], nil
}

// isRefused reports whether err is a transport.ConnectionFailure rooted in
// ECONNREFUSED, the only connection failure spec.md §4.F retries across
// endpoints for.
func isRefused(err error) bool {
	var cf *transport.ConnectionFailure
	if !errors.As(err, &cf) {
		return false
	}
	return errors.Is(cf.Err, syscall.ECONNREFUSED)
}
