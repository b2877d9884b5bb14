// Package container is the process composition root: it owns every
// long-lived dependency a skynet process can hold — config, logger,
// coordination-store session, registry, and RPC server/pool — and tears
// them down in reverse dependency order on shutdown.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skynetservices/skynet/internal/config"
	"github.com/skynetservices/skynet/internal/logging"
	"github.com/skynetservices/skynet/registry"
	"github.com/skynetservices/skynet/rpc/server"
	"github.com/skynetservices/skynet/rpc/transport"
	"github.com/skynetservices/skynet/store/redisstore"
	"github.com/skynetservices/skynet/store/watchedcache"
)

// State mirrors the teacher's daemon lifecycle states, narrowed to the
// transitions a container actually makes.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Container is the single struct constructed once at process startup,
// wiring every component this process needs in dependency order:
// config -> logger -> coordination store -> watched cache -> registry ->
// transport manager -> RPC server.
type Container struct {
	mu    sync.RWMutex
	state State

	cfg     *config.Config
	logging *logging.Manager
	store   *redisstore.Store
	cache   *watchedcache.Cache
	reg     *registry.Service
	mgr     *transport.Manager
	srv     *server.Server
}

// New builds a Container from cfg but does not yet dial the coordination
// store or bind the RPC listener; call Start for that.
func New(cfg *config.Config, logMgr *logging.Manager) *Container {
	return &Container{
		state:   StateStopped,
		cfg:     cfg,
		logging: logMgr,
	}
}

// Config returns the configuration this container was built from.
func (c *Container) Config() *config.Config { return c.cfg }

// Registry returns the wired service registry, valid after Start.
func (c *Container) Registry() *registry.Service { return c.reg }

// TransportManager returns the wired pool manager, valid after Start.
func (c *Container) TransportManager() *transport.Manager { return c.mgr }

// Server returns the wired RPC server, valid after Start.
func (c *Container) Server() *server.Server { return c.srv }

// State returns the container's current lifecycle state.
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Start dials the coordination store, bootstraps the watched cache, wires
// the registry and transport manager, and binds the RPC server, in that
// dependency order.
func (c *Container) Start(ctx context.Context) error {
	c.setState(StateStarting)
	logger := c.logging.Logger()

	if len(c.cfg.Registry.Servers) == 0 {
		c.setState(StateStopped)
		return fmt.Errorf("container: no registry.servers configured")
	}

	connectTimeout := time.Duration(c.cfg.Registry.ConnectTimeout) * time.Second
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	store, err := redisstore.Open(dialCtx, c.cfg.Registry.Servers[0])
	if err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("container: failed to open coordination store; %w", err)
	}
	c.store = store

	cache, err := watchedcache.Open(ctx, store, "/instances", watchedcache.WithLogger(logger))
	if err != nil {
		store.Close()
		c.setState(StateStopped)
		return fmt.Errorf("container: failed to open watched cache; %w", err)
	}
	c.cache = cache

	c.reg = registry.Open(cache, c.cfg.LocalIP)

	connOpts := transport.DefaultOptions()
	connOpts.ConnectTimeout = connectTimeout
	poolOpts := transport.PoolOptions{
		Size:          c.cfg.Registry.Pool.Size,
		BorrowTimeout: time.Duration(c.cfg.Registry.Pool.BorrowTimeout) * time.Millisecond,
		WarnTimeout:   time.Duration(c.cfg.Registry.Pool.Warn) * time.Millisecond,
		IdleTimeout:   time.Duration(c.cfg.Registry.Pool.Idle) * time.Second,
	}
	c.mgr = transport.NewManager(connOpts, poolOpts, logger)

	c.srv = server.New(server.Config{
		Host:     c.cfg.LocalIP,
		Port:     c.cfg.ServerPort,
		Region:   c.cfg.Region,
		Logger:   logger,
		Registry: c.reg,
	})
	if err := c.srv.Start(ctx); err != nil {
		c.teardown(ctx)
		c.setState(StateStopped)
		return fmt.Errorf("container: failed to start rpc server; %w", err)
	}

	if c.cfg.ServicesPath != "" {
		if err := c.srv.RegisterServicesInPath(ctx, c.cfg.ServicesPath); err != nil {
			c.teardown(ctx)
			c.setState(StateStopped)
			return fmt.Errorf("container: failed to load services path %s; %w", c.cfg.ServicesPath, err)
		}
	}

	c.setState(StateRunning)
	logger.Info("container started", "addr", c.srv.Addr(), "region", c.cfg.Region)
	return nil
}

// Shutdown tears every component down in reverse dependency order: RPC
// server (deregistering services), transport pools, watched cache,
// coordination store.
func (c *Container) Shutdown(ctx context.Context) error {
	c.setState(StateStopping)
	c.teardown(ctx)
	c.setState(StateStopped)
	return nil
}

func (c *Container) teardown(ctx context.Context) {
	logger := c.logging.Logger()

	if c.srv != nil {
		if err := c.srv.Stop(ctx); err != nil {
			logger.Warn("rpc server shutdown error", "error", err)
		}
	}
	if c.mgr != nil {
		if err := c.mgr.Close(); err != nil {
			logger.Warn("transport manager close error", "error", err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			logger.Warn("watched cache close error", "error", err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			logger.Warn("coordination store close error", "error", err)
		}
	}
}
