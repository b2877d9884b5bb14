package container

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/skynetservices/skynet/internal/config"
	"github.com/skynetservices/skynet/internal/logging"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LocalIP = "127.0.0.1"
	cfg.ServerPort = 0
	cfg.Region = "Development"
	cfg.Registry.Servers = []string{"127.0.0.1:6379"}
	cfg.Registry.ConnectTimeout = 1
	cfg.Registry.Pool.Size = 2
	cfg.Registry.Pool.BorrowTimeout = 1000
	cfg.Registry.Pool.Warn = 200
	cfg.Registry.Pool.Idle = 60
	return &cfg
}

func redisReachable(t *testing.T) bool {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:6379", 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func TestContainerStartRequiresRegistryServers(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.Servers = nil

	c := New(cfg, logging.NewManager())
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail with no registry servers configured")
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want %s", c.State(), StateStopped)
	}
}

func TestContainerStartAndShutdown(t *testing.T) {
	if !redisReachable(t) {
		t.Skip("redis not reachable on 127.0.0.1:6379")
	}

	cfg := testConfig()
	c := New(cfg, logging.NewManager())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state = %s, want %s", c.State(), StateRunning)
	}
	if c.Registry() == nil || c.TransportManager() == nil || c.Server() == nil {
		t.Fatal("expected registry, transport manager, and server to be wired after Start")
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want %s", c.State(), StateStopped)
	}
}
