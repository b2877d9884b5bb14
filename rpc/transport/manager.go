package transport

import (
	"context"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// Manager owns one Pool per endpoint, creating pools lazily on first use
// (spec.md §3's "pooled connection is created on first use of an
// endpoint").
type Manager struct {
	connOpts Options
	poolOpts PoolOptions
	logger   *slog.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a pool manager sharing connOpts/poolOpts across
// every endpoint it serves.
func NewManager(connOpts Options, poolOpts PoolOptions, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connOpts: connOpts,
		poolOpts: poolOpts,
		logger:   logger,
		pools:    make(map[string]*Pool),
	}
}

func (m *Manager) poolFor(endpoint string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[endpoint]
	if !ok {
		p = NewPool(endpoint, m.connOpts, m.poolOpts, m.logger)
		m.pools[endpoint] = p
	}
	return p
}

// Borrow obtains a pooled connection for endpoint.
func (m *Manager) Borrow(ctx context.Context, endpoint string) (*Conn, error) {
	return m.poolFor(endpoint).Borrow(ctx)
}

// Return gives conn back to endpoint's pool.
func (m *Manager) Return(endpoint string, conn *Conn, bad bool) {
	m.poolFor(endpoint).Return(conn, bad)
}

// Close closes every pool this manager has created.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pools {
		p.Close()
	}
	m.pools = make(map[string]*Pool)
	return nil
}

// Call borrows a connection for endpoint, invokes method on service, and
// returns it to the pool, implementing spec.md §4.E's retry semantics: a
// write-phase transport failure retries the entire send once on a fresh
// connection; a read-phase failure after a successful write is retried
// once more only when idempotent is true.
func Call(ctx context.Context, mgr *Manager, endpoint, requestID, service, method string, params any, idempotent bool) (bson.M, error) {
	const maxAttempts = 2

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := mgr.Borrow(ctx, endpoint)
		if err != nil {
			return nil, err
		}

		out, wrote, err := conn.invoke(ctx, requestID, service, method, params, idempotent)
		if err == nil {
			mgr.Return(endpoint, conn, false)
			return out, nil
		}

		mgr.Return(endpoint, conn, true)

		if !wrote {
			// Write-phase failure: retry the entire send on a fresh
			// connection, unconditionally.
			lastErr = err
			continue
		}

		if idempotent {
			// Read-phase failure after a successful write, but the
			// caller declared the call safe to repeat.
			lastErr = err
			continue
		}

		// Read-phase failure after a successful write, non-idempotent:
		// the server may or may not have processed the call. Surface it.
		return nil, err
	}

	return nil, lastErr
}
