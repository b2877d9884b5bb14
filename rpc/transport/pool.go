package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolOptions configures a per-endpoint Pool.
type PoolOptions struct {
	Size          int
	BorrowTimeout time.Duration
	WarnTimeout   time.Duration
	IdleTimeout   time.Duration
}

// DefaultPoolOptions mirrors config's default pool settings (§4.H).
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		Size:          4,
		BorrowTimeout: 5 * time.Second,
		WarnTimeout:   1 * time.Second,
		IdleTimeout:   30 * time.Second,
	}
}

type pooledConn struct {
	conn     *Conn
	lastUsed time.Time
}

// Pool is a bounded, per-endpoint pool of Conn. Borrowing is blocking
// with a timeout; idle connections beyond IdleTimeout are closed on the
// next sweep (spec.md §4.E).
type Pool struct {
	endpoint string
	connOpts Options
	opts     PoolOptions
	logger   *slog.Logger

	mu      sync.Mutex
	idle    []*pooledConn
	numOpen int
	notify  chan struct{}
}

// NewPool creates a pool for endpoint. No connections are dialed until
// the first Borrow.
func NewPool(endpoint string, connOpts Options, opts PoolOptions, logger *slog.Logger) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		endpoint: endpoint,
		connOpts: connOpts,
		opts:     opts,
		logger:   logger,
		notify:   make(chan struct{}, opts.Size),
	}
}

// Borrow returns an idle connection if one is available, otherwise dials
// a new one if the pool has not reached its size cap, otherwise blocks
// until a connection is returned or BorrowTimeout elapses.
func (p *Pool) Borrow(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(p.opts.BorrowTimeout)

	var warnTimer *time.Timer
	if p.opts.WarnTimeout > 0 {
		warnTimer = time.AfterFunc(p.opts.WarnTimeout, func() {
			p.logger.Warn("pool borrow exceeded warn timeout", "endpoint", p.endpoint, "waited", p.opts.WarnTimeout)
		})
		defer warnTimer.Stop()
	}

	for {
		p.mu.Lock()
		p.evictIdleLocked()

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return pc.conn, nil
		}

		if p.numOpen < p.opts.Size {
			p.numOpen++
			p.mu.Unlock()

			conn, err := Connect(ctx, p.endpoint, p.connOpts)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("transport: borrow from pool %s exceeded borrow timeout", p.endpoint)
		}

		select {
		case <-p.notify:
		case <-time.After(remaining):
			return nil, fmt.Errorf("transport: borrow from pool %s exceeded borrow timeout", p.endpoint)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Return gives conn back to the pool. bad=true discards it (I/O error
// already observed) and frees its slot for a future dial instead of
// reuse.
func (p *Pool) Return(conn *Conn, bad bool) {
	if bad {
		conn.Close()
		p.mu.Lock()
		p.numOpen--
		p.mu.Unlock()
		p.signal()
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, &pooledConn{conn: conn, lastUsed: time.Now()})
	p.mu.Unlock()
	p.signal()
}

func (p *Pool) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// evictIdleLocked closes every idle connection older than IdleTimeout.
// Must be called with p.mu held.
func (p *Pool) evictIdleLocked() {
	if p.opts.IdleTimeout <= 0 || len(p.idle) == 0 {
		return
	}

	cutoff := time.Now().Add(-p.opts.IdleTimeout)
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.lastUsed.Before(cutoff) {
			pc.conn.Close()
			p.numOpen--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}

// Close closes every idle connection. Borrowed connections are expected
// to be returned by their callers.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pc := range p.idle {
		pc.conn.Close()
	}
	p.idle = nil
	p.numOpen = 0
	return nil
}
