// Package transport implements the Skynet per-endpoint connection
// lifecycle and pooling: dialing with retry, the handshake, per-session
// sequence bookkeeping, and the framed rpc_call invocation, per spec.md
// §4.E.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/skynetservices/skynet/wire"
)

// ErrNotRegistered is returned by Connect when the server's
// ServiceHandshake reports registered=false: the caller should close and
// re-resolve the endpoint from the registry rather than retry the dial.
var ErrNotRegistered = errors.New("transport: server reports not registered")

// Options configures dialing, handshake, and per-read timeouts.
type Options struct {
	ConnectTimeout time.Duration
	RetryCount     int
	RetryInterval  time.Duration
	ReadTimeout    time.Duration
}

// DefaultOptions returns conservative defaults suitable for a loopback
// coordination store and local services.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		RetryCount:     2,
		RetryInterval:  500 * time.Millisecond,
		ReadTimeout:    30 * time.Second,
	}
}

// Conn is one live connection to a Skynet RPC endpoint: a dialed,
// handshaken TCP socket plus its per-session sequence state.
type Conn struct {
	endpoint    string
	conn        net.Conn
	clientID    string
	readTimeout time.Duration

	mu  sync.Mutex
	seq int64
}

// Connect dials endpoint, retrying per opts, performs the Skynet
// handshake, and returns a ready-to-use Conn.
func Connect(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	raw, err := dial(ctx, endpoint, opts.ConnectTimeout, opts.RetryCount, opts.RetryInterval)
	if err != nil {
		return nil, err
	}

	clientID, err := handshake(raw, endpoint, opts.ReadTimeout)
	if err != nil {
		raw.Close()
		return nil, err
	}

	return &Conn{
		endpoint:    endpoint,
		conn:        raw,
		clientID:    clientID,
		readTimeout: opts.ReadTimeout,
	}, nil
}

func dial(ctx context.Context, endpoint string, connectTimeout time.Duration, retryCount int, retryInterval time.Duration) (net.Conn, error) {
	limiter := rate.NewLimiter(rate.Every(retryInterval), 1)

	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		if attempt > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return nil, &ConnectionFailure{Endpoint: endpoint, Err: err}
			}
		}

		d := net.Dialer{Timeout: connectTimeout}
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, &ConnectionFailure{Endpoint: endpoint, Err: lastErr}
}

func handshake(conn net.Conn, endpoint string, readTimeout time.Duration) (string, error) {
	if readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	var sh wire.ServiceHandshake
	if err := wire.ReadFrame(conn, &sh); err != nil {
		if isTimeout(err) {
			return "", &ReadTimeout{Endpoint: endpoint, Timeout: readTimeout.String()}
		}
		return "", fmt.Errorf("transport: handshake read failed; %w", err)
	}
	if !sh.Registered {
		return "", ErrNotRegistered
	}

	if err := wire.WriteFrame(conn, wire.ClientHandshake{ClientID: sh.ClientID}); err != nil {
		return "", fmt.Errorf("transport: handshake write failed; %w", err)
	}

	return sh.ClientID, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Endpoint returns the "host:port" this connection was dialed to.
func (c *Conn) Endpoint() string { return c.endpoint }

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) writeFrame(v any) error {
	return wire.WriteFrame(c.conn, v)
}

func (c *Conn) readFrame(v any) error {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	if err := wire.ReadFrame(c.conn, v); err != nil {
		if isTimeout(err) {
			return &ReadTimeout{Endpoint: c.endpoint, Timeout: c.readTimeout.String()}
		}
		return err
	}
	return nil
}

// Invoke performs one rpc_call: write RequestHeader+Request, read
// ResponseHeader+Response, and return the decoded reply. idempotent only
// affects how a caller such as Call retries a read-phase failure; Invoke
// itself never retries.
func (c *Conn) Invoke(ctx context.Context, requestID, service, method string, params any, idempotent bool) (bson.M, error) {
	out, _, err := c.invoke(ctx, requestID, service, method, params, idempotent)
	return out, err
}

// invoke is Invoke's internal form: it additionally reports whether the
// write phase completed, which Call uses to decide retry eligibility per
// spec.md §4.E/§7.
func (c *Conn) invoke(ctx context.Context, requestID, service, method string, params any, idempotent bool) (bson.M, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}

	seq := c.seq
	header := wire.RequestHeader{ServiceMethod: wire.ForwardMethod(service), Seq: seq}
	if err := c.writeFrame(header); err != nil {
		return nil, false, &ConnectionFailure{Endpoint: c.endpoint, Err: err}
	}

	encodedParams, err := wire.EncodeParams(params)
	if err != nil {
		return nil, false, fmt.Errorf("transport: failed to encode params; %w", err)
	}

	req := wire.Request{
		ClientID: c.clientID,
		In:       encodedParams,
		Method:   method,
		RequestInfo: wire.RequestInfo{
			RequestID:     requestID,
			RetryCount:    0,
			OriginAddress: "",
		},
	}
	if err := c.writeFrame(req); err != nil {
		return nil, false, &ConnectionFailure{Endpoint: c.endpoint, Err: err}
	}

	// Every failure from here on happened after a successful write.
	var respHeader wire.ResponseHeader
	if err := c.readFrame(&respHeader); err != nil {
		return nil, true, err
	}
	if respHeader.Seq != seq {
		return nil, true, &ProtocolError{Reason: fmt.Sprintf("response seq %d does not match request seq %d", respHeader.Seq, seq)}
	}
	if respHeader.Error != "" {
		return nil, true, &SkynetException{Message: respHeader.Error}
	}

	var resp wire.Response
	if err := c.readFrame(&resp); err != nil {
		return nil, true, err
	}
	if resp.Error != "" {
		return nil, true, &ServiceException{Message: resp.Error}
	}

	out, err := wire.DecodeReply(resp.Out)
	if err != nil {
		return nil, true, fmt.Errorf("transport: failed to decode reply; %w", err)
	}

	c.seq++
	return out, true, nil
}
