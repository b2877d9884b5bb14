// Package server implements the Skynet RPC dispatcher: binding a
// listener, accepting connections, and running each connection through
// the handshake-then-request-loop state machine, per spec.md §4.G.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	skyregistry "github.com/skynetservices/skynet/registry"
	"github.com/skynetservices/skynet/wire"
)

// Config configures Start and the registry deregistration performed on
// Stop.
type Config struct {
	Host    string
	Port    int
	Region  string
	Logger  *slog.Logger
	Registry skyregistry.Registry
}

// Server is one bound listener dispatching to a local service map.
// Mutex-guarded running flag and buffered error channel mirror the
// teacher's MCP server shape, adapted from HTTP to the framed TCP
// protocol.
type Server struct {
	cfg      Config
	services *registry
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	ln      net.Listener
	host    string
	port    int

	wg      sync.WaitGroup
	errChan chan error
}

// New constructs an unbound Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		services: newServiceRegistry(),
		logger:   logger,
		errChan:  make(chan error, 1),
	}
}

// RegisterService validates and adds svc to the local service map and
// publishes it to the registry, per spec.md §4.G's register_service.
func (s *Server) RegisterService(ctx context.Context, svc ServiceInfo) error {
	if err := s.services.register(svc); err != nil {
		return err
	}
	if s.cfg.Registry == nil {
		return nil
	}
	if err := s.cfg.Registry.Register(ctx, svc.Name, svc.Version, svc.Region, s.host, s.port); err != nil {
		s.services.deregister(svc.Name)
		return fmt.Errorf("server: failed to publish %s to registry; %w", svc.Name, err)
	}
	return nil
}

// DeregisterService is the reverse of RegisterService.
func (s *Server) DeregisterService(ctx context.Context, name, version, region string) error {
	s.services.deregister(name)
	if s.cfg.Registry == nil {
		return nil
	}
	if err := s.cfg.Registry.Deregister(ctx, name, version, region, s.host, s.port); err != nil {
		return fmt.Errorf("server: failed to remove %s from registry; %w", name, err)
	}
	return nil
}

// Errors returns fatal server errors observed by the accept loop.
func (s *Server) Errors() <-chan error {
	return s.errChan
}

// Addr returns the bound "host:port" once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start binds a listener starting at cfg.Port, incrementing the port on
// "address in use" up to 999 times per spec.md §4.G, then runs the accept
// loop in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: already running")
	}

	ln, port, err := bind(s.cfg.Host, s.cfg.Port)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.ln = ln
	s.host = s.cfg.Host
	s.port = port
	s.running = true
	s.mu.Unlock()

	s.logger.Info("rpc server listening", "host", s.host, "port", s.port)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// bind attempts to listen on host:port, incrementing port on
// "address in use" up to 999 times.
func bind(host string, port int) (net.Listener, int, error) {
	for attempt := 0; attempt <= 999; attempt++ {
		candidate := port + attempt
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err == nil {
			return ln, candidate, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, fmt.Errorf("server: failed to bind %s:%d; %w", host, candidate, err)
		}
	}
	return nil, 0, ErrNoAvailablePort
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use") || strings.Contains(err.Error(), "bind: address")
}

// acceptLoop is the single acceptor thread (spec.md §5 class 2); each
// accepted connection is handled by its own goroutine (class 3).
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.mu.Lock()
			stopped := !s.running
			s.mu.Unlock()
			if stopped {
				return
			}
			s.logger.Error("accept failed", "error", err)
			select {
			case s.errChan <- err:
			default:
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop deregisters every known service, closes the acceptor, and waits
// (best-effort) for connection handlers to drain, per spec.md §4.G's
// shutdown sequence.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.ln
	s.mu.Unlock()

	if s.cfg.Registry != nil {
		s.services.each(func(svc ServiceInfo) {
			if err := s.cfg.Registry.Deregister(ctx, svc.Name, svc.Version, svc.Region, s.host, s.port); err != nil {
				s.logger.Warn("failed to deregister service during shutdown", "service", svc.Name, "error", err)
			}
		})
	}

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown context expired before all connection handlers drained")
	}

	s.logger.Info("rpc server stopped")
	return nil
}

// handleConn runs one accepted connection through the handshake and then
// the request loop until a terminal error or the handler signals
// disconnection via a null reply. The read/dispatch/write sequence below
// is the "AwaitClientHandshake -> AwaitHeader -> AwaitRequest ->
// Dispatching -> WriteReply -> AwaitHeader" state machine of spec.md
// §4.G; any read or decode failure is a terminal transition.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientID := uuid.NewString()
	if err := wire.WriteFrame(conn, wire.ServiceHandshake{Registered: true, ClientID: clientID}); err != nil {
		s.logger.Warn("connection handshake write failed", "error", err)
		return
	}

	var clientHandshake wire.ClientHandshake
	if err := wire.ReadFrame(conn, &clientHandshake); err != nil {
		s.logger.Warn("connection terminated", "state", "AwaitClientHandshake", "error", err)
		return
	}

	for {
		var header wire.RequestHeader
		if err := wire.ReadFrame(conn, &header); err != nil {
			return // peer closed; not an error worth logging at this level
		}

		name, err := wire.ServiceNameFromMethod(header.ServiceMethod)
		if err != nil {
			s.logger.Warn("connection terminated", "state", "AwaitHeader", "error", err)
			return
		}

		var req wire.Request
		if err := wire.ReadFrame(conn, &req); err != nil {
			s.logger.Warn("connection terminated", "state", "AwaitRequest", "error", err)
			return
		}

		params, err := wire.DecodeParams(req.In)
		if err != nil {
			s.logger.Warn("connection terminated", "state", "AwaitRequest", "error", err)
			return
		}

		reply, terminate := s.dispatch(ctx, name, req.Method, params)

		if err := wire.WriteFrame(conn, wire.ResponseHeader{ServiceMethod: header.ServiceMethod, Seq: header.Seq}); err != nil {
			return
		}
		if terminate {
			return
		}

		out, err := wire.EncodeReply(reply)
		if err != nil {
			s.logger.Warn("connection terminated", "state", "WriteReply", "error", err)
			return
		}
		if err := wire.WriteFrame(conn, wire.Response{Out: out}); err != nil {
			return
		}
	}
}

// dispatch looks up the named service and invokes its handler, recovering
// from handler panics so one bad handler never brings down the acceptor
// (spec.md §5's "handler exceptions never terminate the acceptor"). The
// second return value reports whether the handler asked for the
// connection to close (a null reply).
func (s *Server) dispatch(ctx context.Context, name, method string, params bson.M) (any, bool) {
	svc, ok := s.services.lookup(name)
	if !ok {
		return wire.ExceptionReply{Exception: wire.Exception{
			Class:   "ServiceNotFoundError",
			Message: fmt.Sprintf("no service registered for %q", name),
		}}, false
	}

	var (
		reply any
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		reply, err = svc.Handler(ctx, method, params)
	}()

	if err != nil {
		return wire.ExceptionReply{Exception: wire.Exception{
			Class:   "ServiceException",
			Message: err.Error(),
		}}, false
	}
	if reply == nil {
		return nil, true
	}
	return reply, false
}
