package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/skynetservices/skynet/wire"
)

// testServer is a minimal hand-rolled Skynet server used only to exercise
// the transport package's dial/handshake/invoke path end to end.
type testServer struct {
	ln       net.Listener
	registered bool
	handler  func(method string, params bson.M) (bson.M, error)
}

func startTestServer(t *testing.T, registered bool, handler func(string, bson.M) (bson.M, error)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testServer{ln: ln, registered: registered, handler: handler}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testServer) handle(conn net.Conn) {
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.ServiceHandshake{Registered: s.registered, ClientID: "server-client-id"}); err != nil {
		return
	}
	if !s.registered {
		return
	}

	var ch wire.ClientHandshake
	if err := wire.ReadFrame(conn, &ch); err != nil {
		return
	}

	for {
		var header wire.RequestHeader
		if err := wire.ReadFrame(conn, &header); err != nil {
			return
		}
		var req wire.Request
		if err := wire.ReadFrame(conn, &req); err != nil {
			return
		}

		params, err := wire.DecodeParams(req.In)
		if err != nil {
			return
		}

		respHeader := wire.ResponseHeader{ServiceMethod: header.ServiceMethod, Seq: header.Seq}
		if err := wire.WriteFrame(conn, respHeader); err != nil {
			return
		}

		reply, herr := s.handler(req.Method, params)
		var resp wire.Response
		if herr != nil {
			resp.Error = herr.Error()
		} else {
			out, err := wire.EncodeReply(reply)
			if err != nil {
				return
			}
			resp.Out = out
		}
		if err := wire.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

func echoHandler(method string, params bson.M) (bson.M, error) {
	return params, nil
}

func TestConnectAndInvoke(t *testing.T) {
	srv := startTestServer(t, true, echoHandler)

	ctx := context.Background()
	conn, err := Connect(ctx, srv.addr(), DefaultOptions())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	out, err := conn.Invoke(ctx, "req-1", "EchoService", "echo", bson.M{"hello": "world"}, false)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["hello"] != "world" {
		t.Fatalf("out = %v", out)
	}
}

func TestConnectNotRegistered(t *testing.T) {
	srv := startTestServer(t, false, echoHandler)

	ctx := context.Background()
	_, err := Connect(ctx, srv.addr(), DefaultOptions())
	if err == nil {
		t.Fatal("expected error when server reports not registered")
	}
}

func TestInvokeSequenceIncrements(t *testing.T) {
	srv := startTestServer(t, true, echoHandler)

	ctx := context.Background()
	conn, err := Connect(ctx, srv.addr(), DefaultOptions())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if _, err := conn.Invoke(ctx, "req", "EchoService", "echo", bson.M{"n": i}, false); err != nil {
			t.Fatalf("Invoke #%d: %v", i, err)
		}
	}
	if conn.seq != 3 {
		t.Fatalf("seq = %d, want 3", conn.seq)
	}
}

func TestInvokeServiceException(t *testing.T) {
	srv := startTestServer(t, true, func(method string, params bson.M) (bson.M, error) {
		return nil, errTestService
	})

	ctx := context.Background()
	conn, err := Connect(ctx, srv.addr(), DefaultOptions())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	_, err = conn.Invoke(ctx, "req", "EchoService", "boom", nil, false)
	if err == nil {
		t.Fatal("expected ServiceException")
	}
	var svcErr *ServiceException
	if !isServiceException(err, &svcErr) {
		t.Fatalf("err = %v, want *ServiceException", err)
	}
}

func TestConnectionFailureAfterRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts := Options{ConnectTimeout: 100 * time.Millisecond, RetryCount: 1, RetryInterval: 10 * time.Millisecond, ReadTimeout: time.Second}
	_, err := Connect(ctx, "127.0.0.1:1", opts)
	if err == nil {
		t.Fatal("expected connection failure dialing a closed port")
	}
	var cf *ConnectionFailure
	if !isConnectionFailure(err, &cf) {
		t.Fatalf("err = %v, want *ConnectionFailure", err)
	}
}

func TestPoolBorrowReturnReuse(t *testing.T) {
	srv := startTestServer(t, true, echoHandler)

	mgr := NewManager(DefaultOptions(), PoolOptions{Size: 2, BorrowTimeout: time.Second, WarnTimeout: 500 * time.Millisecond, IdleTimeout: time.Minute}, nil)
	defer mgr.Close()

	ctx := context.Background()
	conn1, err := mgr.Borrow(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	mgr.Return(srv.addr(), conn1, false)

	conn2, err := mgr.Borrow(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Borrow #2: %v", err)
	}
	if conn2 != conn1 {
		t.Fatal("expected second borrow to reuse the returned connection")
	}
	mgr.Return(srv.addr(), conn2, false)
}

func TestCallSucceeds(t *testing.T) {
	srv := startTestServer(t, true, echoHandler)

	mgr := NewManager(DefaultOptions(), DefaultPoolOptions(), nil)
	defer mgr.Close()

	out, err := Call(context.Background(), mgr, srv.addr(), "req-1", "EchoService", "echo", bson.M{"a": 1}, false)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["a"] != int32(1) {
		t.Fatalf("out = %v", out)
	}
}

type testServiceError string

func (e testServiceError) Error() string { return string(e) }

const errTestService = testServiceError("boom")

func isServiceException(err error, target **ServiceException) bool {
	se, ok := err.(*ServiceException)
	if ok {
		*target = se
	}
	return ok
}

func isConnectionFailure(err error, target **ConnectionFailure) bool {
	cf, ok := err.(*ConnectionFailure)
	if ok {
		*target = cf
	}
	return ok
}
