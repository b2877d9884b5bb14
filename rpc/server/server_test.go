package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/skynetservices/skynet/pkg/types"
	"github.com/skynetservices/skynet/wire"
)

// fakeRegistry records Register/Deregister calls without any real
// coordination-store backing.
type fakeRegistry struct {
	registered   []string
	deregistered []string
}

func (f *fakeRegistry) Register(ctx context.Context, name, version, region, host string, port int) error {
	f.registered = append(f.registered, name)
	return nil
}
func (f *fakeRegistry) Deregister(ctx context.Context, name, version, region, host string, port int) error {
	f.deregistered = append(f.deregistered, name)
	return nil
}
func (f *fakeRegistry) ServersFor(name, version, region string) ([]types.Endpoint, error) {
	return nil, nil
}
func (f *fakeRegistry) ServerFor(name, version, region string) (types.Endpoint, error) {
	return "", nil
}
func (f *fakeRegistry) TopGroup(name, version, region string) ([]types.Endpoint, error) {
	return nil, nil
}
func (f *fakeRegistry) OnServerRemoved(ep types.Endpoint, cb func()) func() { return func() {} }
func (f *fakeRegistry) Close() error                                       { return nil }

func echoHandler(ctx context.Context, method string, params bson.M) (any, error) {
	return params, nil
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var sh wire.ServiceHandshake
	if err := wire.ReadFrame(conn, &sh); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if !sh.Registered {
		t.Fatal("server reported not registered")
	}
	if err := wire.WriteFrame(conn, wire.ClientHandshake{ClientID: sh.ClientID}); err != nil {
		t.Fatalf("write client handshake: %v", err)
	}
	return conn
}

func TestServerBindIncrementsPort(t *testing.T) {
	reg := &fakeRegistry{}
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	host, portStr, _ := net.SplitHostPort(busy.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	srv := New(Config{Host: host, Port: port, Region: "Development", Registry: reg})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	if srv.Addr() == busy.Addr().String() {
		t.Fatalf("server bound the already-in-use address %s", srv.Addr())
	}
}

func TestRegisterServiceAndRoundTrip(t *testing.T) {
	reg := &fakeRegistry{}
	srv := New(Config{Host: "127.0.0.1", Port: 0, Region: "Development", Registry: reg})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	if err := srv.RegisterService(context.Background(), ServiceInfo{
		Name: "EchoService", Version: "1", Region: "Development", Handler: echoHandler,
	}); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if len(reg.registered) != 1 || reg.registered[0] != "EchoService" {
		t.Fatalf("registry.registered = %v", reg.registered)
	}

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.RequestHeader{ServiceMethod: wire.ForwardMethod("EchoService"), Seq: 0}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	in, _ := wire.EncodeParams(bson.M{"hello": "world"})
	if err := wire.WriteFrame(conn, wire.Request{Method: "echo", In: in}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var respHeader wire.ResponseHeader
	if err := wire.ReadFrame(conn, &respHeader); err != nil {
		t.Fatalf("read response header: %v", err)
	}
	var resp wire.Response
	if err := wire.ReadFrame(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	out, err := wire.DecodeReply(resp.Out)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out["hello"] != "world" {
		t.Fatalf("out = %v", out)
	}
}

func TestDispatchUnknownService(t *testing.T) {
	reg := &fakeRegistry{}
	srv := New(Config{Host: "127.0.0.1", Port: 0, Region: "Development", Registry: reg})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.RequestHeader{ServiceMethod: wire.ForwardMethod("GhostService"), Seq: 0}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	in, _ := wire.EncodeParams(nil)
	if err := wire.WriteFrame(conn, wire.Request{Method: "anything", In: in}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var respHeader wire.ResponseHeader
	if err := wire.ReadFrame(conn, &respHeader); err != nil {
		t.Fatalf("read response header: %v", err)
	}
	var resp wire.Response
	if err := wire.ReadFrame(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	out, err := wire.DecodeReply(resp.Out)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if _, ok := out["exception"]; !ok {
		t.Fatalf("expected exception reply for unknown service, got %v", out)
	}
}

func TestStopDeregistersServices(t *testing.T) {
	reg := &fakeRegistry{}
	srv := New(Config{Host: "127.0.0.1", Port: 0, Region: "Development", Registry: reg})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.RegisterService(context.Background(), ServiceInfo{
		Name: "EchoService", Version: "1", Region: "Development", Handler: echoHandler,
	}); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(reg.deregistered) != 1 || reg.deregistered[0] != "EchoService" {
		t.Fatalf("registry.deregistered = %v", reg.deregistered)
	}
}
