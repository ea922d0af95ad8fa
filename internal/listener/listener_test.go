package listener

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mxgateway/mxgateway/internal/classify"
	"github.com/mxgateway/mxgateway/internal/client"
	"github.com/mxgateway/mxgateway/internal/config"
	"github.com/mxgateway/mxgateway/internal/router"
	"github.com/mxgateway/mxgateway/internal/users"
	"github.com/mxgateway/mxgateway/internal/wire"
	"github.com/mxgateway/mxgateway/internal/worker"
)

func testDeps() client.Deps {
	manager := users.NewManager(zerolog.Nop(), time.Millisecond, time.Millisecond)
	return client.Deps{
		Cache:      users.NewCache(manager),
		Classifier: classify.New(),
		Graph:      router.NewGraph(),
		Capability: wire.DefaultCapability,
		Log:        zerolog.Nop(),
	}
}

func TestBuildTLSConfigNoCertReturnsNil(t *testing.T) {
	tc, err := BuildTLSConfig(config.Listener{})
	if err != nil || tc != nil {
		t.Fatalf("got %v, %v", tc, err)
	}
}

func TestBuildTLSConfigMissingFileErrors(t *testing.T) {
	_, err := BuildTLSConfig(config.Listener{Name: "main", TLSCert: "/nonexistent/cert.pem", TLSKey: "/nonexistent/key.pem"})
	if err == nil {
		t.Fatal("expected error for missing cert files")
	}
}

func TestServeRespectsContextCancellation(t *testing.T) {
	l := New(config.Listener{Name: "main", Address: "127.0.0.1:0"}, testDeps(), client.AuthConfig{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil after cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestWithWorkerGraphsAssignsDistinctGraphByID(t *testing.T) {
	l := New(config.Listener{Name: "main"}, testDeps(), client.AuthConfig{}, zerolog.Nop())
	pool := worker.NewPool(2)
	g0, g1 := router.NewGraph(), router.NewGraph()
	l2 := l.WithWorkerGraphs(pool, []*router.Graph{g0, g1})
	if l2 != l {
		t.Fatal("WithWorkerGraphs should return the same *Listener for chaining")
	}
	if got := l.graphs[pool.Assign(2)]; got != g0 {
		t.Fatalf("session id 2 should map to worker 0's graph")
	}
	if got := l.graphs[pool.Assign(1)]; got != g1 {
		t.Fatalf("session id 1 should map to worker 1's graph")
	}
}

func TestServeSendsGreetingToAcceptedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	l := New(config.Listener{Name: "main", Address: addr}, testDeps(), client.AuthConfig{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	r := bufio.NewReader(conn)
	buf := make([]byte, 4)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("expected greeting bytes, got error: %v", err)
	}
}
