package backend

import (
	"net"
	"testing"
	"time"
)

// fakeConn builds a Connection without dialing, for pool bookkeeping tests.
func fakeConn(addr, user, db string) *Connection {
	client, server := net.Pipe()
	go server.Close()
	return &Connection{
		Addr:     addr,
		Creds:    Credentials{Username: user, Database: db},
		conn:     client,
		state:    Connected,
		lastUsed: time.Now(),
	}
}

func TestPoolPutGetRoundtrip(t *testing.T) {
	p := NewPool(4, time.Hour)
	c := fakeConn("db1:3306", "alice", "sales")
	p.Put(c)

	if p.Len() != 1 {
		t.Fatalf("expected 1 pooled connection, got %d", p.Len())
	}
	got := p.Get("db1:3306", Credentials{Username: "alice", Database: "sales"})
	if got != c {
		t.Fatal("expected to get back the same connection")
	}
	if p.Len() != 0 {
		t.Fatalf("expected pool to be empty after Get, got %d", p.Len())
	}
}

func TestPoolKeyedByCredentials(t *testing.T) {
	p := NewPool(4, time.Hour)
	p.Put(fakeConn("db1:3306", "alice", "sales"))

	if got := p.Get("db1:3306", Credentials{Username: "bob", Database: "sales"}); got != nil {
		t.Fatal("expected no match for a different username")
	}
	if got := p.Get("db1:3306", Credentials{Username: "alice", Database: "sales"}); got == nil {
		t.Fatal("expected a match for the original credentials")
	}
}

func TestPoolIsLIFO(t *testing.T) {
	p := NewPool(4, time.Hour)
	c1 := fakeConn("db1:3306", "alice", "")
	c2 := fakeConn("db1:3306", "alice", "")
	p.Put(c1)
	p.Put(c2)

	if got := p.Get("db1:3306", Credentials{Username: "alice"}); got != c2 {
		t.Fatal("expected the most recently pooled connection first")
	}
}

func TestPoolEvictsStaleConnections(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	c := fakeConn("db1:3306", "alice", "")
	c.lastUsed = time.Now().Add(-time.Hour)
	p.Put(c)

	if got := p.Get("db1:3306", Credentials{Username: "alice"}); got != nil {
		t.Fatal("expected a stale connection to be discarded, not returned")
	}
}

func TestPoolRespectsMaxSize(t *testing.T) {
	p := NewPool(1, time.Hour)
	p.Put(fakeConn("db1:3306", "alice", ""))
	p.Put(fakeConn("db1:3306", "alice", ""))

	if p.Len() != 1 {
		t.Fatalf("expected size cap of 1, got %d", p.Len())
	}
}
