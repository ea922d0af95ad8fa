package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mxgateway/mxgateway/internal/backend"
	"github.com/mxgateway/mxgateway/internal/classify"
	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/router"
	"github.com/mxgateway/mxgateway/internal/users"
	"github.com/mxgateway/mxgateway/internal/wire"
)

// stubCandidates is a fixed CandidateSource, standing in for a live
// monitor's view of a service's backends.
type stubCandidates struct{ list []readwrite.Candidate }

func (s stubCandidates) Candidates() []readwrite.Candidate { return s.list }

// seedCache builds a *users.Cache backed by an on-disk accounts file
// (the same FileUsageOnly path production listeners use when mxgateway
// runs without a reachable backend to fetch mysql.user from), so tests
// get real FindUser behavior without dialing a database.
func seedCache(t *testing.T, accountsJSON string) *users.Cache {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	if err := os.WriteFile(path, []byte(accountsJSON), 0o644); err != nil {
		t.Fatalf("write accounts file: %v", err)
	}

	mgr := users.NewManager(zerolog.Nop(), time.Millisecond, time.Millisecond)
	mgr.SetUsersFile(path, users.FileUsageOnly)
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Stop()
	})

	cache := users.NewCache(mgr)
	deadline := time.Now().Add(2 * time.Second)
	for cache.Version() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		cache.Refresh()
	}
	if cache.Version() == 0 {
		t.Fatal("accounts file never loaded")
	}
	return cache
}

// fakeBackend runs the server role of one backend connection: a
// handshake greeting, an unconditional auth OK, then handle for every
// command it receives afterward. It serves exactly one connection.
func fakeBackend(t *testing.T, handle func(cmd byte, body []byte) []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := wire.NewReader(conn)
		w := wire.NewWriter(conn)

		greeting := wire.HandshakeV10{
			ServerVersion:  "5.5.5-10.6.0-fake",
			ConnectionID:   4242,
			Scramble:       make([]byte, wire.ScrambleLen),
			Capability:     wire.DefaultCapability,
			Charset:        33,
			Status:         wire.StatusAutocommit,
			AuthPluginName: wire.AuthNativePassword,
		}
		if w.WritePacket(greeting.Encode()) != nil {
			return
		}
		if _, err := r.ReadPacket(); err != nil {
			return
		}
		if w.WritePacket(wire.OKPacket(0, 0, wire.StatusAutocommit, wire.DefaultCapability, "", nil)) != nil {
			return
		}

		for {
			r.ResetSequence()
			pkt, err := r.ReadPacket()
			if err != nil {
				return
			}
			if len(pkt) == 0 {
				continue
			}
			reply := handle(pkt[0], pkt[1:])
			w.ResetSequence()
			if w.WritePacket(reply) != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

// openedEndpoint dials addr as target's single endpoint for c, bypassing
// the read/write split so tests can pin a session to a known fake backend.
func openedEndpoint(t *testing.T, c *Conn, target, addr string) *router.ServerEndpoint {
	t.Helper()
	pool := backend.NewPool(4, time.Hour)
	srv := router.NewServer(target, addr, 0, pool)
	if err := c.deps.Graph.AddTarget(srv); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	ep, err := c.endpointFor(readwrite.Candidate{Name: target, Role: readwrite.RoleMaster})
	if err != nil {
		t.Fatalf("endpointFor: %v", err)
	}
	return ep
}

func newTestConn(t *testing.T, id uint32, deps Deps, cfg AuthConfig) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	c := New(id, server, deps, cfg)
	c.sess.Capabilities.Client = wire.DefaultCapability
	return c, client
}

func readPacket(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := wire.NewReader(conn)
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return pkt
}

func baseDeps() Deps {
	return Deps{
		Classifier: classify.New(),
		Graph:      router.NewGraph(),
		RWConfig:   readwrite.Config{MasterAcceptsReads: true},
		Capability: wire.DefaultCapability,
		Log:        zerolog.Nop(),
	}
}

const oneUserAccounts = `{"user":[{"user":"alice","host":"%","password":"*0"}]}`

const oneUserWithReportsDB = `{
	"user": [{"user":"alice","host":"%","password":"*0"}],
	"db":   [{"user":"alice","host":"%","db":"reports"}]
}`

func TestHandleKillResolvesCrossSessionTarget(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, oneUserAccounts)
	target, targetClient := newTestConn(t, 7, deps, AuthConfig{Passthrough: true})
	defer targetClient.Close()

	killer, killerClient := newTestConn(t, 9, deps, AuthConfig{Passthrough: true})

	go func() { killer.handleKill(encodeU32(target.sess.ID)) }()
	reply := readPacket(t, killerClient)
	if len(reply) == 0 || reply[0] != wire.OKHeader {
		t.Fatalf("expected OK reply for cross-session kill, got %v", reply)
	}
}

func TestHandleKillUnknownTargetReturnsNoSuchThread(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, oneUserAccounts)
	killer, killerClient := newTestConn(t, 11, deps, AuthConfig{Passthrough: true})

	go func() { killer.handleKill(encodeU32(99999)) }()
	reply := readPacket(t, killerClient)
	if len(reply) == 0 || reply[0] != wire.ErrHeader {
		t.Fatalf("expected ERR reply for unknown kill target, got %v", reply)
	}
}

func TestHandleInitDBCommitsOnBackendOK(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, oneUserWithReportsDB)
	c, clientConn := newTestConn(t, 21, deps, AuthConfig{Passthrough: true})
	c.sess.Username = "alice"

	addr := fakeBackend(t, func(cmd byte, body []byte) []byte {
		if cmd == wire.ComInitDB {
			return wire.OKPacket(0, 0, wire.StatusAutocommit, wire.DefaultCapability, "", nil)
		}
		return wire.ErrorPacket(wire.ErrUnknownCom, "HY000", "unexpected", wire.DefaultCapability)
	})
	openedEndpoint(t, c, "main", addr)

	go func() { c.handleInitDB("reports") }()
	reply := readPacket(t, clientConn)
	if len(reply) == 0 || reply[0] != wire.OKHeader {
		t.Fatalf("expected OK reply, got %v", reply)
	}
	if c.sess.CurrentDB != "reports" {
		t.Fatalf("CurrentDB = %q, want committed to reports", c.sess.CurrentDB)
	}
}

func TestHandleInitDBDoesNotCommitOnBackendError(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, oneUserWithReportsDB)
	c, clientConn := newTestConn(t, 22, deps, AuthConfig{Passthrough: true})
	c.sess.Username = "alice"
	c.sess.CurrentDB = "original"

	addr := fakeBackend(t, func(cmd byte, body []byte) []byte {
		return wire.ErrorPacket(wire.ErrDBAccessDenied, "42000", "no access", wire.DefaultCapability)
	})
	openedEndpoint(t, c, "main", addr)

	go func() { c.handleInitDB("reports") }()
	reply := readPacket(t, clientConn)
	if len(reply) == 0 || reply[0] != wire.ErrHeader {
		t.Fatalf("expected ERR reply, got %v", reply)
	}
	if c.sess.CurrentDB != "original" {
		t.Fatalf("CurrentDB = %q, want unchanged after backend error", c.sess.CurrentDB)
	}
}

func TestHandleStmtPrepareAssignsProxyVisibleID(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, oneUserAccounts)
	deps.Targets = stubCandidates{list: []readwrite.Candidate{{Name: "main", Role: readwrite.RoleMaster}}}
	c, clientConn := newTestConn(t, 31, deps, AuthConfig{Passthrough: true})
	c.sess.Username = "alice"

	const backendStmtID = 777
	addr := fakeBackend(t, func(cmd byte, body []byte) []byte {
		if cmd != wire.ComStmtPrepare {
			return wire.ErrorPacket(wire.ErrUnknownCom, "HY000", "unexpected", wire.DefaultCapability)
		}
		reply := make([]byte, 9)
		reply[0] = wire.OKHeader
		copy(reply[1:5], encodeU32(backendStmtID))
		reply[7], reply[8] = 2, 0 // two params
		return reply
	})
	srv := router.NewServer("main", addr, 0, backend.NewPool(4, time.Hour))
	if err := c.deps.Graph.AddTarget(srv); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	go func() { c.handleStmtPrepare([]byte("SELECT ? FROM t")) }()
	reply := readPacket(t, clientConn)
	if len(reply) < 9 || reply[0] != wire.OKHeader {
		t.Fatalf("expected STMT_PREPARE OK, got %v", reply)
	}
	proxyID := leU32(reply[1:5])
	if proxyID == backendStmtID {
		t.Fatalf("expected a proxy-assigned id distinct from the backend's %d", backendStmtID)
	}
	gotTarget, gotBackendID, ok := c.sess.StmtBinding(proxyID)
	if !ok || gotTarget != "main" || gotBackendID != backendStmtID {
		t.Fatalf("StmtBinding(%d) = (%q, %d, %v), want (main, %d, true)", proxyID, gotTarget, gotBackendID, ok, backendStmtID)
	}
}

func TestHandleStmtExecuteTranslatesToBackendID(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, oneUserAccounts)
	deps.Targets = stubCandidates{list: []readwrite.Candidate{{Name: "main", Role: readwrite.RoleMaster}}}
	c, clientConn := newTestConn(t, 41, deps, AuthConfig{Passthrough: true})
	c.sess.Username = "alice"

	const backendStmtID = 555
	var sawExecuteID uint32
	addr := fakeBackend(t, func(cmd byte, body []byte) []byte {
		switch cmd {
		case wire.ComStmtExecute:
			sawExecuteID = leU32(body)
			return wire.OKPacket(0, 0, wire.StatusAutocommit, wire.DefaultCapability, "", nil)
		default:
			return wire.ErrorPacket(wire.ErrUnknownCom, "HY000", "unexpected", wire.DefaultCapability)
		}
	})
	srv := router.NewServer("main", addr, 0, backend.NewPool(4, time.Hour))
	if err := c.deps.Graph.AddTarget(srv); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if _, err := c.endpointFor(readwrite.Candidate{Name: "main", Role: readwrite.RoleMaster}); err != nil {
		t.Fatalf("endpointFor: %v", err)
	}
	const proxyID = 1
	c.sess.PrepareStmt(proxyID, "main", backendStmtID, 0)

	body := encodeU32(proxyID)
	body = append(body, 0 /* flags */, 0, 0, 0, 0 /* iteration count */)
	go func() { c.handleStmtExecute(body) }()
	reply := readPacket(t, clientConn)
	if len(reply) == 0 || reply[0] != wire.OKHeader {
		t.Fatalf("expected OK reply, got %v", reply)
	}
	if sawExecuteID != backendStmtID {
		t.Fatalf("backend saw statement id %d, want %d", sawExecuteID, backendStmtID)
	}
}

func TestAuthenticateResolvesHostnamePatternViaResolver(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, `{"user":[{"user":"bob","host":"db.internal.example"}]}`)
	deps.Resolver = stubResolver{host: "db.internal.example"}

	c, clientConn := newTestConn(t, 51, deps, AuthConfig{
		Passthrough: true,
		AuthTimeout: time.Second,
		Settings:    users.Settings{MatchHostPatterns: true},
	})
	c.sess.Username = "bob"
	c.sess.ClientAddr = "10.0.0.5:4444"

	go func() { c.authenticate() }()
	reply := readPacket(t, clientConn)
	if len(reply) == 0 || reply[0] != wire.OKHeader {
		t.Fatalf("expected OK after nameinfo resolution, got %v", reply)
	}
}

func TestAuthenticateDeniesWhenResolverFails(t *testing.T) {
	deps := baseDeps()
	deps.Cache = seedCache(t, `{"user":[{"user":"bob","host":"db.internal.example"}]}`)
	deps.Resolver = stubResolver{err: context.DeadlineExceeded}

	c, clientConn := newTestConn(t, 52, deps, AuthConfig{
		Passthrough: true,
		AuthTimeout: time.Second,
		Settings:    users.Settings{MatchHostPatterns: true},
	})
	c.sess.Username = "bob"
	c.sess.ClientAddr = "10.0.0.5:4444"

	go func() { c.authenticate() }()
	reply := readPacket(t, clientConn)
	if len(reply) == 0 || reply[0] != wire.ErrHeader {
		t.Fatalf("expected access-denied ERR when resolver fails, got %v", reply)
	}
}

type stubResolver struct {
	host string
	err  error
}

func (s stubResolver) LookupHost(ctx context.Context, addr string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.host, nil
}

var _ users.Resolver = stubResolver{}
