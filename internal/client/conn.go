// Package client implements the server-role half of the protocol state
// machine described in spec.md §4.1: handshake (SSL negotiation happens
// here; PROXY-protocol address rewriting happens one layer down, at the
// listener), pluggable authentication against the user cache, READY-state
// command dispatch, and reply accounting back to the client socket.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mxgateway/mxgateway/internal/classify"
	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/router"
	"github.com/mxgateway/mxgateway/internal/session"
	"github.com/mxgateway/mxgateway/internal/users"
	"github.com/mxgateway/mxgateway/internal/wire"
)

// State is a ClientConnection's top-level state (spec.md §4.1 "Top-level
// states").
type State int

const (
	Handshaking State = iota
	Authenticating
	Ready
	Quit
	Failed
)

// ServerVersion is advertised in the initial handshake greeting.
const ServerVersion = "8.0.34-mxgateway"

var errQuit = errors.New("client: quit")

// sessions is the process-wide registry of live connections, keyed by
// their proxy-visible session id. COM_PROCESS_KILL names a target by
// this id, which is not necessarily the issuing session's own, so
// resolving it requires a lookup that reaches across connections
// (spec.md §4.3 "KILL handling").
var sessions sync.Map // uint32 -> *Conn

// lookupSession resolves a proxy-visible session id to its live Conn, if
// any is still registered.
func lookupSession(id uint32) (*Conn, bool) {
	v, ok := sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// AuthConfig bundles the per-listener authentication settings consulted
// during FIND_ENTRY (spec.md §4.2 "Lookup input").
type AuthConfig struct {
	Settings    users.Settings
	RequireTLS  bool
	Passthrough bool // skip password verification, forward client creds as-is (spec.md §4.2 Open Question)
	AuthTimeout time.Duration
}

// CandidateSource supplies the live candidate set for one service, as
// maintained by that service's monitor (not owned by Conn).
type CandidateSource interface {
	Candidates() []readwrite.Candidate
}

// Deps bundles everything a Conn needs that is shared across a
// listener's connections, so New's signature stays small.
type Deps struct {
	Cache      *users.Cache
	Classifier *classify.Classifier
	Graph      *router.Graph
	Targets    CandidateSource
	RWConfig   readwrite.Config
	Capability uint32
	TLSConfig  *tls.Config
	Resolver   users.Resolver
	Log        zerolog.Logger
}

// Conn is one client's protocol state machine, driving its own socket
// and a set of per-session backend endpoints opened on demand (spec.md
// §2 "ClientConnection", §4.1).
type Conn struct {
	raw  net.Conn
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	deps Deps
	cfg  AuthConfig

	sess  *session.Session
	state State
	rw    *readwrite.RouterSession

	endpoints map[string]*router.ServerEndpoint

	authResponse *wire.HandshakeResponse
	scramble     []byte

	log zerolog.Logger
}

// New wraps an accepted connection. id is the session id, used as the
// protocol thread id (spec.md §4.1 step 1).
func New(id uint32, raw net.Conn, deps Deps, cfg AuthConfig) *Conn {
	c := &Conn{
		raw:       raw,
		conn:      raw,
		r:         wire.NewReader(raw),
		w:         wire.NewWriter(raw),
		deps:      deps,
		cfg:       cfg,
		sess:      session.New(id, raw.RemoteAddr().String()),
		state:     Handshaking,
		rw:        readwrite.New(deps.RWConfig),
		endpoints: make(map[string]*router.ServerEndpoint),
		log:       deps.Log.With().Uint32("session", id).Logger(),
	}
	sessions.Store(id, c)
	return c
}

// OpenEndpoints implements router.KilledSession, letting another
// session's COM_PROCESS_KILL resolve this one's open backend
// connections (spec.md §4.3 "KILL handling").
func (c *Conn) OpenEndpoints() []*router.ServerEndpoint {
	out := make([]*router.ServerEndpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep)
	}
	return out
}

// Serve drives the connection to completion: handshake, authentication,
// then the READY command loop, until the client quits or a fatal error
// occurs (spec.md §4.1).
func (c *Conn) Serve() error {
	defer sessions.Delete(c.sess.ID)
	defer c.releaseAll(false)
	if err := c.handshake(); err != nil {
		c.state = Failed
		c.conn.Close()
		return err
	}
	if err := c.authenticate(); err != nil {
		c.state = Failed
		c.conn.Close()
		return err
	}
	c.state = Ready
	err := c.readyLoop()
	c.conn.Close()
	return err
}

// handshake runs INIT through COMPLETE of §4.1.
func (c *Conn) handshake() error {
	scramble, err := wire.GenerateScramble()
	if err != nil {
		return fmt.Errorf("generate scramble: %w", err)
	}
	capability, oldProtocolOnly := negotiateCapability(c.deps.Capability, c.reachableCandidates())
	if c.deps.TLSConfig != nil {
		capability |= wire.CapSSL
	}

	greeting := wire.HandshakeV10{
		ServerVersion:  ServerVersion,
		ConnectionID:   c.sess.ID,
		Scramble:       scramble,
		Capability:     capability,
		Charset:        33,
		Status:         wire.StatusAutocommit,
		AuthPluginName: wire.AuthNativePassword,
	}
	if err := c.w.WritePacket(greeting.Encode()); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	packet, err := c.r.ReadPacket()
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}

	// An SSLRequest carries only the leading capability/charset/reserved
	// block (32 bytes), with no username yet (spec.md §4.1 EXPECT_SSL_REQ).
	if c.deps.TLSConfig != nil && len(packet) == 32 {
		tlsConn := tls.Server(c.raw, c.deps.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("TLS handshake: %w", err)
		}
		c.conn = tlsConn
		c.r = wire.NewReader(tlsConn)
		c.w = wire.NewWriter(tlsConn)
		packet, err = c.r.ReadPacket()
		if err != nil {
			return fmt.Errorf("read post-TLS handshake response: %w", err)
		}
	} else if c.cfg.RequireTLS {
		return c.sendFatalError(wire.ErrAccessDenied, "28000", "Access denied without SSL")
	}

	resp, err := wire.ParseHandshakeResponse(packet)
	if err != nil {
		return c.sendFatalError(wire.ErrHandshake, "08S01", "Bad handshake")
	}
	c.sess.Username = resp.Username
	c.sess.CurrentDB = resp.Database
	c.sess.Capabilities = session.Capabilities{
		Client:                resp.Capability & capability,
		SupportsSescmdHistory: true,
		OldProtocolOnly:       oldProtocolOnly,
	}
	c.authResponse = resp
	c.scramble = scramble
	return nil
}

// authenticate runs FIND_ENTRY through COMPLETE of §4.2, wired to the
// user cache. A session start is a suspension point: the worker has not
// yet touched a backend, so it is a safe place to pull in any user table
// changes the background loader has published since this worker's cache
// was last refreshed (spec.md §4.2 "asynchronously refreshed").
func (c *Conn) authenticate() error {
	c.deps.Cache.Refresh()

	result := c.deps.Cache.FindUser(c.sess.Username, c.sess.ClientAddr, c.sess.ClientHost, c.sess.CurrentDB, c.cfg.Settings)
	if result.Outcome == users.OutcomeNeedNameinfo {
		result = c.findUserWithNameinfo()
	}
	switch result.Outcome {
	case users.OutcomeUserNotFound, users.OutcomeRootAccessDenied, users.OutcomeAnonProxyAccessDenied, users.OutcomeNeedNameinfo:
		return c.sendFatalError(wire.ErrAccessDenied, "28000",
			fmt.Sprintf("Access denied for user '%s'@'%s'", c.sess.Username, c.sess.ClientAddr))
	case users.OutcomeBadDB:
		return c.sendFatalError(wire.ErrBadDB, "42000", fmt.Sprintf("Unknown database '%s'", c.sess.CurrentDB))
	case users.OutcomeDBAccessDenied:
		return c.sendFatalError(wire.ErrDBAccessDenied, "42000",
			fmt.Sprintf("Access denied for user '%s' to database '%s'", c.sess.Username, c.sess.CurrentDB))
	}

	if !c.cfg.Passthrough {
		if !wire.CheckNativePassword(c.scramble, c.authResponse.AuthResponse, result.Entry.PasswordHash) {
			return c.sendFatalError(wire.ErrAccessDenied, "28000",
				fmt.Sprintf("Access denied for user '%s'@'%s' (using password: YES)", c.sess.Username, c.sess.ClientAddr))
		}
	}

	c.sess.AuthEntry = result.Entry
	c.sess.CurrentDB = result.NormalizedDB
	return c.w.WritePacket(wire.OKPacket(0, 0, wire.StatusAutocommit, c.sess.Capabilities.Client, "", nil))
}

// findUserWithNameinfo handles FIND_ENTRY_RDNS: the matching algorithm
// hit a HOSTNAME or WILDCARD pattern it cannot decide without a reverse
// lookup, so resolve the client address once and retry FIND_ENTRY with
// the result (spec.md §4.1 "FIND_ENTRY_RDNS" / "TRY_AGAIN"). The
// resolved hostname is cached on the session so later lookups (e.g.
// COM_CHANGE_USER) don't repeat the DNS round trip. If no resolver is
// configured, or the lookup fails, the retry still runs with an empty
// hostname and will again report OutcomeNeedNameinfo, which the caller
// treats as access denied rather than retrying forever.
func (c *Conn) findUserWithNameinfo() users.Result {
	if c.deps.Resolver != nil && c.sess.ClientHost == "" {
		timeout := c.cfg.AuthTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if h, err := c.deps.Resolver.LookupHost(ctx, c.sess.ClientAddr); err == nil {
			c.sess.ClientHost = h
		}
		cancel()
	}
	return c.deps.Cache.FindUser(c.sess.Username, c.sess.ClientAddr, c.sess.ClientHost, c.sess.CurrentDB, c.cfg.Settings)
}

// reachableCandidates returns the live candidate set this connection's
// service currently sees, or nil before any monitor probe has run.
func (c *Conn) reachableCandidates() []readwrite.Candidate {
	if c.deps.Targets == nil {
		return nil
	}
	return c.deps.Targets.Candidates()
}

// negotiateCapability computes the capability set to offer in the
// handshake greeting: base masked down by the intersection of every
// reachable, non-maintenance backend's version limits (spec.md §4.1
// "Capability negotiation"). oldProtocolOnly reports whether any
// backend needed masking at all, marking the session as talking to a
// cluster that can't be assumed to support the newest protocol
// extensions uniformly. With no candidates yet (monitors still
// probing, or a passthrough listener with none configured) base is
// returned unmasked.
func negotiateCapability(base uint32, candidates []readwrite.Candidate) (capability uint32, oldProtocolOnly bool) {
	capability = base
	for _, cand := range candidates {
		if cand.UnderMaintenance {
			continue
		}
		if mask := cand.Version.CapabilityMask(); mask != 0 {
			capability &^= mask
			oldProtocolOnly = true
		}
	}
	return capability, oldProtocolOnly
}

func (c *Conn) sendFatalError(code uint16, sqlState, msg string) error {
	c.w.WritePacket(wire.ErrorPacket(code, sqlState, msg, c.sess.Capabilities.Client))
	c.conn.Close()
	return fmt.Errorf("client: %s", msg)
}

// readyLoop is the READY state's reading loop (spec.md §4.1 "Reading
// loop"); one client command in, zero or more backend replies out.
func (c *Conn) readyLoop() error {
	for {
		c.r.ResetSequence()
		packet, err := c.r.ReadPacket()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			var seqErr *wire.ErrOutOfOrderSeq
			if errors.As(err, &seqErr) {
				c.sendFatalError(wire.ErrOutOfOrder, "08S01", "Got packets out of order")
			}
			return err
		}
		if len(packet) == 0 {
			continue
		}
		cmd, body := packet[0], packet[1:]

		c.w.ResetSequence()
		c.w.SetSequence(1)

		if err := c.dispatch(cmd, body); err != nil {
			if err == errQuit {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) releaseAll(poolable bool) {
	for name, ep := range c.endpoints {
		ep.Release(poolable && c.sess.CanReconnect())
		delete(c.endpoints, name)
	}
}
