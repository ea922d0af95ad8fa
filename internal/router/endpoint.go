package router

import (
	"context"
	"fmt"

	"github.com/mxgateway/mxgateway/internal/backend"
	"github.com/mxgateway/mxgateway/internal/metrics"
	"github.com/mxgateway/mxgateway/internal/session"
	"github.com/mxgateway/mxgateway/internal/wire"
)

// Server is a concrete leaf Target: one backend MariaDB/MySQL instance.
type Server struct {
	NameStr string
	Addr    string
	Rank    int
	pool    *backend.Pool
}

// NewServer returns a leaf Target backed by addr, pooling idle
// connections in pool (owned by the caller's Worker, spec.md §4.5).
func NewServer(name, addr string, rank int, pool *backend.Pool) *Server {
	return &Server{NameStr: name, Addr: addr, Rank: rank, pool: pool}
}

func (s *Server) Name() string      { return s.NameStr }
func (s *Server) Children() []Target { return nil }

// GetConnection returns an endpoint for sessionID against this server,
// reusing a pooled connection when one matches creds, otherwise dialing
// a fresh one (spec.md §4.5).
func (s *Server) GetConnection(upstream Component, sessionID uint32) (Endpoint, error) {
	return &ServerEndpoint{
		server:    s,
		upstream:  upstream,
		sessionID: sessionID,
	}, nil
}

// ServerEndpoint is the Endpoint implementation for a Server target: it
// owns (or references a pooled) backend.Connection and replays session
// history on reconnect (spec.md §4.5, §2 "Endpoint").
type ServerEndpoint struct {
	server    *Server
	upstream  Component
	sessionID uint32
	creds     backend.Credentials
	conn      *backend.Connection
	sess      *session.Session
}

func (e *ServerEndpoint) Name() string  { return e.server.NameStr }
func (e *ServerEndpoint) Target() Target { return e.server }

// Open acquires a connection to the endpoint's server: from the pool if
// a matching one is idle, otherwise by dialing and, if sess has history,
// replaying it first (spec.md §4.3 "Session command replay"). Each
// replayed entry's OK/ERR outcome is compared against what it produced
// the first time it ran; a mismatch is counted as a replay divergence
// rather than failing the reconnect outright, since the backend's reply
// is still forwarded faithfully (spec.md §2 "session-command replay
// divergences").
func (e *ServerEndpoint) Open(ctx context.Context, capability uint32, creds backend.Credentials, sess *session.Session) error {
	e.creds = creds
	e.sess = sess
	if c := e.server.pool.Get(e.server.Addr, creds); c != nil {
		e.conn = c
		return nil
	}
	conn, err := backend.Dial(ctx, e.server.Addr, creds, capability)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", e.server.NameStr, err)
	}
	if sess != nil && sess.History.Len() > 0 {
		entries := sess.History.Entries()
		replies, err := conn.ReplayHistory(sess)
		if err != nil {
			conn.Close()
			return fmt.Errorf("endpoint %s: replay: %w", e.server.NameStr, err)
		}
		e.checkReplayDivergence(entries, replies)
	}
	e.conn = conn
	return nil
}

// checkReplayDivergence compares each replayed reply's OK/ERR outcome
// against the outcome originally recorded for that history entry.
func (e *ServerEndpoint) checkReplayDivergence(entries []session.HistoryEntry, replies [][]byte) {
	for i, reply := range replies {
		if i >= len(entries) || !entries[i].OriginalRecorded {
			continue
		}
		isErr := len(reply) > 4 && reply[4] == wire.ErrHeader
		if isErr != entries[i].OriginalErr {
			metrics.SessionReplayDivergencesTotal.WithLabelValues(e.server.NameStr).Inc()
		}
	}
}

// RouteQuery forwards packet to the backend connection unmodified.
func (e *ServerEndpoint) RouteQuery(packet []byte) error {
	if e.conn == nil {
		return fmt.Errorf("endpoint %s: not connected", e.server.NameStr)
	}
	return e.conn.SendCommand(packet)
}

// ClientReply is not called on a leaf endpoint; replies flow the other
// direction, from the endpoint up to the RouterSession.
func (e *ServerEndpoint) ClientReply(packet []byte, trace *ReplyTrace, meta ReplyMeta) error {
	return fmt.Errorf("endpoint %s: ClientReply called on a leaf endpoint", e.server.NameStr)
}

// HandleError propagates a failure up through upstream, tagging it with
// this endpoint's name for the Reply trace / KILL resolution machinery.
func (e *ServerEndpoint) HandleError(kind ErrorKind, message string, failingEndpoint string, meta ReplyMeta) error {
	if e.upstream == nil {
		return nil
	}
	return e.upstream.HandleError(kind, message, e.server.NameStr, meta)
}

// ReadReply reads one full reply from the backend and forwards it to
// upstream wrapped in a ReplyTrace naming this endpoint (spec.md §4.3
// "Reply trace").
func (e *ServerEndpoint) ReadReply(trace *ReplyTrace, meta ReplyMeta) error {
	raw, status, err := e.conn.ReadReply()
	if err != nil {
		return e.HandleError(Transient, err.Error(), e.server.NameStr, meta)
	}
	meta.Status = status
	if meta.HistoryID != 0 && e.sess != nil {
		e.sess.History.RecordOutcome(meta.HistoryID, len(raw) > 4 && raw[4] == wire.ErrHeader)
	}
	return e.upstream.ClientReply(raw, trace.Push(e.server.NameStr), meta)
}

// ReadRawReply reads one full reply from the backend without forwarding
// it upstream, for the rare commands whose reply the client connection
// must inspect itself (e.g. extracting the backend-assigned statement
// id from a COM_STMT_PREPARE response, spec.md §8 invariant 4).
func (e *ServerEndpoint) ReadRawReply() (raw []byte, status uint16, err error) {
	return e.conn.ReadReply()
}

// Release returns the connection to the server's pool, or closes it if
// the session cannot be safely pooled (e.g. mid-transaction).
func (e *ServerEndpoint) Release(poolable bool) {
	if e.conn == nil {
		return
	}
	if poolable {
		e.server.pool.Put(e.conn)
	} else {
		e.conn.Close()
	}
	e.conn = nil
}

// ThreadID returns the backend's connection id for this endpoint's
// link, used to rewrite a proxy-visible KILL into a backend-visible one
// (spec.md §4.3 "KILL handling").
func (e *ServerEndpoint) ThreadID() uint32 {
	if e.conn == nil {
		return 0
	}
	return e.conn.ConnectionID()
}
