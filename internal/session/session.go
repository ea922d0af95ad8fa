// Package session holds the per-client Session: authentication data,
// current schema/role, session-command history, prepared-statement
// metadata, transaction tracking, and per-target response accumulators
// (spec.md §3 "Session").
package session

import (
	"sync"
	"time"

	"github.com/mxgateway/mxgateway/internal/users"
)

// Session is exclusively owned by one Worker at a time (spec.md §3
// "Ownership", §5). It is not safe to call its methods from more than
// one goroutine concurrently; the owning Worker serializes access.
type Session struct {
	ID uint32

	Username    string
	CurrentDB   string
	Role        string
	AuthEntry   users.Entry
	ClientAddr  string
	ClientHost  string // resolved via reverse DNS, if ever needed

	// Capabilities is frozen once at session start (Design Note §9:
	// "Bit-flag capabilities... Freeze into an immutable per-session
	// capabilities struct").
	Capabilities Capabilities

	History *History

	stmts map[uint32]*PreparedStmt

	Transaction TransactionState

	targetsMu sync.Mutex
	targets   map[string]*TargetStats

	createdAt time.Time
}

// Capabilities is the negotiated, per-session capability set computed
// once at handshake completion (spec.md §4.1 "Capability negotiation").
type Capabilities struct {
	Client          uint32
	SupportsSescmdHistory bool
	OldProtocolOnly bool
}

// PreparedStmt is the metadata table entry for one prepared statement:
// the proxy-visible id the client was given, the target it was prepared
// on and that target's own statement id, plus the parameter count and
// last-sent parameter type block (spec.md §3 "Session", §4.1
// "STMT_EXECUTE", §8 invariant 4). The backend id is only valid for
// Target's current connection; RebindStmt updates it after a reconnect
// re-prepares the statement under a new backend-assigned id.
type PreparedStmt struct {
	ID             uint32
	Target         string
	BackendID      uint32
	ParamCount     int
	LastParamTypes []byte
}

// TransactionState tracks whether a transaction is active/read-only and
// whether the session is in the brief "about to commit" half-state that
// forbids a mid-session reconnect (spec.md §4.4 "Transaction safety").
type TransactionState struct {
	Active       bool
	ReadOnly     bool
	AboutToCommit bool
}

// TargetStats accumulates per-target response-time statistics used by the
// read/write split's ADAPTIVE_ROUTING selection function (spec.md §4.4).
type TargetStats struct {
	EMAResponseTime   float64
	ActiveOperations  int
	LastWriteAt       time.Time
}

// New creates a Session with a fresh history counter.
func New(id uint32, addr string) *Session {
	return &Session{
		ID:         id,
		ClientAddr: addr,
		History:    NewHistory(),
		stmts:      make(map[uint32]*PreparedStmt),
		targets:    make(map[string]*TargetStats),
		createdAt:  time.Now(),
	}
}

// TargetStatsFor returns (creating if necessary) the stats accumulator
// for the named target.
func (s *Session) TargetStatsFor(name string) *TargetStats {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	ts, ok := s.targets[name]
	if !ok {
		ts = &TargetStats{}
		s.targets[name] = ts
	}
	return ts
}

// CanReconnect reports whether a mid-session backend reconnect is
// permitted right now, per spec.md §4.4 "Transaction safety for
// reconnect": the session must support session-command history replay
// and must not be mid-transaction or about to commit.
func (s *Session) CanReconnect() bool {
	if !s.Capabilities.SupportsSescmdHistory {
		return false
	}
	if s.Transaction.Active || s.Transaction.AboutToCommit {
		return false
	}
	return true
}

// PrepareStmt records a newly prepared statement: id is the proxy-visible
// handle returned to the client, target and backendID identify where it
// actually lives on the backend it was prepared against.
func (s *Session) PrepareStmt(id uint32, target string, backendID uint32, paramCount int) {
	s.stmts[id] = &PreparedStmt{ID: id, Target: target, BackendID: backendID, ParamCount: paramCount}
}

// StmtBinding returns the target and backend-assigned id a proxy-visible
// statement handle is currently bound to.
func (s *Session) StmtBinding(id uint32) (target string, backendID uint32, ok bool) {
	st, ok := s.stmts[id]
	if !ok {
		return "", 0, false
	}
	return st.Target, st.BackendID, true
}

// RebindStmt updates a statement's backend-assigned id after a reconnect
// replay re-prepared it on a fresh connection to the same target
// (spec.md §4.3 "Session command replay").
func (s *Session) RebindStmt(id uint32, backendID uint32) {
	if st, ok := s.stmts[id]; ok {
		st.BackendID = backendID
	}
}

// StmtParamCount returns the parameter count recorded at PrepareStmt
// time for id, or 0 if id is unknown.
func (s *Session) StmtParamCount(id uint32) int {
	if st, ok := s.stmts[id]; ok {
		return st.ParamCount
	}
	return 0
}

// StmtParamTypes returns the stored parameter-type block for id, if any.
func (s *Session) StmtParamTypes(id uint32) []byte {
	if st, ok := s.stmts[id]; ok {
		return st.LastParamTypes
	}
	return nil
}

// SetStmtParamTypes records the two-byte-per-parameter type block sent
// with a COM_STMT_EXECUTE whose "new parameters" flag was set (spec.md
// §4.1 "STMT_EXECUTE").
func (s *Session) SetStmtParamTypes(id uint32, types []byte) {
	if st, ok := s.stmts[id]; ok {
		st.LastParamTypes = types
	}
}

// CloseStmt drops a prepared statement's metadata, mirroring the removal
// of its COM_STMT_PREPARE from history (spec.md §8 invariant 4).
func (s *Session) CloseStmt(id uint32) {
	delete(s.stmts, id)
}
