package readwrite

import (
	"errors"
	"fmt"

	"github.com/mxgateway/mxgateway/internal/session"
)

// ErrNoMaster is returned by RouteWrite when no usable master exists
// and the configuration demands failing fast rather than queuing
// (spec.md §4.4 "Write policy").
var ErrNoMaster = errors.New("readwrite: no usable master")

// Config holds the per-service settings that drive one RouterSession
// (spec.md §4.4).
type Config struct {
	SelectionFunction   SelectionFunction
	MasterAcceptsReads  bool
	MaxReplicationLag   int
	CausalMode          CausalReadMode
	MaxSlaveConnections int
	LazyConnect         bool
	QueueOnNoMaster      bool
}

// RouterSession is the terminal Component of one session's routing
// chain: it decides, per query, whether to route to the master or to a
// selected replica (spec.md §2 "RouterSession", §4.4).
type RouterSession struct {
	cfg Config

	rank          int
	trxActive     bool
	trxReadOnly   bool
	gtidWatermark map[string]int64

	openSlaves map[string]bool
}

// New returns a RouterSession bound to cfg, initially out of any
// transaction and at the default rank (0).
func New(cfg Config) *RouterSession {
	return &RouterSession{cfg: cfg, openSlaves: make(map[string]bool)}
}

// SetRank pins the session to rank, so candidate gathering only
// considers servers operators have assigned the same rank (spec.md
// glossary "Rank").
func (rs *RouterSession) SetRank(rank int) { rs.rank = rank }

// BeginTransaction records that a transaction has started, and whether
// it was opened read-only (`START TRANSACTION READ ONLY`).
func (rs *RouterSession) BeginTransaction(readOnly bool) {
	rs.trxActive = true
	rs.trxReadOnly = readOnly
}

// EndTransaction clears transaction tracking on COMMIT/ROLLBACK.
func (rs *RouterSession) EndTransaction() {
	rs.trxActive = false
	rs.trxReadOnly = false
}

// SetGTIDWatermark records the causal-read sequence the session must
// observe on a replica before routing a read to it (spec.md §4.4, §8
// invariant 7). A sequence of 0 imposes no gate.
func (rs *RouterSession) SetGTIDWatermark(domain string, sequence int64) {
	if rs.gtidWatermark == nil {
		rs.gtidWatermark = make(map[string]int64)
	}
	rs.gtidWatermark[domain] = sequence
}

// RouteWrite selects the master candidate, or returns ErrNoMaster if
// none is usable (spec.md §4.4 "Write policy"). It always fails fast;
// the write is never queued to wait for a master.
func RouteWrite(candidates []Candidate) (Candidate, error) {
	for _, c := range candidates {
		if c.Role == RoleMaster && !c.UnderMaintenance {
			return c, nil
		}
	}
	return Candidate{}, ErrNoMaster
}

// RouteRead gathers, prioritizes, and selects one read candidate for
// the current transaction/rank/lag/causal-read state (spec.md §4.4
// "Read policy"). masterAcceptsReads and maxLag always come from rs.cfg;
// there is no per-call override. candidates lists every known backend
// regardless of role.
func (rs *RouterSession) RouteRead(candidates []Candidate) (Candidate, error) {
	params := GatherParams{
		SessionRank:         rs.rank,
		MaxReplicationLag:   rs.cfg.MaxReplicationLag,
		MasterAcceptsReads:  rs.cfg.MasterAcceptsReads,
		CausalMode:          rs.cfg.CausalMode,
		GTIDWatermark:       rs.gtidWatermark,
		OpenSlaveCount:      len(rs.openSlaves),
		MaxSlaveConnections: rs.cfg.MaxSlaveConnections,
	}
	eligible := GatherCandidates(candidates, params, rs.openSlaves)
	chosen, ok := Select(rs.cfg.SelectionFunction, eligible)
	if !ok {
		return Candidate{}, fmt.Errorf("readwrite: no read candidate available")
	}
	if chosen.Role != RoleMaster {
		rs.openSlaves[chosen.Name] = true
	}
	return chosen, nil
}

// CanReconnect defers to the session's own reconnect-safety rule
// (spec.md §4.4 "Transaction safety for reconnect"): history-replay
// support, and no active or about-to-commit transaction.
func CanReconnect(sess *session.Session) bool {
	return sess.CanReconnect()
}

// EagerOpenOrder returns the candidates a session should proactively
// connect to at session start, in least-global-connections order, when
// LazyConnect is disabled (spec.md §4.4 "Slave budget").
func (rs *RouterSession) EagerOpenOrder(candidates []Candidate) []Candidate {
	if rs.cfg.LazyConnect {
		return nil
	}
	out := append([]Candidate(nil), candidates...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].GlobalConnections < out[j-1].GlobalConnections; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > rs.cfg.MaxSlaveConnections+1 { // +1 for the master
		out = out[:rs.cfg.MaxSlaveConnections+1]
	}
	return out
}
