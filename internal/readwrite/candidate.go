// Package readwrite implements the read/write split RouterSession:
// candidate gathering, priority classes, the configurable selection
// functions (including adaptive EMA-based routing), GTID/causal-read
// gating, and the per-session slave connection budget (spec.md §4.4).
package readwrite

import (
	"time"

	"github.com/mxgateway/mxgateway/internal/classify"
	"github.com/mxgateway/mxgateway/internal/session"
	"github.com/mxgateway/mxgateway/internal/wire"
)

// ServerRole mirrors the role a backend monitor assigns a server.
type ServerRole int

const (
	RoleUnknown ServerRole = iota
	RoleMaster
	RoleSlave
	RoleRelay
)

// CausalReadMode selects how GTID watermarks gate read candidates
// (spec.md §4.4, §8 invariant 7).
type CausalReadMode int

const (
	CausalReadNone CausalReadMode = iota
	CausalReadFast
	CausalReadFastGlobal
	CausalReadFastUniversal
)

// SelectionFunction names a read-candidate selection strategy (spec.md
// §4.4 "Apply the configured selection function").
type SelectionFunction int

const (
	LeastGlobalConnections SelectionFunction = iota
	LeastRouterConnections
	LeastBehindMaster
	LeastCurrentOperations
	AdaptiveRouting
)

// Candidate is one server under consideration for a read, with the
// live attributes the selection functions need.
type Candidate struct {
	Name               string
	Role               ServerRole
	Rank               int
	UnderMaintenance   bool
	ReplicationLagSecs int
	GTIDPosition       map[string]int64 // domain -> sequence
	GlobalConnections  int
	RouterConnections  int
	LastWriteAt        time.Time
	Version            wire.BackendVersion // fed into handshake capability negotiation

	Stats *session.TargetStats // per-session accumulator for this target
}

// priority returns the candidate's priority class for step 2 of §4.4's
// read policy: lower is better. Idle slaves beat busy slaves beat an
// idle master used only because masters_accepts_reads is configured on.
func (c Candidate) priority(masterAcceptsReads bool) int {
	switch {
	case c.Role == RoleSlave || c.Role == RoleRelay:
		if c.RouterConnections == 0 {
			return 0 // idle slave
		}
		return 1 // busy slave
	case c.Role == RoleMaster && masterAcceptsReads:
		if c.RouterConnections == 0 {
			return 2
		}
		return 3
	default:
		return 99
	}
}

// GatherParams bundles the inputs to read-candidate gathering that are
// not per-candidate (spec.md §4.4 "Gather candidates").
type GatherParams struct {
	SessionRank        int
	MaxReplicationLag   int // seconds; 0 disables the check
	MasterAcceptsReads  bool
	CausalMode         CausalReadMode
	GTIDWatermark      map[string]int64 // domain -> required sequence
	OpenSlaveCount      int
	MaxSlaveConnections int
}

// GatherCandidates filters all to the best-priority class of usable
// read targets, per §4.4 steps 1-3. A candidate already holding an open
// connection is always eligible regardless of the slave budget; opening
// a new one is gated by p.OpenSlaveCount < p.MaxSlaveConnections.
func GatherCandidates(all []Candidate, p GatherParams, alreadyOpen map[string]bool) []Candidate {
	var eligible []Candidate
	for _, c := range all {
		if c.UnderMaintenance || c.Rank != p.SessionRank {
			continue
		}
		if c.Role != RoleSlave && c.Role != RoleRelay && !(c.Role == RoleMaster && p.MasterAcceptsReads) {
			continue
		}
		if !alreadyOpen[c.Name] && p.OpenSlaveCount >= p.MaxSlaveConnections && c.Role != RoleMaster {
			continue
		}
		if p.MaxReplicationLag > 0 && c.ReplicationLagSecs > p.MaxReplicationLag {
			continue
		}
		if !gtidSatisfied(c, p) {
			continue
		}
		eligible = append(eligible, c)
	}
	return bestPriorityClass(eligible, p.MasterAcceptsReads)
}

func gtidSatisfied(c Candidate, p GatherParams) bool {
	if p.CausalMode == CausalReadNone {
		return true
	}
	for domain, want := range p.GTIDWatermark {
		if want == 0 {
			continue // sequence 0 imposes no gate (spec.md §8 invariant 7)
		}
		if c.GTIDPosition[domain] < want {
			return false
		}
	}
	return true
}

func bestPriorityClass(cands []Candidate, masterAcceptsReads bool) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	best := cands[0].priority(masterAcceptsReads)
	for _, c := range cands[1:] {
		if p := c.priority(masterAcceptsReads); p < best {
			best = p
		}
	}
	out := cands[:0:0]
	for _, c := range cands {
		if c.priority(masterAcceptsReads) == best {
			out = append(out, c)
		}
	}
	return out
}

// OperationClass classifies one query for write-vs-read routing,
// derived from a classify.Result (spec.md §4.4 "parsed operation kind").
type OperationClass int

const (
	OpClassRead OperationClass = iota
	OpClassWrite
	OpClassChangeDB
	OpClassOther
)

// ClassifyOperation maps a classify.Result onto the coarse read/write
// split categories the router needs.
func ClassifyOperation(r classify.Result) OperationClass {
	switch r.Kind {
	case classify.OpSelect, classify.OpShow, classify.OpExplain:
		return OpClassRead
	case classify.OpInsert, classify.OpUpdate, classify.OpDelete, classify.OpReplace,
		classify.OpDDL, classify.OpGrantRevoke, classify.OpLoadData,
		classify.OpSetRole, classify.OpSetSQLMode:
		// SET ROLE / SET sql_mode mutate session state a load-balanced
		// read could silently lose on a different replica, so they are
		// pinned to the write target like any other state-mutating
		// statement rather than falling into OpClassOther's read path.
		return OpClassWrite
	case classify.OpUse:
		return OpClassChangeDB
	default:
		return OpClassOther
	}
}
