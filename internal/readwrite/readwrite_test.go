package readwrite

import (
	"testing"

	"github.com/mxgateway/mxgateway/internal/session"
)

func TestGatherCandidatesExcludesLaggingReplica(t *testing.T) {
	cands := []Candidate{
		{Name: "r1", Role: RoleSlave, ReplicationLagSecs: 2},
		{Name: "r2", Role: RoleSlave, ReplicationLagSecs: 8},
	}
	got := GatherCandidates(cands, GatherParams{MaxReplicationLag: 5, MaxSlaveConnections: 10}, nil)
	if len(got) != 1 || got[0].Name != "r1" {
		t.Fatalf("expected only r1, got %+v", got)
	}
}

func TestGatherCandidatesSwapsAfterLagChange(t *testing.T) {
	cands := []Candidate{
		{Name: "r1", Role: RoleSlave, ReplicationLagSecs: 8},
		{Name: "r2", Role: RoleSlave, ReplicationLagSecs: 2},
	}
	got := GatherCandidates(cands, GatherParams{MaxReplicationLag: 5, MaxSlaveConnections: 10}, nil)
	if len(got) != 1 || got[0].Name != "r2" {
		t.Fatalf("expected only r2 after lag swap, got %+v", got)
	}
}

func TestGatherCandidatesPrefersIdleOverBusySlave(t *testing.T) {
	cands := []Candidate{
		{Name: "busy", Role: RoleSlave, RouterConnections: 3},
		{Name: "idle", Role: RoleSlave, RouterConnections: 0},
	}
	got := GatherCandidates(cands, GatherParams{MaxSlaveConnections: 10}, nil)
	if len(got) != 1 || got[0].Name != "idle" {
		t.Fatalf("expected only the idle slave in the best priority class, got %+v", got)
	}
}

func TestGatherCandidatesRespectsSlaveBudget(t *testing.T) {
	cands := []Candidate{
		{Name: "r1", Role: RoleSlave},
		{Name: "r2", Role: RoleSlave},
	}
	already := map[string]bool{"r1": true}
	got := GatherCandidates(cands, GatherParams{MaxSlaveConnections: 1, OpenSlaveCount: 1}, already)
	if len(got) != 1 || got[0].Name != "r1" {
		t.Fatalf("expected only the already-open r1 within budget, got %+v", got)
	}
}

func TestCausalReadGatesOnGTID(t *testing.T) {
	cands := []Candidate{
		{Name: "behind", Role: RoleSlave, GTIDPosition: map[string]int64{"0": 5}},
		{Name: "caught-up", Role: RoleSlave, GTIDPosition: map[string]int64{"0": 10}},
	}
	params := GatherParams{
		MaxSlaveConnections: 10,
		CausalMode:          CausalReadFast,
		GTIDWatermark:       map[string]int64{"0": 10},
	}
	got := GatherCandidates(cands, params, nil)
	if len(got) != 1 || got[0].Name != "caught-up" {
		t.Fatalf("expected only caught-up replica, got %+v", got)
	}
}

func TestCausalReadSequenceZeroImposesNoGate(t *testing.T) {
	cands := []Candidate{{Name: "any", Role: RoleSlave, GTIDPosition: map[string]int64{"0": 0}}}
	params := GatherParams{
		MaxSlaveConnections: 10,
		CausalMode:          CausalReadFast,
		GTIDWatermark:       map[string]int64{"0": 0},
	}
	got := GatherCandidates(cands, params, nil)
	if len(got) != 1 {
		t.Fatalf("expected sequence 0 to impose no gate, got %+v", got)
	}
}

func TestSelectLeastRouterConnections(t *testing.T) {
	cands := []Candidate{
		{Name: "a", RouterConnections: 5},
		{Name: "b", RouterConnections: 1},
	}
	got, ok := Select(LeastRouterConnections, cands)
	if !ok || got.Name != "b" {
		t.Fatalf("expected b, got %+v ok=%v", got, ok)
	}
}

func TestSelectAdaptiveRoutingPicksLowerEstimate(t *testing.T) {
	// slow: EMA 0.5s, idle -> estimate 0.5*1 = 0.5
	// fast: EMA 0.01s, 2 active -> estimate 0.01*3 = 0.03 (lower, wins)
	cands := []Candidate{
		{Name: "slow", Stats: &session.TargetStats{EMAResponseTime: 0.5}},
		{Name: "fast", Stats: &session.TargetStats{EMAResponseTime: 0.01, ActiveOperations: 2}},
	}
	got, ok := Select(AdaptiveRouting, cands)
	if !ok || got.Name != "fast" {
		t.Fatalf("expected fast, got %+v ok=%v", got, ok)
	}
}

func TestRouteWritePicksMaster(t *testing.T) {
	cands := []Candidate{
		{Name: "r1", Role: RoleSlave},
		{Name: "m1", Role: RoleMaster},
	}
	got, err := RouteWrite(cands)
	if err != nil || got.Name != "m1" {
		t.Fatalf("got %+v, err=%v", got, err)
	}
}

func TestRouteWriteNoMaster(t *testing.T) {
	cands := []Candidate{{Name: "r1", Role: RoleSlave}}
	_, err := RouteWrite(cands)
	if err != ErrNoMaster {
		t.Fatalf("expected ErrNoMaster, got %v", err)
	}
}
