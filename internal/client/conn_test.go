package client

import (
	"testing"

	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/wire"
)

func TestNegotiateCapabilityNoCandidatesReturnsBaseUnmasked(t *testing.T) {
	cap, old := negotiateCapability(wire.DefaultCapability, nil)
	if cap != wire.DefaultCapability || old {
		t.Fatalf("got cap=%#x old=%v", cap, old)
	}
}

func TestNegotiateCapabilityMasksForOldMySQLBackend(t *testing.T) {
	candidates := []readwrite.Candidate{
		{Name: "db1", Version: wire.BackendVersion{Major: 5, Minor: 5}},
	}
	cap, old := negotiateCapability(wire.DefaultCapability, candidates)
	if !old {
		t.Fatal("expected oldProtocolOnly=true")
	}
	if cap&wire.CapSessionTrack != 0 || cap&wire.CapDeprecateEOF != 0 {
		t.Fatalf("expected SESSION_TRACK/DEPRECATE_EOF masked, got %#x", cap)
	}
}

func TestNegotiateCapabilitySkipsMaintenanceCandidates(t *testing.T) {
	candidates := []readwrite.Candidate{
		{Name: "down", UnderMaintenance: true, Version: wire.BackendVersion{Major: 5, Minor: 5}},
	}
	cap, old := negotiateCapability(wire.DefaultCapability, candidates)
	if old || cap != wire.DefaultCapability {
		t.Fatalf("maintenance candidates must not affect negotiation, got cap=%#x old=%v", cap, old)
	}
}

func TestNegotiateCapabilityMariaDBBelow10_6MasksPSMultiResults(t *testing.T) {
	candidates := []readwrite.Candidate{
		{Name: "db1", Version: wire.BackendVersion{IsMariaDB: true, Major: 10, Minor: 3}},
	}
	cap, old := negotiateCapability(wire.DefaultCapability, candidates)
	if !old {
		t.Fatal("expected oldProtocolOnly=true")
	}
	if cap&wire.CapPSMultiResults != 0 {
		t.Fatalf("expected PS_MULTI_RESULTS masked for MariaDB 10.3, got %#x", cap)
	}
	if cap&wire.CapSessionTrack == 0 {
		t.Fatal("MariaDB 10.3 should still keep SESSION_TRACK (only pre-5.7/Xpand loses that)")
	}
}

func TestNegotiateCapabilityModernBackendMasksNothing(t *testing.T) {
	candidates := []readwrite.Candidate{
		{Name: "db1", Version: wire.BackendVersion{IsMariaDB: true, Major: 10, Minor: 11}},
	}
	cap, old := negotiateCapability(wire.DefaultCapability, candidates)
	if old || cap != wire.DefaultCapability {
		t.Fatalf("modern MariaDB backend should not be masked, got cap=%#x old=%v", cap, old)
	}
}
