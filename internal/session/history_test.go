package session

import "testing"

func TestHistoryIDNeverZeroOrMax(t *testing.T) {
	h := NewHistory()
	h.nextID = 1<<32 - 3
	ids := []uint32{h.NextID(), h.NextID(), h.NextID()}
	for _, id := range ids {
		if id == 0 || id == 1<<32-1 {
			t.Fatalf("id %d must never be 0 or 2^32-1", id)
		}
	}
	if ids[2] != 1 {
		t.Fatalf("expected wraparound to 1, got %d", ids[2])
	}
}

func TestStmtCloseRemovesPrepareFromHistory(t *testing.T) {
	h := NewHistory()
	id := h.NextID()
	h.Add(HistoryEntry{ID: id, IsStmtPrepare: true, ExpectedOK: true})
	h.Add(HistoryEntry{ID: h.NextID(), ExpectedOK: true})

	if !h.RemoveStmtPrepare(id) {
		t.Fatal("expected removal to report success")
	}
	for _, e := range h.Entries() {
		if e.ID == id {
			t.Fatalf("entry %d should have been removed", id)
		}
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", h.Len())
	}
}

func TestChangeUserClearsHistory(t *testing.T) {
	h := NewHistory()
	h.Add(HistoryEntry{ID: h.NextID()})
	h.Clear()
	if h.Len() != 0 {
		t.Fatalf("expected empty history after clear, got %d entries", h.Len())
	}
}
