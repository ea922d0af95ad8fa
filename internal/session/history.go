package session

// HistoryEntry is one recorded session-affecting command: its assigned
// id, the raw command packet to replay, and whether the original reply
// was expected to be an OK (vs. a result set) (spec.md §3 "Session-command
// history").
type HistoryEntry struct {
	ID            uint32
	Packet        []byte
	IsStmtPrepare bool // lets COM_STMT_CLOSE find and remove its pair
	ExpectedOK    bool

	// OriginalErr/OriginalRecorded capture the OK/ERR outcome the
	// backend actually gave when this entry first ran, so a later
	// reconnect replay can be checked for divergence (spec.md §2
	// "session-command replay divergences"). OriginalRecorded is false
	// until the first reply is observed.
	OriginalErr      bool
	OriginalRecorded bool
}

// History is the ordered, replayable list of session-affecting commands
// a fresh backend connection must run before any new command is routed
// (spec.md §3, §4.3 "Session command replay"). IDs are assigned from a
// monotonically increasing counter that wraps before reaching 2^32-1;
// 0 and 2^32-1 are reserved (spec.md §8 invariant 5).
type History struct {
	entries []HistoryEntry
	nextID  uint32
}

// NewHistory returns an empty history with the id counter seeded at 1.
func NewHistory() *History {
	return &History{nextID: 1}
}

// NextID allocates the next history id, wrapping from 2^32-2 back to 1
// so that 0 and 2^32-1 are never assigned (spec.md §3, §8 invariant 5).
func (h *History) NextID() uint32 {
	id := h.nextID
	if h.nextID == 1<<32-2 {
		h.nextID = 1
	} else {
		h.nextID++
	}
	return id
}

// Add appends a new entry to the history.
func (h *History) Add(e HistoryEntry) {
	h.entries = append(h.entries, e)
}

// RecordOutcome stores the first observed OK/ERR outcome for the entry
// with id, if it hasn't already been recorded, so a later reconnect
// replay can be compared against it.
func (h *History) RecordOutcome(id uint32, isErr bool) {
	for i := range h.entries {
		if h.entries[i].ID == id && !h.entries[i].OriginalRecorded {
			h.entries[i].OriginalErr = isErr
			h.entries[i].OriginalRecorded = true
			return
		}
	}
}

// RemoveStmtPrepare removes the COM_STMT_PREPARE entry with the given id,
// as a matching COM_STMT_CLOSE does (spec.md §3, §8 invariant 4). It
// returns true if an entry was removed.
func (h *History) RemoveStmtPrepare(id uint32) bool {
	for i, e := range h.entries {
		if e.ID == id && e.IsStmtPrepare {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the history, as COM_CHANGE_USER does (spec.md §3).
func (h *History) Clear() {
	h.entries = nil
}

// Entries returns the current replay list, in recorded order. The slice
// is a copy so callers may iterate it while the session continues to
// mutate the underlying history.
func (h *History) Entries() []HistoryEntry {
	return append([]HistoryEntry(nil), h.entries...)
}

// Len reports the number of entries currently recorded.
func (h *History) Len() int { return len(h.entries) }
