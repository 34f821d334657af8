package entities

import "time"

// MaxHistory bounds the decision ledger kept on the irrigation document.
const MaxHistory = 50

// HistoryEntry is one audited pump or mode command. Entries are never edited.
type HistoryEntry struct {
	Action    Action    `json:"action"`
	Source    Source    `json:"source"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// History is ordered newest first.
type History []HistoryEntry

// Prepend returns a new ledger with e at the front, evicting the oldest entries
// beyond MaxHistory. The receiver is left untouched.
func (h History) Prepend(e HistoryEntry) History {
	n := len(h) + 1
	if n > MaxHistory {
		n = MaxHistory
	}
	out := make(History, 0, n)
	out = append(out, e)
	for _, old := range h {
		if len(out) == MaxHistory {
			break
		}
		out = append(out, old)
	}
	return out
}

// Latest returns the newest entry, if any.
func (h History) Latest() (HistoryEntry, bool) {
	if len(h) == 0 {
		return HistoryEntry{}, false
	}
	return h[0], true
}
