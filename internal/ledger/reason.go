package ledger

import "strings"

// Reason tags recorded on change rows.
const (
	ReasonCreate         = "create"
	ReasonPriorityChange = "priority_change"
	ReasonPhaseChange    = "phase_change"
	ReasonNote           = "note"
	ReasonUpdate         = "update"
)

// Classify derives the reason tag for a change. The precedence is fixed
// and shared by all three entity kinds: priority_change, then
// phase_change, then note, then update. A whitespace-only note counts
// as absent.
func Classify(oldPhase, newPhase, oldPriority, newPriority int64, note string) string {
	switch {
	case oldPriority != newPriority:
		return ReasonPriorityChange
	case oldPhase != newPhase:
		return ReasonPhaseChange
	case strings.TrimSpace(note) != "":
		return ReasonNote
	default:
		return ReasonUpdate
	}
}
