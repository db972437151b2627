package domain

import "fmt"

// Kind identifies one of the three parallel work-item hierarchies.
// Tasks are owned by a project, subtasks by a task; projects have no parent.
type Kind string

const (
	KindProject Kind = "project"
	KindTask    Kind = "task"
	KindSubtask Kind = "subtask"
)

// Parent returns the owning kind, or "" for projects.
func (k Kind) Parent() Kind {
	switch k {
	case KindTask:
		return KindProject
	case KindSubtask:
		return KindTask
	}
	return ""
}

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	return k == KindProject || k == KindTask || k == KindSubtask
}

// ParseKind converts a string to a Kind or fails.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// Phase is a lifecycle state. Reference data, immutable at runtime.
type Phase struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	IsTerminal bool   `json:"is_terminal"`
	SortOrder  int    `json:"sort_order"`
}

// Priority is an ordered urgency level (Low < Medium < High < Critical).
type Priority struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// WorkItem is the shape shared by projects, tasks, and subtasks.
// ParentID is nil for projects.
type WorkItem struct {
	ID          int64  `json:"id"`
	Kind        Kind   `json:"kind"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PhaseID     int64  `json:"phase_id"`
	Phase       string `json:"phase"`
	PriorityID  int64  `json:"priority_id"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// ChangeRecord is one immutable audit row describing an applied mutation.
// Reason is always filled by the classifier before the row is written.
type ChangeRecord struct {
	ID            int64  `json:"id"`
	EntityID      int64  `json:"entity_id"`
	ChangedAt     string `json:"changed_at" format:"date-time"`
	Actor         string `json:"actor,omitempty"`
	Reason        string `json:"reason"`
	OldPhaseID    int64  `json:"old_phase_id"`
	NewPhaseID    int64  `json:"new_phase_id"`
	OldPhase      string `json:"old_phase"`
	NewPhase      string `json:"new_phase"`
	OldPriorityID int64  `json:"old_priority_id"`
	NewPriorityID int64  `json:"new_priority_id"`
	OldPriority   string `json:"old_priority"`
	NewPriority   string `json:"new_priority"`
	Note          string `json:"note,omitempty"`
}

// APIKey authenticates an actor against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
