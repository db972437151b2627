package server

import (
	"trackerz/internal/domain"
)

// Request payloads

type CreateWorkItemRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"Low,Medium,High,Critical"`
	Note        *string `json:"note,omitempty"`
}

type UpdateWorkItemRequest struct {
	Phase       *string `json:"phase,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"Low,Medium,High,Critical"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Note        *string `json:"note,omitempty"`
}

type DevTokenRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type WorkItemResponse struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind" enum:"project,task,subtask"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Phase       string `json:"phase"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ChangeResponse struct {
	ID          int64  `json:"id"`
	ChangedAt   string `json:"changed_at" format:"date-time"`
	Actor       string `json:"actor,omitempty"`
	Reason      string `json:"reason"`
	OldPhase    string `json:"old_phase"`
	NewPhase    string `json:"new_phase"`
	OldPriority string `json:"old_priority"`
	NewPriority string `json:"new_priority"`
	Note        string `json:"note,omitempty"`
}

type PhaseResponse struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	IsTerminal     bool     `json:"is_terminal"`
	AllowedTargets []string `json:"allowed_targets"`
}

type PriorityResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

func ToWorkItemResponse(w domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:          w.ID,
		Kind:        string(w.Kind),
		ParentID:    w.ParentID,
		Title:       w.Title,
		Description: w.Description,
		Phase:       w.Phase,
		Priority:    w.Priority,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func ToWorkItemResponses(items []domain.WorkItem) []WorkItemResponse {
	out := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		out = append(out, ToWorkItemResponse(w))
	}
	return out
}

func ToChangeResponse(c domain.ChangeRecord) ChangeResponse {
	return ChangeResponse{
		ID:          c.ID,
		ChangedAt:   c.ChangedAt,
		Actor:       c.Actor,
		Reason:      c.Reason,
		OldPhase:    c.OldPhase,
		NewPhase:    c.NewPhase,
		OldPriority: c.OldPriority,
		NewPriority: c.NewPriority,
		Note:        c.Note,
	}
}

func ToChangeResponses(records []domain.ChangeRecord) []ChangeResponse {
	out := make([]ChangeResponse, 0, len(records))
	for _, c := range records {
		out = append(out, ToChangeResponse(c))
	}
	return out
}
