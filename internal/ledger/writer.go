package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"trackerz/internal/domain"
)

// Writer appends change rows to the per-kind ledger tables. Appends run
// inside the caller's transaction so a change row never lands without the
// entity write it describes.
type Writer struct{}

// Entry is one change to record. Reason may be left empty, in which case
// the classifier fills it before the row is written.
type Entry struct {
	Kind          domain.Kind
	EntityID      int64
	Actor         string
	Reason        string
	OldPhaseID    int64
	NewPhaseID    int64
	OldPriorityID int64
	NewPriorityID int64
	Note          string
}

func tableFor(kind domain.Kind) (table, fkColumn string, err error) {
	switch kind {
	case domain.KindProject:
		return "project_updates", "project_id", nil
	case domain.KindTask:
		return "task_updates", "task_id", nil
	case domain.KindSubtask:
		return "subtask_updates", "subtask_id", nil
	}
	return "", "", fmt.Errorf("unknown entity kind %q", kind)
}

// Append writes one change row with the given timestamp. Blank notes are
// normalized to NULL so they never count as a note.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry, changedAt string) error {
	table, fk, err := tableFor(e.Kind)
	if err != nil {
		return err
	}
	note := strings.TrimSpace(e.Note)
	reason := e.Reason
	if reason == "" {
		reason = Classify(e.OldPhaseID, e.NewPhaseID, e.OldPriorityID, e.NewPriorityID, note)
	}
	query := fmt.Sprintf(`INSERT INTO %s(%s,changed_at_utc,actor,reason,old_phase_id,new_phase_id,old_priority_id,new_priority_id,note)
VALUES (?,?,?,?,?,?,?,?,?)`, table, fk)
	_, err = tx.ExecContext(ctx, query,
		e.EntityID, changedAt, nullable(e.Actor), reason,
		e.OldPhaseID, e.NewPhaseID, e.OldPriorityID, e.NewPriorityID, nullable(note))
	if err != nil {
		return fmt.Errorf("append %s change: %w", e.Kind, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
