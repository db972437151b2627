package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackerz/internal/config"
	"trackerz/internal/domain"
	"trackerz/internal/ledger"
	"trackerz/internal/policy"
	"trackerz/internal/repo"
)

// ErrConflict signals a transaction isolation conflict. The caller must
// re-read the entity and retry; the engine itself never retries.
var ErrConflict = errors.New("conflicting write, retry with fresh state")

// Engine coordinates mutations: it validates phase changes against the
// policy, applies entity edits, and appends the matching ledger row, all
// inside one transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Policy *policy.Policy
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, pol *policy.Policy, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Policy: pol,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// timestamp formats the coordinator clock as UTC RFC3339 at second
// resolution. Callers never supply their own timestamps.
func (e Engine) timestamp() string {
	return e.now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	Kind        domain.Kind
	ParentID    int64
	Title       string
	Description string
	PriorityID  int64
	Note        string
	Actor       string
}

// Create inserts a work item in the initial phase, paired atomically
// with its creation ledger row.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	if !opts.Kind.Valid() {
		return domain.WorkItem{}, fmt.Errorf("unknown entity kind %q", opts.Kind)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	priorityID := opts.PriorityID
	if priorityID == 0 {
		p, err := e.Repo.PriorityByName(ctx, e.defaultPriority())
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("resolve default priority: %w", err)
		}
		priorityID = p.ID
	} else if _, err := e.Repo.PriorityByID(ctx, priorityID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkItem{}, fmt.Errorf("unknown priority %d", priorityID)
		}
		return domain.WorkItem{}, err
	}

	w := domain.WorkItem{
		Kind:        opts.Kind,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		PhaseID:     e.Policy.Initial().ID,
		PriorityID:  priorityID,
	}
	if opts.Kind.Parent() != "" {
		if opts.ParentID == 0 {
			return domain.WorkItem{}, fmt.Errorf("%s requires a parent %s", opts.Kind, opts.Kind.Parent())
		}
		if _, err := e.Repo.GetWorkItem(ctx, opts.Kind.Parent(), opts.ParentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.WorkItem{}, fmt.Errorf("parent %s %d: %w", opts.Kind.Parent(), opts.ParentID, repo.ErrNotFound)
			}
			return domain.WorkItem{}, err
		}
		w.ParentID = &opts.ParentID
	}

	now := e.timestamp()
	w.CreatedAt = now
	w.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertWorkItem(ctx, tx, w)
	if err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	if err := e.Ledger.Append(ctx, tx, ledger.Entry{
		Kind:          w.Kind,
		EntityID:      id,
		Actor:         opts.Actor,
		Reason:        ledger.ReasonCreate,
		OldPhaseID:    w.PhaseID,
		NewPhaseID:    w.PhaseID,
		OldPriorityID: w.PriorityID,
		NewPriorityID: w.PriorityID,
		Note:          opts.Note,
	}, now); err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	return e.Repo.GetWorkItem(ctx, w.Kind, id)
}

// MutationOptions describes the requested edits. Nil fields are left
// untouched; Note applies to the ledger row only.
type MutationOptions struct {
	Kind        domain.Kind
	ID          int64
	NewPhase    *int64
	NewPriority *int64
	Title       *string
	Description *string
	Note        string
	Actor       string
}

// ApplyMutation validates and applies one mutation atomically. The
// entity row and its ledger row commit together or not at all, so the
// audit trail never diverges from entity state.
func (e Engine) ApplyMutation(ctx context.Context, opts MutationOptions) (domain.WorkItem, error) {
	if !opts.Kind.Valid() {
		return domain.WorkItem{}, fmt.Errorf("unknown entity kind %q", opts.Kind)
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.WorkItem{}, errors.New("title cannot be blank")
	}
	if opts.NewPriority != nil {
		if _, err := e.Repo.PriorityByID(ctx, *opts.NewPriority); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.WorkItem{}, fmt.Errorf("unknown priority %d", *opts.NewPriority)
			}
			return domain.WorkItem{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetWorkItemTx(ctx, tx, opts.Kind, opts.ID)
	if err != nil {
		return domain.WorkItem{}, err
	}

	// Validation happens before any write; a rejected phase change
	// aborts the whole mutation.
	if opts.NewPhase != nil {
		if err := e.Policy.Validate(cur.PhaseID, *opts.NewPhase); err != nil {
			return domain.WorkItem{}, err
		}
	}

	updated := cur
	if opts.NewPhase != nil {
		updated.PhaseID = *opts.NewPhase
	}
	if opts.NewPriority != nil {
		updated.PriorityID = *opts.NewPriority
	}
	if opts.Title != nil {
		updated.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		updated.Description = *opts.Description
	}

	now := e.timestamp()
	updated.UpdatedAt = now
	if err := e.Repo.UpdateWorkItem(ctx, tx, updated); err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	if err := e.Ledger.Append(ctx, tx, ledger.Entry{
		Kind:          opts.Kind,
		EntityID:      opts.ID,
		Actor:         opts.Actor,
		OldPhaseID:    cur.PhaseID,
		NewPhaseID:    updated.PhaseID,
		OldPriorityID: cur.PriorityID,
		NewPriorityID: updated.PriorityID,
		Note:          opts.Note,
	}, now); err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, storeErr(err)
	}
	return e.Repo.GetWorkItem(ctx, opts.Kind, opts.ID)
}

// Get loads a work item by kind and id.
func (e Engine) Get(ctx context.Context, kind domain.Kind, id int64) (domain.WorkItem, error) {
	return e.Repo.GetWorkItem(ctx, kind, id)
}

// ListChildren lists entities owned by a parent, most recently updated
// first.
func (e Engine) ListChildren(ctx context.Context, kind domain.Kind, parentID int64) ([]domain.WorkItem, error) {
	return e.Repo.ListChildren(ctx, kind, parentID)
}

// History returns the audit trail for one entity, newest change first.
func (e Engine) History(ctx context.Context, kind domain.Kind, id int64, limit int) ([]domain.ChangeRecord, error) {
	if _, err := e.Repo.GetWorkItem(ctx, kind, id); err != nil {
		return nil, err
	}
	return e.Repo.ListChanges(ctx, kind, id, limit)
}

// Delete removes an entity; children and their ledger rows cascade.
func (e Engine) Delete(ctx context.Context, kind domain.Kind, id int64) error {
	return storeErr(e.Repo.DeleteWorkItem(ctx, kind, id))
}

func (e Engine) defaultPriority() string {
	if e.Config != nil && e.Config.Defaults.Priority != "" {
		return e.Config.Defaults.Priority
	}
	return "Medium"
}

// storeErr maps sqlite lock contention onto ErrConflict so callers can
// distinguish retryable conflicts from hard store failures.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
