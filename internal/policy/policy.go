package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"trackerz/internal/domain"
)

// Validation failure kinds, matchable with errors.Is.
var (
	// ErrNoChange: a phase "change" to the current phase is never valid;
	// note-only or priority-only edits take the plain-edit path instead.
	ErrNoChange = errors.New("phase unchanged")
	// ErrTerminal: the current phase admits no outgoing transitions.
	ErrTerminal = errors.New("phase is terminal")
	// ErrDisallowed: no edge from the current phase to the requested one.
	ErrDisallowed = errors.New("transition not allowed")
)

// TransitionError describes a rejected phase change.
type TransitionError struct {
	From domain.Phase
	To   domain.Phase
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("phase change %s -> %s: %v", e.From.Name, e.To.Name, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Policy is the immutable phase-transition graph. It is loaded once from
// the reference tables at process start and passed explicitly to whoever
// needs it; nothing mutates it afterwards.
type Policy struct {
	phases    map[int64]domain.Phase
	byName    map[string]domain.Phase
	edges     map[int64]map[int64]bool
	initialID int64
}

// Load reads phases and transitions from the store and builds the graph.
// Construction enforces what the runtime check alone should never have to
// rely on: no self-loops and no edges leaving a terminal phase.
func Load(ctx context.Context, db *sql.DB) (*Policy, error) {
	p := &Policy{
		phases: map[int64]domain.Phase{},
		byName: map[string]domain.Phase{},
		edges:  map[int64]map[int64]bool{},
	}
	rows, err := db.QueryContext(ctx, `SELECT id, name, is_terminal, sort_order FROM phases ORDER BY sort_order`)
	if err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ph domain.Phase
		var terminal int
		if err := rows.Scan(&ph.ID, &ph.Name, &terminal, &ph.SortOrder); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		ph.IsTerminal = terminal != 0
		p.phases[ph.ID] = ph
		p.byName[ph.Name] = ph
		if p.initialID == 0 {
			p.initialID = ph.ID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	if len(p.phases) == 0 {
		return nil, errors.New("no phases defined; run migrations")
	}

	edgeRows, err := db.QueryContext(ctx, `SELECT from_phase_id, to_phase_id FROM phase_transitions`)
	if err != nil {
		return nil, fmt.Errorf("load phase transitions: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var from, to int64
		if err := edgeRows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if err := p.addEdge(from, to); err != nil {
			return nil, err
		}
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("load phase transitions: %w", err)
	}
	return p, nil
}

func (p *Policy) addEdge(from, to int64) error {
	if from == to {
		return fmt.Errorf("transition %d -> %d is a self-loop", from, to)
	}
	src, ok := p.phases[from]
	if !ok {
		return fmt.Errorf("transition from unknown phase %d", from)
	}
	if _, ok := p.phases[to]; !ok {
		return fmt.Errorf("transition to unknown phase %d", to)
	}
	if src.IsTerminal {
		return fmt.Errorf("transition leaves terminal phase %s", src.Name)
	}
	if p.edges[from] == nil {
		p.edges[from] = map[int64]bool{}
	}
	p.edges[from][to] = true
	return nil
}

// Initial returns the phase new work items start in.
func (p *Policy) Initial() domain.Phase {
	return p.phases[p.initialID]
}

// PhaseByID looks up a phase.
func (p *Policy) PhaseByID(id int64) (domain.Phase, bool) {
	ph, ok := p.phases[id]
	return ph, ok
}

// PhaseByName looks up a phase by its display name.
func (p *Policy) PhaseByName(name string) (domain.Phase, bool) {
	ph, ok := p.byName[name]
	return ph, ok
}

// Phases returns all phases in sort order.
func (p *Policy) Phases() []domain.Phase {
	out := make([]domain.Phase, 0, len(p.phases))
	for _, ph := range p.phases {
		out = append(out, ph)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// IsTerminal reports whether the phase admits no outgoing transitions.
func (p *Policy) IsTerminal(id int64) bool {
	ph, ok := p.phases[id]
	return ok && ph.IsTerminal
}

// Allowed reports whether an edge from -> to exists and from is not terminal.
func (p *Policy) Allowed(from, to int64) bool {
	if p.IsTerminal(from) {
		return false
	}
	return p.edges[from][to]
}

// AllowedTargets returns the phases reachable from the given phase, in
// sort order.
func (p *Policy) AllowedTargets(from int64) []domain.Phase {
	var out []domain.Phase
	for to := range p.edges[from] {
		out = append(out, p.phases[to])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// Validate checks a requested phase change against the policy. It is a
// pure function of (policy, current, requested) and has no side effects.
func (p *Policy) Validate(current, requested int64) error {
	cur, ok := p.phases[current]
	if !ok {
		return fmt.Errorf("unknown current phase %d", current)
	}
	req, ok := p.phases[requested]
	if !ok {
		return fmt.Errorf("unknown requested phase %d", requested)
	}
	if current == requested {
		return &TransitionError{From: cur, To: req, Err: ErrNoChange}
	}
	if cur.IsTerminal {
		return &TransitionError{From: cur, To: req, Err: ErrTerminal}
	}
	if !p.edges[current][requested] {
		return &TransitionError{From: cur, To: req, Err: ErrDisallowed}
	}
	return nil
}
