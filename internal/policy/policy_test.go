package policy_test

import (
	"context"
	"errors"
	"testing"

	"trackerz/internal/db"
	"trackerz/internal/migrate"
	"trackerz/internal/policy"
)

func newTestPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pol, err := policy.Load(context.Background(), conn)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return pol
}

func TestInitialPhase(t *testing.T) {
	pol := newTestPolicy(t)
	if got := pol.Initial().Name; got != "Open" {
		t.Fatalf("initial phase %q, want Open", got)
	}
}

func TestAllowedTransitions(t *testing.T) {
	pol := newTestPolicy(t)
	mustID := func(name string) int64 {
		p, ok := pol.PhaseByName(name)
		if !ok {
			t.Fatalf("unknown phase %q", name)
		}
		return p.ID
	}
	open := mustID("Open")
	inProgress := mustID("In Progress")
	inHiatus := mustID("In Hiatus")
	resolved := mustID("Resolved")
	closed := mustID("Closed")

	cases := []struct {
		from, to int64
		allowed  bool
	}{
		{open, inProgress, true},
		{inProgress, inHiatus, true},
		{inProgress, resolved, true},
		{inHiatus, inProgress, true},
		{resolved, closed, true},
		{open, resolved, false},
		{open, closed, false},
		{inHiatus, resolved, false},
		{resolved, inProgress, false},
		{closed, open, false},
	}
	for _, tc := range cases {
		if got := pol.Allowed(tc.from, tc.to); got != tc.allowed {
			t.Errorf("Allowed(%d, %d) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestValidateNoChange(t *testing.T) {
	pol := newTestPolicy(t)
	open, _ := pol.PhaseByName("Open")
	err := pol.Validate(open.ID, open.ID)
	if !errors.Is(err, policy.ErrNoChange) {
		t.Fatalf("expected ErrNoChange, got %v", err)
	}
}

func TestValidateTerminal(t *testing.T) {
	pol := newTestPolicy(t)
	closed, _ := pol.PhaseByName("Closed")
	open, _ := pol.PhaseByName("Open")
	err := pol.Validate(closed.ID, open.ID)
	if !errors.Is(err, policy.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if !pol.IsTerminal(closed.ID) {
		t.Fatalf("Closed should be terminal")
	}
	if targets := pol.AllowedTargets(closed.ID); len(targets) != 0 {
		t.Fatalf("terminal phase has targets: %v", targets)
	}
}

func TestValidateDisallowed(t *testing.T) {
	pol := newTestPolicy(t)
	open, _ := pol.PhaseByName("Open")
	resolved, _ := pol.PhaseByName("Resolved")
	err := pol.Validate(open.ID, resolved.ID)
	if !errors.Is(err, policy.ErrDisallowed) {
		t.Fatalf("expected ErrDisallowed, got %v", err)
	}
	var te *policy.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %T", err)
	}
	if te.From.Name != "Open" || te.To.Name != "Resolved" {
		t.Fatalf("unexpected endpoints: %s -> %s", te.From.Name, te.To.Name)
	}
}

func TestValidateAllowed(t *testing.T) {
	pol := newTestPolicy(t)
	open, _ := pol.PhaseByName("Open")
	inProgress, _ := pol.PhaseByName("In Progress")
	if err := pol.Validate(open.ID, inProgress.ID); err != nil {
		t.Fatalf("valid transition rejected: %v", err)
	}
}

func TestValidateUnknownPhase(t *testing.T) {
	pol := newTestPolicy(t)
	open, _ := pol.PhaseByName("Open")
	if err := pol.Validate(open.ID, 99); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}
