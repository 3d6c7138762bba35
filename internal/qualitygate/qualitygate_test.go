package qualitygate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const githubProfilePolicy = `
package cards.github.profile

default decision = {"action": "reject", "issue": "missing_login"}

decision = {"action": "accept", "normalized": input.data} {
	input.data.login != ""
}
`

func newTestEngine(t *testing.T, policy string) *Engine {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "github_profile.rego"), []byte(policy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	e := NewEngine(dir, nil, nil)
	if err := e.LoadPolicies(context.Background()); err != nil {
		t.Fatalf("load policies: %v", err)
	}
	return e
}

func TestEvaluateAccepts(t *testing.T) {
	e := newTestEngine(t, githubProfilePolicy)
	decision, err := e.Evaluate(context.Background(), "github", "profile", map[string]any{"login": "torvalds"}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != ActionAccept {
		t.Fatalf("expected accept, got %+v", decision)
	}
}

func TestEvaluateRejectsOnDefault(t *testing.T) {
	e := newTestEngine(t, githubProfilePolicy)
	decision, err := e.Evaluate(context.Background(), "github", "profile", map[string]any{"login": ""}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != ActionReject || decision.Issue != "missing_login" {
		t.Fatalf("expected reject with issue, got %+v", decision)
	}
}

func TestEvaluateMissingPolicyPassesThrough(t *testing.T) {
	e := newTestEngine(t, githubProfilePolicy)
	data := map[string]any{"foo": "bar"}
	decision, err := e.Evaluate(context.Background(), "linkedin", "profile", data, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != ActionAccept {
		t.Fatalf("expected pass-through accept, got %+v", decision)
	}
}

func TestIsReady(t *testing.T) {
	e := newTestEngine(t, githubProfilePolicy)
	if !e.IsReady() {
		t.Fatalf("expected engine to be ready after loading policies")
	}
}
