package planner

import (
	"testing"

	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
)

func TestBuildPlanGithubDefaultOrder(t *testing.T) {
	plan := BuildPlan("github", nil)
	if len(plan) != 9 {
		t.Fatalf("expected 9 cards for github default plan, got %d", len(plan))
	}
	if plan[0].CardType != "resource.github.profile" {
		t.Fatalf("expected first card resource.github.profile, got %s", plan[0].CardType)
	}
	for _, c := range plan {
		if c.Status != "pending" {
			t.Fatalf("card %s should start pending, got %s", c.CardType, c.Status)
		}
	}
}

func TestBuildPlanRequestedClosureIncludesDeps(t *testing.T) {
	plan := BuildPlan("github", []string{"repos"})
	types := map[string]bool{}
	for _, c := range plan {
		types[c.CardType] = true
	}
	for _, want := range []string{"repos", "resource.github.enrich", "resource.github.data"} {
		if !types[want] {
			t.Fatalf("expected %s to be included in closure for repos, got %v", want, types)
		}
	}
	if types["profile"] {
		t.Fatalf("did not request profile or anything depending on it, should not be included")
	}
}

func TestBuildPlanUnknownSourceFallsBack(t *testing.T) {
	plan := BuildPlan("unknown-source", nil)
	if len(plan) != 2 {
		t.Fatalf("expected fallback plan of 2 cards, got %d", len(plan))
	}
	if plan[0].CardType != "full_report" || plan[1].CardType != "summary" {
		t.Fatalf("unexpected fallback plan: %+v", plan)
	}
}

func TestBuildPlanUnknownRequestedCardAppendedVerbatim(t *testing.T) {
	plan := BuildPlan("twitter", []string{"profile", "weird_extra_card"})
	last := plan[len(plan)-1]
	if last.CardType != "weird_extra_card" {
		t.Fatalf("expected unknown requested card appended at end, got %s", last.CardType)
	}
	if len(last.DependsOn) != 1 || last.DependsOn[0] != "full_report" {
		t.Fatalf("unknown card should depend on full_report, got %v", last.DependsOn)
	}
}

func TestConcurrencyGroupDefaults(t *testing.T) {
	plan := BuildPlan("scholar", nil)
	groups := map[string]string{}
	for _, c := range plan {
		groups[c.CardType] = c.ConcurrencyGroup
	}
	if groups["resource.scholar.page0"] != "crawlbase" {
		t.Fatalf("expected crawlbase group for scholar resource card, got %s", groups["resource.scholar.page0"])
	}
	if groups["resource.scholar.level"] != "llm" {
		t.Fatalf("expected explicit llm group preserved, got %s", groups["resource.scholar.level"])
	}
}

func TestDependentCardsExcludesInternal(t *testing.T) {
	for _, c := range DependentCards("github") {
		if c == "full_report" || model.IsInternalCardType(c) {
			t.Fatalf("dependent cards must exclude internal types, found %s", c)
		}
	}
}
