package planner

import "github.com/elonfeng/dinq-analyze-sub001/internal/model"

// NormalizeCards returns the ordered card types for source, filtered to the
// transitive closure of requested (by depends_on) when requested is
// non-empty, preserving matrix order; card types absent from the matrix are
// appended verbatim, in request order (spec §4.5).
func NormalizeCards(source string, requested []string) []string {
	defs := cardDefsForSource(source)
	available := make(map[string]CardDef, len(defs))
	for _, d := range defs {
		available[d.CardType] = d
	}

	if len(requested) == 0 {
		out := make([]string, len(defs))
		for i, d := range defs {
			out[i] = d.CardType
		}
		return out
	}

	var requestedClean []string
	for _, c := range requested {
		if c != "" {
			requestedClean = append(requestedClean, c)
		}
	}

	include := map[string]bool{}
	var addCard func(cardType string)
	addCard = func(cardType string) {
		if include[cardType] {
			return
		}
		include[cardType] = true
		if d, ok := available[cardType]; ok {
			for _, dep := range d.DependsOn {
				addCard(dep)
			}
		}
	}
	for _, c := range requestedClean {
		addCard(c)
	}

	var ordered []string
	for _, d := range defs {
		if include[d.CardType] {
			ordered = append(ordered, d.CardType)
		}
	}
	seen := map[string]bool{}
	for _, c := range ordered {
		seen[c] = true
	}
	for _, extra := range requestedClean {
		if _, known := available[extra]; known {
			continue
		}
		if !seen[extra] {
			ordered = append(ordered, extra)
			seen[extra] = true
		}
	}
	return ordered
}

// BuildPlan expands (source, requested) into the ordered card specs that
// become pending Cards at job creation time. All cards start in "pending" —
// the Job Store promotes runnable ones to "ready" via ReleaseReadyCards, so
// a concurrent cache-hit completion path can safely pre-skip them before the
// scheduler claims anything (spec §4.5 note on the pending/ready race).
func BuildPlan(source string, requested []string) []model.Card {
	defs := cardDefsForSource(source)
	lookup := make(map[string]CardDef, len(defs))
	for _, d := range defs {
		lookup[d.CardType] = d
	}
	cards := NormalizeCards(source, requested)

	plan := make([]model.Card, 0, len(cards))
	for _, ct := range cards {
		spec, known := lookup[ct]
		dependsOn := spec.DependsOn
		if !known {
			dependsOn = []string{"full_report"}
		}
		group := spec.ConcurrencyGroup
		if group == "" {
			group = defaultConcurrencyGroup(source, ct)
		}
		plan = append(plan, model.Card{
			CardType:         ct,
			Status:           model.CardPending,
			DependsOn:        append([]string(nil), dependsOn...),
			Priority:         spec.Priority,
			ConcurrencyGroup: group,
			Internal:         model.IsInternalCardType(ct),
		})
	}
	return plan
}

// DependentCards returns the client-visible (non-internal) card types for a
// source, in matrix order — used by callers that need the business-card set
// without the resource.*/full_report scaffolding (e.g. the usability check).
func DependentCards(source string) []string {
	cards := NormalizeCards(source, nil)
	out := make([]string, 0, len(cards))
	for _, c := range cards {
		if c != "full_report" && !model.IsInternalCardType(c) {
			out = append(out, c)
		}
	}
	return out
}
