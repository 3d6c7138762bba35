// Package planner expands (source, requested_cards) into a card DAG with
// dependencies, priority and concurrency group (spec §4.5). The card matrix
// below is input data to the planner, transliterated verbatim from
// original_source/server/analyze/rules.py's CARD_MATRIX — the planner never
// invents card types.
package planner

// CardDef is one entry of the per-source matrix.
type CardDef struct {
	CardType         string
	DependsOn        []string
	Priority         int
	ConcurrencyGroup string // empty means "derive a default"
}

// Matrix is the static per-source card catalogue.
var Matrix = map[string][]CardDef{
	"scholar": {
		{CardType: "resource.scholar.page0", DependsOn: nil, Priority: 100},
		{CardType: "resource.scholar.full", DependsOn: nil, Priority: 90},
		{CardType: "resource.scholar.level", DependsOn: []string{"resource.scholar.full"}, Priority: 80, ConcurrencyGroup: "llm"},
		{CardType: "researcherInfo", DependsOn: []string{"resource.scholar.page0"}, Priority: 80},
		{CardType: "publicationStats", DependsOn: []string{"resource.scholar.full"}, Priority: 70},
		{CardType: "publicationInsight", DependsOn: []string{"resource.scholar.full"}, Priority: 60},
		{CardType: "roleModel", DependsOn: []string{"resource.scholar.full"}, Priority: 50},
		{CardType: "closestCollaborator", DependsOn: []string{"resource.scholar.full"}, Priority: 40},
		{CardType: "estimatedSalary", DependsOn: []string{"resource.scholar.level"}, Priority: 35},
		{CardType: "researcherCharacter", DependsOn: []string{"resource.scholar.level"}, Priority: 34},
		{CardType: "paperOfYear", DependsOn: []string{"resource.scholar.full"}, Priority: 30},
		{CardType: "representativePaper", DependsOn: []string{"resource.scholar.full"}, Priority: 20},
		{CardType: "criticalReview", DependsOn: []string{"resource.scholar.full"}, Priority: 75, ConcurrencyGroup: "llm"},
	},
	"github": {
		{CardType: "resource.github.profile", DependsOn: nil, Priority: 100},
		{CardType: "resource.github.data", DependsOn: nil, Priority: 90},
		{CardType: "resource.github.enrich", DependsOn: []string{"resource.github.data"}, Priority: 5, ConcurrencyGroup: "llm"},
		{CardType: "profile", DependsOn: []string{"resource.github.profile"}, Priority: 30},
		{CardType: "activity", DependsOn: []string{"resource.github.data"}, Priority: 20},
		{CardType: "repos", DependsOn: []string{"resource.github.enrich"}, Priority: 10, ConcurrencyGroup: "default"},
		{CardType: "role_model", DependsOn: []string{"resource.github.enrich"}, Priority: 40, ConcurrencyGroup: "default"},
		{CardType: "roast", DependsOn: []string{"resource.github.enrich"}, Priority: 50, ConcurrencyGroup: "default"},
		{CardType: "summary", DependsOn: []string{"resource.github.enrich"}, Priority: 60, ConcurrencyGroup: "default"},
	},
	"linkedin": {
		{CardType: "resource.linkedin.preview", DependsOn: nil, Priority: 100, ConcurrencyGroup: "default"},
		{CardType: "resource.linkedin.raw_profile", DependsOn: []string{"resource.linkedin.preview"}, Priority: 0},
		{CardType: "resource.linkedin.enrich", DependsOn: []string{"resource.linkedin.raw_profile"}, Priority: 5, ConcurrencyGroup: "llm"},
		{CardType: "profile", DependsOn: []string{"resource.linkedin.enrich"}, Priority: 10},
		{CardType: "skills", DependsOn: []string{"resource.linkedin.enrich"}, Priority: 20, ConcurrencyGroup: "default"},
		{CardType: "career", DependsOn: []string{"resource.linkedin.enrich"}, Priority: 30, ConcurrencyGroup: "default"},
		{CardType: "role_model", DependsOn: []string{"resource.linkedin.enrich"}, Priority: 40, ConcurrencyGroup: "default"},
		{CardType: "money", DependsOn: []string{"resource.linkedin.enrich"}, Priority: 50, ConcurrencyGroup: "default"},
		{CardType: "roast", DependsOn: []string{"profile"}, Priority: 60},
		{CardType: "summary", DependsOn: []string{"resource.linkedin.enrich"}, Priority: 70, ConcurrencyGroup: "default"},
	},
	"huggingface": {
		{CardType: "full_report", DependsOn: nil, Priority: 0},
		{CardType: "profile", DependsOn: []string{"full_report"}, Priority: 10},
		{CardType: "summary", DependsOn: []string{"full_report"}, Priority: 20},
	},
	"twitter": {
		{CardType: "full_report", DependsOn: nil, Priority: 0},
		{CardType: "profile", DependsOn: []string{"full_report"}, Priority: 10},
		{CardType: "stats", DependsOn: []string{"full_report"}, Priority: 20},
		{CardType: "network", DependsOn: []string{"full_report"}, Priority: 30},
		{CardType: "summary", DependsOn: []string{"full_report"}, Priority: 40},
	},
	"openreview": {
		{CardType: "full_report", DependsOn: nil, Priority: 0},
		{CardType: "profile", DependsOn: []string{"full_report"}, Priority: 10},
		{CardType: "papers", DependsOn: []string{"full_report"}, Priority: 20},
		{CardType: "summary", DependsOn: []string{"full_report"}, Priority: 30},
	},
	"youtube": {
		{CardType: "full_report", DependsOn: nil, Priority: 0},
		{CardType: "profile", DependsOn: []string{"full_report"}, Priority: 10},
		{CardType: "summary", DependsOn: []string{"full_report"}, Priority: 20},
	},
}

// aiCards are well-known AI/LLM-producing card types that default to the
// "llm" concurrency group when the matrix does not specify one.
var aiCards = map[string]bool{
	"repos": true, "role_model": true, "roast": true, "summary": true,
	"news": true, "level": true, "skills": true, "career": true, "money": true,
}

func fallbackDefs() []CardDef {
	return []CardDef{
		{CardType: "full_report", DependsOn: nil, Priority: 0},
		{CardType: "summary", DependsOn: []string{"full_report"}, Priority: 100},
	}
}

// cardDefsForSource returns the source's matrix entries sorted by priority
// descending, keeping declaration order among equal priorities (the matrix
// is not declared in priority order, e.g. scholar's criticalReview).
func cardDefsForSource(source string) []CardDef {
	defs, ok := Matrix[source]
	if !ok || len(defs) == 0 {
		return fallbackDefs()
	}
	out := make([]CardDef, len(defs))
	copy(out, defs)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func defaultConcurrencyGroup(source, cardType string) string {
	if len(cardType) >= len("resource.") && cardType[:len("resource.")] == "resource." {
		switch source {
		case "github":
			return "github_api"
		case "scholar":
			return "crawlbase"
		case "linkedin":
			return "apify"
		default:
			return "resource"
		}
	}
	if aiCards[cardType] {
		return "llm"
	}
	return "default"
}
