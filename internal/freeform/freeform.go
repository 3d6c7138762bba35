// Package freeform implements the /analyze preflight ambiguity check
// (spec §4.11): deciding whether a client's raw input already looks like a
// stable identifier, or needs candidate resolution before a job is allowed
// to start writing to the cache. Grounded on
// original_source/server/analyze/freeform.py's is_ambiguous_input.
//
// Candidate resolution itself (hitting GitHub/Scholar/LinkedIn search) is an
// external collaborator per the core's scope — CandidateResolver is the
// seam a caller plugs a concrete implementation into.
package freeform

import (
	"context"
	"regexp"
	"strings"
)

var (
	githubLoginRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,37})$`)
	scholarIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{4,26}A{4,6}J$`)
)

// IsAmbiguousInput reports whether content needs candidate confirmation
// before an analysis job may be created for source, rather than being
// usable directly as a stable, cacheable identifier.
func IsAmbiguousInput(source string, content string) bool {
	src := strings.ToLower(strings.TrimSpace(source))
	text := strings.TrimSpace(content)
	if text == "" {
		return false
	}
	if strings.Contains(text, "http://") || strings.Contains(text, "https://") {
		return false
	}

	switch src {
	case "scholar":
		return !scholarIDRe.MatchString(text)
	case "github":
		return strings.Contains(text, " ") || !githubLoginRe.MatchString(text)
	case "linkedin":
		return !strings.Contains(strings.ToLower(text), "linkedin.com")
	default:
		return strings.Contains(text, " ") && len(text) >= 12
	}
}

// Candidate is one disambiguation option surfaced back to the client for
// confirmation before job creation.
type Candidate struct {
	Label string         `json:"label"`
	Input map[string]any `json:"input"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// CandidateResolver looks up disambiguation candidates for an ambiguous
// (source, content) pair. Implementations call out to external search
// surfaces (GitHub users search, Scholar, LinkedIn) and are not part of
// this package's own responsibility.
type CandidateResolver interface {
	ResolveCandidates(ctx context.Context, source, content, userID string, limit int) ([]Candidate, error)
}
