// Package subject resolves a client input payload into a stable,
// source-specific subject_key used as the cache partition identity (spec
// §4.9, §4.11). Grounded verbatim on
// original_source/server/analyze/subject.py's resolve_subject_key and
// input_resolver.py's normalize_input_payload.
package subject

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	scholarIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{4,26}A{4,6}J$`)
	githubLoginRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,37})$`)
)

func parseURLLoose(value string) *url.URL {
	raw := strings.TrimSpace(value)
	if raw == "" {
		u, _ := url.Parse("")
		return u
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			u, _ = url.Parse("")
		}
		return u
	}
	if strings.HasPrefix(raw, "//") {
		u, err := url.Parse("https:" + raw)
		if err != nil {
			u, _ = url.Parse("")
		}
		return u
	}
	u, err := url.Parse("https://" + strings.TrimLeft(raw, "/"))
	if err != nil {
		u, _ = url.Parse("")
	}
	return u
}

func canonicalizeURL(value string) string {
	parsed := parseURLLoose(value)
	host := strings.ToLower(strings.TrimSpace(parsed.Host))
	host = strings.TrimPrefix(host, "www.")
	path := strings.TrimSpace(parsed.Path)
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	return (&url.URL{Scheme: "https", Host: host, Path: path}).String()
}

// ResolveSubjectKey computes the canonical, namespaced subject_key for
// (source, content) — e.g. "login:torvalds", "url:https://linkedin.com/in/x".
func ResolveSubjectKey(source string, content string) string {
	src := strings.ToLower(strings.TrimSpace(source))
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}

	switch src {
	case "scholar":
		if strings.Contains(content, "scholar.google") && strings.Contains(content, "citations") {
			parsed := parseURLLoose(content)
			if qs, err := url.ParseQuery(parsed.RawQuery); err == nil {
				if user := strings.TrimSpace(qs.Get("user")); user != "" && scholarIDRe.MatchString(user) {
					return "id:" + user
				}
			}
		}
		if !strings.Contains(content, " ") && scholarIDRe.MatchString(content) {
			return "id:" + content
		}
		return "name:" + content

	case "github":
		login := content
		lower := strings.ToLower(login)
		if strings.Contains(lower, "github.com") || strings.Contains(login, "/") {
			parsed := parseURLLoose(login)
			parts := nonEmptyParts(parsed.Path)
			if len(parts) > 0 {
				login = strings.TrimSpace(parts[0])
			}
		}
		if githubLoginRe.MatchString(login) {
			return "login:" + strings.ToLower(login)
		}
		return "query:" + content

	case "linkedin":
		if strings.Contains(strings.ToLower(content), "linkedin.com") {
			return "url:" + canonicalizeURL(content)
		}
		return "name:" + content

	case "twitter":
		return "username:" + strings.ToLower(content)

	case "openreview":
		return "id:" + strings.ToLower(content)

	case "huggingface":
		return "username:" + strings.ToLower(content)

	case "youtube":
		return "channel:" + content

	default:
		return "content:" + content
	}
}

func nonEmptyParts(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
