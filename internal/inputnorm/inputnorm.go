// Package inputnorm normalizes a client's raw per-source input payload into
// a canonical form with a single authoritative "content" field, accepting
// legacy per-source keys for backward compatibility. Grounded verbatim on
// original_source/server/analyze/input_resolver.py's normalize_input_payload
// and friends; feeds internal/subject's ResolveSubjectKey.
package inputnorm

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var scholarIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{4,26}A{4,6}J$`)

// sourceInputKeys lists, in priority order, which payload keys may supply
// the canonical content value for a given source.
var sourceInputKeys = map[string][]string{
	"scholar":     {"content", "scholar_id", "id", "query", "name"},
	"github":      {"content", "username", "login"},
	"linkedin":    {"content", "url", "name", "person_name", "linkedin_id"},
	"twitter":     {"content", "username"},
	"openreview":  {"content", "username", "email"},
	"huggingface": {"content", "username"},
	"youtube":     {"content", "channel_id", "channel"},
}

var subjectKeyPrefixes = map[string]string{
	"scholar":     "id:",
	"github":      "login:",
	"linkedin":    "url:",
	"twitter":     "username:",
	"openreview":  "id:",
	"huggingface": "username:",
	"youtube":     "channel:",
}

func firstNonEmptyString(payload map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			s = fmt.Sprintf("%v", v)
		}
		if text := strings.TrimSpace(s); text != "" {
			return text
		}
	}
	return ""
}

// stripSubjectKeyPrefix allows feeding a previously returned subject_key
// (e.g. "login:mdo") back in as input.content.
func stripSubjectKeyPrefix(source, value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return ""
	}
	prefix, ok := subjectKeyPrefixes[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		return raw
	}
	if strings.HasPrefix(strings.ToLower(raw), prefix) {
		return strings.TrimSpace(raw[len(prefix):])
	}
	return raw
}

func parseURLLoose(value string) *url.URL {
	raw := strings.TrimSpace(value)
	if raw == "" {
		u, _ := url.Parse("")
		return u
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			return u
		}
		u, _ := url.Parse("")
		return u
	}
	if strings.HasPrefix(raw, "//") {
		if u, err := url.Parse("https:" + raw); err == nil {
			return u
		}
		u, _ := url.Parse("")
		return u
	}
	u, err := url.Parse("https://" + strings.TrimLeft(raw, "/"))
	if err != nil {
		u, _ = url.Parse("")
	}
	return u
}

func pathSegments(u *url.URL) []string {
	var out []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ResolveScholarIdentity returns (scholarID, queryName); at most one is set.
func ResolveScholarIdentity(payload map[string]any) (scholarID string, queryName string) {
	if id := firstNonEmptyString(payload, []string{"scholar_id", "id"}); id != "" {
		return id, ""
	}
	content := firstNonEmptyString(payload, []string{"content", "query", "name"})
	if content == "" {
		return "", ""
	}

	parsed := parseURLLoose(content)
	if qs, err := url.ParseQuery(parsed.RawQuery); err == nil {
		if user := strings.TrimSpace(qs.Get("user")); user != "" && scholarIDRe.MatchString(user) {
			return user, ""
		}
	}
	if !strings.Contains(content, " ") && scholarIDRe.MatchString(content) {
		return content, ""
	}
	return "", content
}

// ResolveGithubUsername extracts the username/login/content field.
func ResolveGithubUsername(payload map[string]any) string {
	return firstNonEmptyString(payload, []string{"username", "login", "content"})
}

// ResolveLinkedinContent extracts content, falling back to legacy keys.
func ResolveLinkedinContent(payload map[string]any) string {
	return firstNonEmptyString(payload, []string{"content", "url", "name", "person_name", "linkedin_id"})
}

// ResolveTwitterUsername strips a leading "@" and extracts the handle from
// a twitter.com/x.com profile URL when present.
func ResolveTwitterUsername(payload map[string]any) string {
	raw := firstNonEmptyString(payload, []string{"username", "content"})
	raw = strings.TrimPrefix(raw, "@")
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "twitter.com/") || strings.Contains(lower, "x.com/") {
		parsed := parseURLLoose(raw)
		if parts := pathSegments(parsed); len(parts) > 0 {
			return strings.TrimPrefix(parts[0], "@")
		}
	}
	return raw
}

// ResolveOpenreviewIdentifier returns (kind, value) where kind is "email" or
// "username".
func ResolveOpenreviewIdentifier(payload map[string]any) (kind string, value string) {
	raw := firstNonEmptyString(payload, []string{"username", "email", "content"})
	if strings.Contains(raw, "@") {
		return "email", raw
	}
	return "username", raw
}

// ResolveHuggingfaceUsername extracts a username, stripping a profile URL
// prefix when present.
func ResolveHuggingfaceUsername(payload map[string]any) string {
	raw := firstNonEmptyString(payload, []string{"username", "content"})
	if strings.Contains(raw, "huggingface.co/") {
		parsed := parseURLLoose(raw)
		if parts := pathSegments(parsed); len(parts) > 0 {
			return parts[0]
		}
	}
	return raw
}

// ResolveYoutubeChannelInput extracts a channel id/handle/name.
func ResolveYoutubeChannelInput(payload map[string]any) string {
	return firstNonEmptyString(payload, []string{"channel_id", "channel", "content"})
}

// NormalizePayload rewrites payload's "content" field into its canonical,
// source-specific form, mutating a shallow copy and returning it. The input
// map is never mutated in place.
func NormalizePayload(source string, inputPayload map[string]any) map[string]any {
	src := strings.ToLower(strings.TrimSpace(source))
	payload := make(map[string]any, len(inputPayload)+1)
	for k, v := range inputPayload {
		payload[k] = v
	}

	keys, ok := sourceInputKeys[src]
	if !ok {
		keys = []string{"content"}
	}
	raw := firstNonEmptyString(payload, keys)
	if raw != "" {
		payload["content"] = stripSubjectKeyPrefix(src, raw)
	}
	if raw == "" {
		return payload
	}

	switch src {
	case "scholar":
		scholarID, query := ResolveScholarIdentity(payload)
		if scholarID != "" {
			payload["content"] = scholarID
		} else if query != "" {
			payload["content"] = query
		}
		return payload

	case "github":
		value := strings.TrimSpace(ResolveGithubUsername(payload))
		lower := strings.ToLower(value)
		if strings.Contains(lower, "github.com/") || strings.HasPrefix(lower, "github.com") {
			parsed := parseURLLoose(value)
			if parts := pathSegments(parsed); len(parts) > 0 {
				value = parts[0]
			}
		}
		payload["content"] = value
		return payload

	case "linkedin":
		value := strings.TrimSpace(ResolveLinkedinContent(payload))
		lower := strings.ToLower(value)
		if strings.Contains(lower, "linkedin.com/") || strings.HasPrefix(lower, "linkedin.com") {
			parsed := parseURLLoose(value)
			parsed.RawQuery = ""
			parsed.Fragment = ""
			payload["content"] = strings.TrimRight(parsed.String(), "/")
			return payload
		}
		payload["content"] = value
		return payload

	case "twitter":
		payload["content"] = strings.TrimSpace(ResolveTwitterUsername(payload))
		return payload

	case "openreview":
		_, value := ResolveOpenreviewIdentifier(payload)
		payload["content"] = strings.TrimSpace(value)
		return payload

	case "huggingface":
		payload["content"] = strings.TrimSpace(ResolveHuggingfaceUsername(payload))
		return payload

	case "youtube":
		payload["content"] = strings.TrimSpace(ResolveYoutubeChannelInput(payload))
		return payload

	default:
		payload["content"] = strings.TrimSpace(raw)
		return payload
	}
}
