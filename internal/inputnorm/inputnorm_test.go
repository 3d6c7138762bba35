package inputnorm

import "testing"

func content(t *testing.T, payload map[string]any) string {
	t.Helper()
	v, _ := payload["content"].(string)
	return v
}

func TestNormalizePayloadGithubFromURL(t *testing.T) {
	out := NormalizePayload("github", map[string]any{"content": "https://github.com/torvalds"})
	if got := content(t, out); got != "torvalds" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadGithubLegacyUsernameKey(t *testing.T) {
	out := NormalizePayload("github", map[string]any{"username": "mdo"})
	if got := content(t, out); got != "mdo" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadScholarFromProfileURL(t *testing.T) {
	id := "abcd1234efghAAAAJ"
	out := NormalizePayload("scholar", map[string]any{"content": "https://scholar.google.com/citations?user=" + id + "&hl=en"})
	if got := content(t, out); got != id {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadScholarNameQuery(t *testing.T) {
	out := NormalizePayload("scholar", map[string]any{"name": "Jane Doe"})
	if got := content(t, out); got != "Jane Doe" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadLinkedinStripsQueryAndTrailingSlash(t *testing.T) {
	out := NormalizePayload("linkedin", map[string]any{"content": "https://www.linkedin.com/in/janedoe/?trk=x"})
	if got := content(t, out); got != "https://www.linkedin.com/in/janedoe" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadTwitterStripsAtAndURL(t *testing.T) {
	out := NormalizePayload("twitter", map[string]any{"content": "https://twitter.com/@jack"})
	if got := content(t, out); got != "jack" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadOpenreviewEmail(t *testing.T) {
	out := NormalizePayload("openreview", map[string]any{"content": "jane@example.com"})
	if got := content(t, out); got != "jane@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadHuggingfaceFromURL(t *testing.T) {
	out := NormalizePayload("huggingface", map[string]any{"content": "https://huggingface.co/someuser"})
	if got := content(t, out); got != "someuser" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadYoutubeChannelID(t *testing.T) {
	out := NormalizePayload("youtube", map[string]any{"channel_id": "UC123"})
	if got := content(t, out); got != "UC123" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadStripsSubjectKeyPrefix(t *testing.T) {
	out := NormalizePayload("github", map[string]any{"content": "login:torvalds"})
	if got := content(t, out); got != "torvalds" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePayloadEmptyInputLeavesPayloadUntouched(t *testing.T) {
	out := NormalizePayload("github", map[string]any{})
	if _, ok := out["content"]; ok {
		t.Fatalf("expected no content key to be set for empty input")
	}
}

func TestNormalizePayloadDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"content": "https://github.com/torvalds"}
	_ = NormalizePayload("github", in)
	if in["content"] != "https://github.com/torvalds" {
		t.Fatalf("input payload was mutated: %+v", in)
	}
}
