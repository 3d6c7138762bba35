package subject

import "testing"

func TestResolveSubjectKeyGithubLogin(t *testing.T) {
	if got := ResolveSubjectKey("github", "torvalds"); got != "login:torvalds" {
		t.Fatalf("got %q", got)
	}
	if got := ResolveSubjectKey("github", "https://github.com/torvalds"); got != "login:torvalds" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyGithubFallsBackToQuery(t *testing.T) {
	if got := ResolveSubjectKey("github", "this is not a login!!"); got != "query:this is not a login!!" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyScholarID(t *testing.T) {
	id := "abcd1234efghAAAAJ"
	if got := ResolveSubjectKey("scholar", id); got != "id:"+id {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyScholarURL(t *testing.T) {
	id := "abcd1234efghAAAAJ"
	url := "https://scholar.google.com/citations?user=" + id + "&hl=en"
	if got := ResolveSubjectKey("scholar", url); got != "id:"+id {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyScholarNameFallback(t *testing.T) {
	if got := ResolveSubjectKey("scholar", "Jane Doe"); got != "name:Jane Doe" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyLinkedInURL(t *testing.T) {
	got := ResolveSubjectKey("linkedin", "https://www.linkedin.com/in/janedoe/?trk=x")
	if got != "url:https://linkedin.com/in/janedoe" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyLinkedInNameFallback(t *testing.T) {
	if got := ResolveSubjectKey("linkedin", "Jane Doe"); got != "name:Jane Doe" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeySimpleSources(t *testing.T) {
	cases := map[string]string{
		"twitter":     "username:janedoe",
		"openreview":  "id:janedoe",
		"huggingface": "username:janedoe",
	}
	for src, want := range cases {
		if got := ResolveSubjectKey(src, "JaneDoe"); got != want {
			t.Fatalf("%s: got %q want %q", src, got, want)
		}
	}
}

func TestResolveSubjectKeyYoutubePreservesCase(t *testing.T) {
	if got := ResolveSubjectKey("youtube", "UC_Mixed_Case"); got != "channel:UC_Mixed_Case" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyUnknownSourceDefault(t *testing.T) {
	if got := ResolveSubjectKey("some_other_source", "hello"); got != "content:hello" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSubjectKeyEmptyContent(t *testing.T) {
	if got := ResolveSubjectKey("github", "   "); got != "" {
		t.Fatalf("got %q", got)
	}
}
