package freeform

import "testing"

func TestIsAmbiguousInputGithub(t *testing.T) {
	if IsAmbiguousInput("github", "torvalds") {
		t.Fatalf("stable login should not be ambiguous")
	}
	if !IsAmbiguousInput("github", "Linus Torvalds") {
		t.Fatalf("name with space should be ambiguous")
	}
}

func TestIsAmbiguousInputScholar(t *testing.T) {
	if IsAmbiguousInput("scholar", "abcd1234efghAAAAJ") {
		t.Fatalf("stable scholar id should not be ambiguous")
	}
	if !IsAmbiguousInput("scholar", "Jane Doe") {
		t.Fatalf("plain name should be ambiguous")
	}
}

func TestIsAmbiguousInputLinkedin(t *testing.T) {
	if IsAmbiguousInput("linkedin", "https://linkedin.com/in/janedoe") {
		t.Fatalf("profile url should not be ambiguous")
	}
	if !IsAmbiguousInput("linkedin", "Jane Doe") {
		t.Fatalf("plain name should be ambiguous")
	}
}

func TestIsAmbiguousInputURLNeverAmbiguous(t *testing.T) {
	if IsAmbiguousInput("github", "https://example.com/some long text with spaces") {
		t.Fatalf("any http(s) url should short circuit to not ambiguous")
	}
}

func TestIsAmbiguousInputDefaultSource(t *testing.T) {
	if IsAmbiguousInput("youtube", "shortname") {
		t.Fatalf("short single-token input should not be ambiguous by default rule")
	}
	if !IsAmbiguousInput("youtube", "a fairly long channel name") {
		t.Fatalf("long multi-word input should be ambiguous by default rule")
	}
}

func TestIsAmbiguousInputEmpty(t *testing.T) {
	if IsAmbiguousInput("github", "   ") {
		t.Fatalf("empty content should never be ambiguous")
	}
}
