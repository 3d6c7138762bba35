package eventbus

import (
	"testing"

	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
)

func TestDefaultSubjectNamesPerEventType(t *testing.T) {
	ev := model.Event{JobID: "job-1", EventType: "card.completed"}
	if got, want := DefaultSubject(ev), "analyzecore.events.card.completed"; got != want {
		t.Fatalf("subject = %q, want %q", got, want)
	}
}

func TestDefaultSubjectForJobTerminalEvent(t *testing.T) {
	ev := model.Event{JobID: "job-1", EventType: "job.completed"}
	if got, want := DefaultSubject(ev), "analyzecore.events.job.completed"; got != want {
		t.Fatalf("subject = %q, want %q", got, want)
	}
}

func TestEnabledDefaultsFalse(t *testing.T) {
	if Enabled() {
		t.Fatalf("expected event bus disabled by default")
	}
}
