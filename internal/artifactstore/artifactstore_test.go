package artifactstore

import "testing"

func TestPutGetArtifactRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.PutArtifact("job-1", "resource.github.data", map[string]any{"login": "torvalds"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	art, ok, err := store.GetArtifact("job-1", "resource.github.data")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if art.Payload["login"] != "torvalds" {
		t.Fatalf("unexpected payload: %+v", art.Payload)
	}

	_, ok, err = store.GetArtifact("job-1", "missing.key")
	if err != nil || ok {
		t.Fatalf("expected miss for unknown key, ok=%v err=%v", ok, err)
	}
}
