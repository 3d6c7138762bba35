package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
)

func TestHTTPCardExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["card_type"] != "profile" {
			t.Fatalf("unexpected body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "Linus"})
	}))
	defer srv.Close()

	exe := NewHTTPCardExecutor(nil, func(source, cardType string) string { return srv.URL })
	result, err := exe.ExecuteCard(context.Background(), CardRequest{
		JobID: "job-1", CardID: "card-1", Source: "github", CardType: "profile",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["name"] != "Linus" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHTTPCardExecutorServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	}))
	defer srv.Close()

	exe := NewHTTPCardExecutor(nil, func(source, cardType string) string { return srv.URL })
	_, err := exe.ExecuteCard(context.Background(), CardRequest{Source: "github", CardType: "profile"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !apperr.Retryable(err) {
		t.Fatalf("expected transient/retryable error, got %v", err)
	}
}

func TestHTTPCardExecutorClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad input"))
	}))
	defer srv.Close()

	exe := NewHTTPCardExecutor(nil, func(source, cardType string) string { return srv.URL })
	_, err := exe.ExecuteCard(context.Background(), CardRequest{Source: "github", CardType: "profile"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if apperr.Retryable(err) {
		t.Fatalf("expected permanent/non-retryable error")
	}
}

func TestRegistryRoutesToSpecificExecutor(t *testing.T) {
	specific := fakeExecutor{result: map[string]any{"from": "specific"}}
	fallback := fakeExecutor{result: map[string]any{"from": "fallback"}}
	reg := NewRegistry(&fallback)
	reg.Register("github", "profile", &specific)

	result, err := reg.ExecuteCard(context.Background(), CardRequest{Source: "github", CardType: "profile"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["from"] != "specific" {
		t.Fatalf("expected specific executor to win, got %+v", result)
	}

	result, err = reg.ExecuteCard(context.Background(), CardRequest{Source: "github", CardType: "other"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["from"] != "fallback" {
		t.Fatalf("expected fallback executor, got %+v", result)
	}
}

func TestRegistryNoExecutorIsPermanentError(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.ExecuteCard(context.Background(), CardRequest{Source: "github", CardType: "profile"})
	if err == nil || apperr.Retryable(err) {
		t.Fatalf("expected non-retryable error when no executor is registered, got %v", err)
	}
}

type fakeExecutor struct {
	result map[string]any
	err    error
}

func (f *fakeExecutor) ExecuteCard(ctx context.Context, req CardRequest) (map[string]any, error) {
	return f.result, f.err
}
