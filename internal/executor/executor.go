// Package executor defines the CardExecutor seam the scheduler calls into
// to actually produce a card's data (spec §4.7), plus a reference HTTP-based
// implementation that dispatches a card to an external fetcher/LLM service
// over HTTP. Grounded on services/orchestrator/task_executor.go's
// HTTPTaskExecutor: connection-pooled *http.Client, OTel span + trace
// propagation, bounded response read.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
)

// CardRequest is everything an executor needs to produce one card's result.
type CardRequest struct {
	JobID      string
	CardID     string
	Source     string
	CardType   string
	SubjectKey string
	Input      map[string]any
	Options    map[string]any
	// Upstream holds already-completed dependency outputs, keyed by card_type,
	// for cards that depend on earlier cards in the same job (e.g. business
	// cards depending on a resource.* fetch).
	Upstream map[string]map[string]any
}

// CardExecutor produces the raw (pre-quality-gate) result for one card. An
// apperr.Transient-classified error tells the scheduler the card may be
// retried; anything else is treated as permanent.
type CardExecutor interface {
	ExecuteCard(ctx context.Context, req CardRequest) (map[string]any, error)
}

// Registry routes a (source, card_type) pair to the CardExecutor registered
// for it, falling back to a default executor when no specific one is set.
// This is the seam concrete data fetchers/LLM clients plug into — the core
// ships only the HTTP reference executor below.
type Registry struct {
	byKey      map[string]CardExecutor
	defaultExe CardExecutor
}

func registryKey(source, cardType string) string { return source + "\x1f" + cardType }

// NewRegistry builds an empty executor registry.
func NewRegistry(defaultExe CardExecutor) *Registry {
	return &Registry{byKey: make(map[string]CardExecutor), defaultExe: defaultExe}
}

// Register binds source/cardType to exe, overriding any previous binding.
func (r *Registry) Register(source, cardType string, exe CardExecutor) {
	r.byKey[registryKey(source, cardType)] = exe
}

// ExecuteCard implements CardExecutor by dispatching to the most specific
// registered executor.
func (r *Registry) ExecuteCard(ctx context.Context, req CardRequest) (map[string]any, error) {
	if exe, ok := r.byKey[registryKey(req.Source, req.CardType)]; ok {
		return exe.ExecuteCard(ctx, req)
	}
	if r.defaultExe != nil {
		return r.defaultExe.ExecuteCard(ctx, req)
	}
	return nil, apperr.Permanent("executor.registry", fmt.Errorf("no executor registered for %s/%s", req.Source, req.CardType))
}

// HTTPCardExecutor is the reference CardExecutor: POSTs a card request to a
// per-(source, card_type) endpoint and treats the JSON response body as the
// card's raw result.
type HTTPCardExecutor struct {
	client     *http.Client
	endpointOf func(source, cardType string) string
	tracer     trace.Tracer
}

// NewHTTPCardExecutor builds an HTTP executor. endpointOf resolves a
// (source, card_type) pair to the URL to POST the card request to; client
// defaults to a pooled client with a 30s timeout when nil.
func NewHTTPCardExecutor(client *http.Client, endpointOf func(source, cardType string) string) *HTTPCardExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPCardExecutor{client: client, endpointOf: endpointOf, tracer: otel.Tracer("analyzecore-executor")}
}

func (e *HTTPCardExecutor) ExecuteCard(ctx context.Context, req CardRequest) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "executor.execute_card",
		trace.WithAttributes(
			attribute.String("source", req.Source),
			attribute.String("card_type", req.CardType),
			attribute.String("job_id", req.JobID),
		))
	defer span.End()

	url := e.endpointOf(req.Source, req.CardType)
	if url == "" {
		return nil, apperr.Permanent("executor.execute_card", fmt.Errorf("no endpoint configured for %s/%s", req.Source, req.CardType))
	}

	body := map[string]any{
		"job_id":      req.JobID,
		"card_id":     req.CardID,
		"source":      req.Source,
		"card_type":   req.CardType,
		"subject_key": req.SubjectKey,
		"input":       req.Input,
		"options":     req.Options,
		"upstream":    req.Upstream,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Permanent("executor.execute_card", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, apperr.Permanent("executor.execute_card", fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Job-ID", req.JobID)
	httpReq.Header.Set("X-Card-ID", req.CardID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Transient("executor.execute_card", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, apperr.Transient("executor.execute_card", fmt.Errorf("read response: %w", err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, apperr.Transient("executor.execute_card", fmt.Errorf("executor http %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Permanent("executor.execute_card", fmt.Errorf("executor http %d: %s", resp.StatusCode, string(respBody)))
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, apperr.Permanent("executor.execute_card", fmt.Errorf("decode response: %w", err))
		}
	}
	return result, nil
}
