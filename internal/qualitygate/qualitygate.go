// Package qualitygate evaluates the per-(source, card_type) Quality Gate
// (spec §4.8): a pure function deciding whether a card executor's raw
// result is acceptable, with no LLM calls. Rules are authored as Rego
// policies and evaluated with OPA, grounded on
// services/policy-service/opa_engine.go's OPAEngine — adapted from a
// generic allow/deny decision to this domain's accept/reject/normalize
// decision shape.
package qualitygate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Action is the gate's verdict on a card result.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// Decision is the Quality Gate's verdict for one card evaluation.
type Decision struct {
	Action     Action         `json:"action"`
	Normalized map[string]any `json:"normalized,omitempty"`
	Issue      string         `json:"issue,omitempty"`
}

// Engine loads and evaluates Rego quality-gate policies, one prepared
// query per "source/card_type" package.
type Engine struct {
	mu              sync.RWMutex
	preparedQueries map[string]*rego.PreparedEvalQuery
	modules         map[string]*ast.Module
	policyDir       string
	evalLatency     metric.Float64Histogram
	tracer          trace.Tracer
}

// NewEngine builds a Quality Gate engine reading *.rego files from
// policyDir. meter/tracer may be nil no-ops in tests.
func NewEngine(policyDir string, meter metric.Meter, tracer trace.Tracer) *Engine {
	var evalLatency metric.Float64Histogram
	if meter != nil {
		evalLatency, _ = meter.Float64Histogram("analyzecore_quality_gate_eval_ms",
			metric.WithDescription("Quality gate policy evaluation latency"))
	}
	return &Engine{
		preparedQueries: make(map[string]*rego.PreparedEvalQuery),
		modules:         make(map[string]*ast.Module),
		policyDir:       policyDir,
		evalLatency:     evalLatency,
		tracer:          tracer,
	}
}

func packageKey(source, cardType string) string {
	return fmt.Sprintf("cards.%s.%s", source, cardType)
}

// LoadPolicies (re)compiles every *.rego file under the policy directory
// and prepares one query per package. Safe to call again to hot-reload.
func (e *Engine) LoadPolicies(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return fmt.Errorf("glob quality gate policies: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no quality gate policy files found in %s", e.policyDir)
	}

	newModules := make(map[string]*ast.Module)
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return fmt.Errorf("parse policy %s: %w", file, err)
		}
		newModules[file] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(newModules)
	if compiler.Failed() {
		return fmt.Errorf("compile quality gate policies: %v", compiler.Errors)
	}

	packages := make(map[string]bool)
	for _, module := range newModules {
		packages[module.Package.Path.String()] = true
	}

	newQueries := make(map[string]*rego.PreparedEvalQuery)
	for pkg := range packages {
		query := fmt.Sprintf("data.%s.decision", pkg)
		prepared, err := rego.New(
			rego.Query(query),
			rego.Compiler(compiler),
		).PrepareForEval(ctx)
		if err != nil {
			return fmt.Errorf("prepare quality gate query for %s: %w", pkg, err)
		}
		newQueries[pkg] = &prepared
	}

	e.mu.Lock()
	e.modules = newModules
	e.preparedQueries = newQueries
	e.mu.Unlock()
	return nil
}

// Evaluate runs the Quality Gate for one (source, cardType) card result.
// When no policy has been authored for that pair, the result passes
// through unmodified — a missing gate is not a rejection.
func (e *Engine) Evaluate(ctx context.Context, source, cardType string, data map[string]any, evalContext map[string]any) (Decision, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "quality_gate.evaluate",
			trace.WithAttributes(attribute.String("source", source), attribute.String("card_type", cardType)))
		defer span.End()
	}

	e.mu.RLock()
	prepared, ok := e.preparedQueries[packageKey(source, cardType)]
	e.mu.RUnlock()
	if !ok {
		return Decision{Action: ActionAccept, Normalized: data}, nil
	}

	start := time.Now()
	input := map[string]any{"data": data, "context": evalContext}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if e.evalLatency != nil {
		e.evalLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("source", source), attribute.String("card_type", cardType)))
	}
	if err != nil {
		return Decision{}, fmt.Errorf("quality gate eval %s/%s: %w", source, cardType, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("quality gate %s/%s produced no decision", source, cardType)
	}

	return decodeDecision(results[0].Expressions[0].Value, data)
}

func decodeDecision(raw any, fallbackData map[string]any) (Decision, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("quality gate decision was not an object: %T", raw)
	}

	decision := Decision{Action: ActionReject}
	if action, ok := obj["action"].(string); ok {
		decision.Action = Action(action)
	}
	if norm, ok := obj["normalized"].(map[string]any); ok {
		decision.Normalized = norm
	} else {
		decision.Normalized = fallbackData
	}
	if issue, ok := obj["issue"].(string); ok {
		decision.Issue = issue
	}
	if decision.Action != ActionAccept && decision.Action != ActionReject {
		return Decision{}, fmt.Errorf("quality gate decision had invalid action %q", decision.Action)
	}
	return decision, nil
}

// IsReady reports whether at least one policy package is loaded.
func (e *Engine) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.modules) > 0
}
