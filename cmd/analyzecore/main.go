// Command analyzecore runs the profile-analysis core engine: the reference
// HTTP transport (internal/api) over the job scheduler, caches, and
// quality gate. Concrete data fetchers/LLM clients are not part of this
// binary — it dispatches cards to whatever implements executor.CardExecutor,
// defaulting to the reference HTTP executor resolved from
// ANALYZECORE_FETCHER_BASE_URL.
//
// Grounded on services/orchestrator/main.go's process lifecycle
// (logging.Init, otelinit tracer/metrics, signal.NotifyContext,
// http.Server + graceful shutdown), adapted to wire the full set of core
// components instead of the teacher's in-memory workflow store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/elonfeng/dinq-analyze-sub001/internal/analysiscache"
	"github.com/elonfeng/dinq-analyze-sub001/internal/api"
	"github.com/elonfeng/dinq-analyze-sub001/internal/artifactstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/config"
	"github.com/elonfeng/dinq-analyze-sub001/internal/eventbus"
	"github.com/elonfeng/dinq-analyze-sub001/internal/eventstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/executor"
	"github.com/elonfeng/dinq-analyze-sub001/internal/housekeeper"
	"github.com/elonfeng/dinq-analyze-sub001/internal/jobstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/localcache"
	"github.com/elonfeng/dinq-analyze-sub001/internal/logging"
	"github.com/elonfeng/dinq-analyze-sub001/internal/otelinit"
	"github.com/elonfeng/dinq-analyze-sub001/internal/qualitygate"
	"github.com/elonfeng/dinq-analyze-sub001/internal/refresher"
	"github.com/elonfeng/dinq-analyze-sub001/internal/scheduler"
)

const service = "analyzecore"

func main() {
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)
	tracer := otel.Tracer(service)

	dataDir := config.String("ANALYZECORE_DATA_DIR", "./data")

	jobs, err := jobstore.Open(dataDir, meter)
	if err != nil {
		slog.Error("open jobstore failed", "error", err)
		return
	}
	defer jobs.Close()

	events, err := eventstore.Open(dataDir, meter, jobs)
	if err != nil {
		slog.Error("open eventstore failed", "error", err)
		return
	}
	defer events.Close()

	artifacts, err := artifactstore.Open(dataDir)
	if err != nil {
		slog.Error("open artifactstore failed", "error", err)
		return
	}
	defer artifacts.Close()

	cache, err := analysiscache.Open(dataDir)
	if err != nil {
		slog.Error("open analysiscache failed", "error", err)
		return
	}
	defer cache.Close()

	localMaxBytes := int64(config.Int("ANALYZECORE_LOCALCACHE_MAX_BYTES", 64<<20, 1<<20, 4<<30))
	local, err := localcache.Open(dataDir, localMaxBytes)
	if err != nil {
		slog.Error("open localcache failed", "error", err)
		return
	}
	defer local.Close()

	gate := qualitygate.NewEngine(config.String("ANALYZECORE_POLICY_DIR", "./policies"), meter, tracer)
	if err := gate.LoadPolicies(ctx); err != nil {
		slog.Warn("quality gate policies not loaded, cards pass through ungated", "error", err)
	}

	fetcherBase := config.String("ANALYZECORE_FETCHER_BASE_URL", "")
	httpExec := executor.NewHTTPCardExecutor(nil, func(source, cardType string) string {
		return fmt.Sprintf("%s/v1/fetch/%s/%s", fetcherBase, source, cardType)
	})
	registry := executor.NewRegistry(httpExec)

	sched := scheduler.New(jobs, events, registry, gate, artifacts, scheduler.DefaultConfig(), tracer, meter)

	var refreshPool *refresher.Pool
	if refresher.Enabled() {
		refreshPool = refresher.New(config.Int("ANALYZECORE_BG_REFRESH_WORKERS", 4, 1, 16), config.Int("ANALYZECORE_BG_REFRESH_QUEUE_SIZE", 64, 1, 4096))
		defer refreshPool.Stop()
	}

	hk := housekeeper.New(local, cache, housekeeper.DefaultConfig())
	hk.Start()
	defer hk.Stop()

	if eventbus.Enabled() {
		bus, err := eventbus.Connect(config.String("ANALYZECORE_NATS_URL", "nats://127.0.0.1:4222"))
		if err != nil {
			slog.Warn("event bus connect failed, continuing without fan-out", "error", err)
		} else {
			bus.Attach(events)
			defer bus.Close()
		}
	}

	pipelineVersion := config.String("ANALYZECORE_PIPELINE_VERSION", "v1")
	srv := api.NewServer(jobs, events, cache, local, gate, sched, refreshPool, nil, pipelineVersion, meter)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv.Routes(mux)

	httpSrv := &http.Server{Addr: config.String("ANALYZECORE_HTTP_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()
	slog.Info("analyzecore started", "addr", httpSrv.Addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
