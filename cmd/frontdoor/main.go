// Command frontdoor is the public-facing HTTP process of spec.md §6: the
// ping/bulk endpoints, the test-start orchestrator API, the telemetry
// submit/read endpoints, and a thin discovery proxy in front of the
// supervisor. Grounded on cmd/server/main.go's
// flag-parse -> build -> listen -> signal-wait -> shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loopqueue/bufferbloat-server/internal/auth"
	"github.com/loopqueue/bufferbloat-server/internal/bulk"
	"github.com/loopqueue/bufferbloat-server/internal/config"
	"github.com/loopqueue/bufferbloat-server/internal/metrics"
	"github.com/loopqueue/bufferbloat-server/internal/obs"
	"github.com/loopqueue/bufferbloat-server/internal/orchestrator"
	"github.com/loopqueue/bufferbloat-server/internal/pingecho"
	"github.com/loopqueue/bufferbloat-server/internal/ratelimit"
	"github.com/loopqueue/bufferbloat-server/internal/telemetry"
	"github.com/loopqueue/bufferbloat-server/internal/types"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address, defaults to :FRONT_DOOR_PORT")
	supervisorURL := flag.String("supervisor-url", "", "Base URL of the process supervisor, defaults to http://127.0.0.1:SUPERVISOR_PORT")
	maxConcurrentTests := flag.Int("max-concurrent-tests", 256, "Maximum tests running at once before 429")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr == "" {
		*addr = fmt.Sprintf(":%d", cfg.FrontDoorPort)
	}
	if *supervisorURL == "" {
		*supervisorURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.SupervisorPort)
	}

	tracer, err := obs.NewTracer(context.Background(), obs.DefaultConfig("frontdoor"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize tracer: %v\n", err)
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	collector := metrics.NewCollector()

	authConfig := auth.DefaultConfig()
	if cfg.TelemetryAPIKey != "" {
		authConfig.Mode = auth.ModeAPIKey
		authConfig.APIKeys = []string{cfg.TelemetryAPIKey}
	}
	authenticator := auth.NewAPIKeyAuthenticator(authConfig)
	authMiddleware := auth.NewMiddleware(authConfig, authenticator)

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	store := telemetry.NewStore(telemetry.StoreConfig{RingSize: cfg.TelemetryRingSize})
	var webhook *telemetry.Webhook
	if (telemetry.WebhookConfig{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}).Enabled() {
		webhook = telemetry.NewWebhook(context.Background(), telemetry.WebhookConfig{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret})
		defer webhook.Close()
	}

	pingHandler := pingecho.NewHandler(logger)
	tests := newTestRegistry(*maxConcurrentTests, *supervisorURL, logger)
	bulkHandler := bulk.NewHandler(logger, tests.isBaseline)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/ping", pingHandler)
	mux.HandleFunc("/download", bulkHandler.Download)
	mux.HandleFunc("/upload", bulkHandler.Upload)
	mux.HandleFunc("/ws/virtual-household/", discoveryProxy(*supervisorURL))
	mux.HandleFunc("/virtual-household/stats", statsProxy(*supervisorURL))
	mux.HandleFunc("/api/test-start", tests.startHandler)
	mux.HandleFunc("/api/telemetry/submit", submitHandler(store, webhook, collector))

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/api/telemetry/recent", recentHandler(store))
	adminMux.HandleFunc("/api/telemetry/by_client/", byClientHandler(store))
	adminMux.HandleFunc("/api/telemetry/stats", statsHandler(store))
	mux.Handle("/api/telemetry/recent", authMiddleware.Handler(adminMux))
	mux.Handle("/api/telemetry/by_client/", authMiddleware.Handler(adminMux))
	mux.Handle("/api/telemetry/stats", authMiddleware.Handler(adminMux))
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, collector.Expose())
	})

	handler := rateLimitMiddleware(limiter, mux)

	srv := &http.Server{Addr: *addr, Handler: handler}

	go func() {
		logger.Info("front door listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("front door exited", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down front door")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("error during front door shutdown", "error", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func rateLimitMiddleware(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !limiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx >= 0 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// discoveryProxy forwards GET /ws/virtual-household/{persona} to the
// supervisor's own discovery handler (spec.md §4.D / §6); the front door
// never needs to know persona ports directly.
func discoveryProxy(supervisorURL string) http.HandlerFunc {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := client.Get(supervisorURL + r.URL.Path)
		if err != nil {
			writeJSON(w, map[string]interface{}{"redirect": false, "architecture": "degraded-single-process"})
			return
		}
		defer resp.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func statsProxy(supervisorURL string) http.HandlerFunc {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := client.Get(supervisorURL + "/virtual-household/stats")
		if err != nil {
			http.Error(w, "supervisor unreachable", http.StatusServiceUnavailable)
			return
		}
		defer resp.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testRegistry tracks running tests so /api/test-start can enforce
// max-concurrent-tests (spec.md §6: "429 concurrent test").
type testRegistry struct {
	mu            sync.Mutex
	running       map[string]*types.Test
	max           int
	supervisorURL string
	logger        *slog.Logger
}

func newTestRegistry(max int, supervisorURL string, logger *slog.Logger) *testRegistry {
	return &testRegistry{running: make(map[string]*types.Test), max: max, supervisorURL: supervisorURL, logger: logger}
}

type testStartRequest struct {
	Kind types.Kind `json:"kind"`
}

type testStartResponse struct {
	TestID    string   `json:"test_id"`
	PhasePlan []string `json:"phase_plan"`
}

func (t *testRegistry) startHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req testStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind != types.KindSingleUser && req.Kind != types.KindHousehold {
		http.Error(w, "kind must be single or household", http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	if t.max > 0 && len(t.running) >= t.max {
		t.mu.Unlock()
		http.Error(w, "too many concurrent tests", http.StatusTooManyRequests)
		return
	}
	testID := uuid.NewString()
	test := types.NewTest(testID, req.Kind, clientIP(r), time.Now())
	t.running[testID] = test
	t.mu.Unlock()

	plan := make([]string, 0, len(types.SingleUserPhaseOrder))
	if req.Kind == types.KindSingleUser {
		for _, step := range types.SingleUserPhaseOrder {
			plan = append(plan, string(step.Phase))
		}
		go t.runSingleUser(test)
	} else {
		plan = []string{"speed-probe", "saturation", "complete"}
		go t.runHousehold(test)
	}

	writeJSON(w, testStartResponse{TestID: testID, PhasePlan: plan})
}

func (t *testRegistry) runSingleUser(test *types.Test) {
	defer t.forget(test.TestID)
	driver := orchestrator.NewSingleUserDriver(test, noopBroadcaster{}, noopCloser{}, t.logger)
	driver.Run(context.Background(), 5*time.Minute)
}

func (t *testRegistry) runHousehold(test *types.Test) {
	defer t.forget(test.TestID)
	driver := orchestrator.NewHouseholdDriver(test, noopBroadcaster{}, noopRateSetter{}, t.logger)
	samples := make(chan float64)
	close(samples)
	driver.Run(context.Background(), samples)
}

// isBaseline reports whether testID names a running test currently in
// its baseline phase (spec.md §8 invariant 4: "baseline is unloaded").
// An unknown test_id is not treated as baseline — household tests key
// bulk traffic by test_id too but drive a different phase field, so
// household member streams are never rejected here.
func (t *testRegistry) isBaseline(testID string) bool {
	t.mu.Lock()
	test, ok := t.running[testID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if test.Kind != types.KindSingleUser {
		return false
	}
	return test.GetPhase() == types.PhaseBaseline
}

func (t *testRegistry) forget(testID string) {
	t.mu.Lock()
	delete(t.running, testID)
	t.mu.Unlock()
}

// noopBroadcaster/noopCloser/noopRateSetter satisfy the orchestrator's
// phase-broadcast / force-close / rate-set interfaces with no-ops: phase
// changes, forced teardowns and the bulk target rate are not forwarded to
// the supervisor's worker processes.
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastPhase(testID string, phase types.Phase) {}

type noopCloser struct{}

func (noopCloser) ForceCloseAll(testID string) {}

type noopRateSetter struct{}

func (noopRateSetter) SetBulkTargetRate(testID string, bytesPerSecond float64) {}

func submitHandler(store *telemetry.Store, webhook *telemetry.Webhook, collector *metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var result types.TestResult
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &result); err != nil || result.TestID == "" {
			http.Error(w, "invalid telemetry schema", http.StatusBadRequest)
			return
		}
		store.Submit(result, time.Now())
		collector.RecordTestCompleted("aggregate", result.Grade.Overall)
		if webhook != nil {
			webhook.Deliver(body)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func recentHandler(store *telemetry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			fmt.Sscanf(raw, "%d", &limit)
		}
		if limit > 200 {
			limit = 200
		}
		writeJSON(w, store.Recent(limit))
	}
}

func byClientHandler(store *telemetry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimPrefix(r.URL.Path, "/api/telemetry/by_client/")
		writeJSON(w, store.ByClient(addr, 100))
	}
}

func statsHandler(store *telemetry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.Stats())
	}
}
