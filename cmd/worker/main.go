// Command worker is one persona's measurement process (spec.md §4.C): it
// serves GET /health for the supervisor's probe and accepts WebSocket
// connections at /{persona}?test_id=... that drive that persona's ping
// loop, traffic profile, and metrics stream for the lifetime of one test.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/loopqueue/bufferbloat-server/internal/metrics"
	"github.com/loopqueue/bufferbloat-server/internal/persona"
	"github.com/loopqueue/bufferbloat-server/internal/types"
	"github.com/loopqueue/bufferbloat-server/internal/wsconn"
)

// maxRSSBytes is the per-process resident memory cap from spec.md §7's
// "Resource exhaustion... process RSS cap" error kind: exceeding it marks
// /health degraded so the supervisor kills and respawns this worker.
const maxRSSBytes = 512 * 1024 * 1024

func main() {
	personaFlag := flag.String("persona", "", "Persona this worker serves: gaming, video-call, streaming, bulk")
	port := flag.Int("port", 0, "Port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("persona", *personaFlag)

	p := types.Persona(*personaFlag)
	spec, ok := types.PersonaTable[p]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown persona %q\n", *personaFlag)
		os.Exit(1)
	}
	if *port == 0 {
		fmt.Fprintln(os.Stderr, "-port is required")
		os.Exit(1)
	}

	w := &workerServer{
		persona:   p,
		spec:      spec,
		tracker:   metrics.NewConnTracker(),
		collector: metrics.NewCollector(),
		registry:  newTestRegistries(),
		logger:    logger,
	}

	watchdog := newSchedulerWatchdog()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", w.healthHandler(watchdog))
	mux.HandleFunc("/"+string(p), w.connHandler)
	mux.HandleFunc("/metrics", w.metricsHandler)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: mux}

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	go watchdog.run(watchdogCtx)
	defer stopWatchdog()

	go func() {
		logger.Info("worker listening", "port", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker exited", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down worker")
	w.registry.closeAll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// workerServer holds the shared, per-process state for this persona's
// worker: the connection/stability trackers and the per-test registry
// adapter handed to each Conn.
type workerServer struct {
	persona   types.Persona
	spec      types.PersonaSpec
	tracker   *metrics.ConnTracker
	collector *metrics.Collector
	registry  *testRegistries
	logger    *slog.Logger
}

func (w *workerServer) healthHandler(watchdog *schedulerWatchdog) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if watchdog.missedBudget() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(rw, `{"status":"degraded","reason":"scheduling_budget_missed"}`)
			return
		}
		if rss, ok := residentMemoryBytes(); ok && rss > maxRSSBytes {
			w.logger.Warn("resident memory exceeds cap", "rss_bytes", rss, "cap_bytes", maxRSSBytes)
			rw.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(rw, `{"status":"degraded","reason":"rss_cap_exceeded"}`)
			return
		}
		fmt.Fprint(rw, `{"status":"ok"}`)
	}
}

// residentMemoryBytes reports this process's current RSS, or false if it
// could not be read (e.g. unsupported platform).
func residentMemoryBytes() (uint64, bool) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0, false
	}
	return info.RSS, true
}

func (w *workerServer) metricsHandler(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(rw, w.collector.Expose())
}

func (w *workerServer) connHandler(rw http.ResponseWriter, r *http.Request) {
	testID := r.URL.Query().Get("test_id")
	if testID == "" {
		http.Error(rw, "test_id is required", http.StatusBadRequest)
		return
	}

	conn, err := wsconn.Upgrade(rw, r, wsconn.Options{
		Persona:   w.persona,
		TestID:    testID,
		Registry:  w.registry.forTest(testID),
		Tracker:   w.tracker,
		Collector: w.collector,
		Logger:    w.logger,
	})
	if err != nil {
		w.logger.Warn("upgrade failed", "error", err)
		return
	}
	// Only the presence of test_id is checked: the test-id is not looked
	// up and the remote address is not compared before authenticating.
	conn.Authenticate()
	w.registry.track(testID, conn)
	defer w.registry.untrack(testID, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := persona.NewGenerator(w.persona, conn)
	go func() { _ = gen.Run(ctx) }()

	phaseComplete := w.registry.phaseCompleteChan(testID)
	conn.Run(ctx, w.spec.PingIntervalMs, phaseComplete)
}

// testRegistries keeps this worker's own per-test StreamRegistry and
// phase-complete channel for wsconn.Conn. The channel is closed when the
// test's last connection leaves, or for every test when the worker shuts
// down, so all live connections drain together.
type testRegistries struct {
	mu            sync.Mutex
	byTest        map[string]*types.StreamRegistry
	phaseComplete map[string]chan struct{}
	conns         map[string]map[*wsconn.Conn]struct{}
}

func newTestRegistries() *testRegistries {
	return &testRegistries{
		byTest:        make(map[string]*types.StreamRegistry),
		phaseComplete: make(map[string]chan struct{}),
		conns:         make(map[string]map[*wsconn.Conn]struct{}),
	}
}

func (t *testRegistries) forTest(testID string) *types.StreamRegistry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reg, ok := t.byTest[testID]; ok {
		return reg
	}
	reg := types.NewStreamRegistry()
	t.byTest[testID] = reg
	t.phaseComplete[testID] = make(chan struct{})
	return reg
}

func (t *testRegistries) phaseCompleteChan(testID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phaseComplete[testID]
}

func (t *testRegistries) track(testID string, conn *wsconn.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.conns[testID]
	if !ok {
		set = make(map[*wsconn.Conn]struct{})
		t.conns[testID] = set
	}
	set[conn] = struct{}{}
}

func (t *testRegistries) untrack(testID string, conn *wsconn.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.conns[testID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(t.conns, testID)
			delete(t.byTest, testID)
			if ch, ok := t.phaseComplete[testID]; ok {
				closeOnce(ch)
			}
			delete(t.phaseComplete, testID)
		}
	}
}

func (t *testRegistries) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.phaseComplete {
		closeOnce(ch)
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// schedulerWatchdog tracks whether the event loop has missed its
// scheduling budget in the last second, backing the worker's /health
// degraded response (spec.md §4.C.6).
type schedulerWatchdog struct {
	lastTick atomic.Int64
}

func newSchedulerWatchdog() *schedulerWatchdog {
	w := &schedulerWatchdog{}
	w.lastTick.Store(time.Now().UnixNano())
	return w
}

func (w *schedulerWatchdog) run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.lastTick.Store(time.Now().UnixNano())
		}
	}
}

func (w *schedulerWatchdog) missedBudget() bool {
	last := time.Unix(0, w.lastTick.Load())
	return time.Since(last) > time.Second
}
