// Command supervisor is the Process Supervisor of spec.md §4.D: it spawns
// one OS process per persona worker plus the ping and front-door
// processes, health-probes them, serves the port-discovery and
// stats-aggregation APIs, and shuts the fleet down gracefully on signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/config"
	"github.com/loopqueue/bufferbloat-server/internal/supervisor"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address for the supervisor's own API, defaults to :SUPERVISOR_PORT")
	binDir := flag.String("bin-dir", ".", "Directory containing the worker/pingserver/frontdoor binaries")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr == "" {
		*addr = fmt.Sprintf(":%d", cfg.SupervisorPort)
	}

	sup := supervisor.New(logger)

	specs := []supervisor.Spec{
		{Name: "ping", Command: filepath.Join(*binDir, "pingserver"), Args: []string{"-port", fmt.Sprint(cfg.PingPort)}, Port: cfg.PingPort},
		{Name: "front-door", Command: filepath.Join(*binDir, "frontdoor"), Args: nil, Port: cfg.FrontDoorPort},
	}
	for persona, port := range cfg.PersonaPorts {
		specs = append(specs, supervisor.Spec{
			Name:    persona,
			Command: filepath.Join(*binDir, "worker"),
			Args:    []string{"-persona", persona, "-port", fmt.Sprint(port)},
			Port:    port,
		})
	}

	for _, spec := range specs {
		if err := sup.Spawn(spec); err != nil {
			logger.Error("failed to spawn managed process", "name", spec.Name, "error", err)
			os.Exit(1)
		}
	}
	sup.Start()
	defer sup.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/ws/virtual-household/", sup.DiscoveryHandler())
	mux.HandleFunc("/virtual-household/stats", sup.StatsHandler())

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Info("supervisor listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("supervisor API exited", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down supervisor and managed processes")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sup.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
}
