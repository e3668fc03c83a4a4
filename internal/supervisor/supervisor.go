// Package supervisor implements the Process Supervisor of spec.md §4.D:
// spawn-on-startup, active health probing with kill-and-respawn, the
// port-discovery API, stats aggregation, and graceful shutdown. Grounded
// on the teacher's HeartbeatMonitor (Start/Stop/ticker/stoppedCh lifecycle)
// and Registry (worker bookkeeping), generalized from "lease-tracked remote
// worker" to "supervised local OS process".
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"
)

const (
	// ProbeInterval is how often the supervisor GETs each process's
	// /health (spec.md §4.D).
	ProbeInterval = 5 * time.Second
	// FailureThreshold is the number of consecutive probe failures before
	// a kill-and-respawn.
	FailureThreshold = 3
	// ShutdownGrace is how long a worker has to exit after `terminate`
	// before the supervisor force-kills it (spec.md §4.D).
	ShutdownGrace = 10 * time.Second
	// portReleasePoll is how often the supervisor checks that a killed
	// process's port has actually been released before respawning
	// (spec.md §4.D invariant: "a new process only after the old one's
	// port is verified released").
	portReleasePoll = 20 * time.Millisecond
)

// Spec describes one supervised process: how to start it, which port it
// owns, and how to probe it.
type Spec struct {
	Name       string   // e.g. "gaming", "ping", "front-door"
	Command    string   // executable path
	Args       []string
	Port       int
	HealthPath string // defaults to "/health"
}

// process is the supervisor's live bookkeeping for one Spec.
type process struct {
	spec             Spec
	cmd              *exec.Cmd
	consecutiveFails int
	healthy          bool
	lastProbe        time.Time
	mu               sync.Mutex
}

// Supervisor owns the set of managed processes: the four persona workers,
// the ping listener, and the front door (spec.md §4.D: "launch one process
// per persona... launch the ping endpoint process; launch the front-door
// process").
type Supervisor struct {
	mu        sync.Mutex
	processes map[string]*process
	client    *http.Client
	logger    *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

// New builds an empty Supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		processes: make(map[string]*process),
		client:    &http.Client{Timeout: 2 * time.Second},
		logger:    logger,
	}
}

// Spawn starts a process per spec and registers it for probing. It does
// not block waiting for the process to become healthy — the probe loop
// will pick it up on the next tick.
func (s *Supervisor) Spawn(spec Spec) error {
	if spec.HealthPath == "" {
		spec.HealthPath = "/health"
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", spec.Name, err)
	}

	s.mu.Lock()
	s.processes[spec.Name] = &process{spec: spec, cmd: cmd, healthy: true, lastProbe: time.Now()}
	s.mu.Unlock()

	s.logger.Info("spawned process", "name", spec.Name, "pid", cmd.Process.Pid, "port", spec.Port)
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// Start begins the probe loop in the background. Safe to call once; a
// second call is a no-op, matching the teacher's HeartbeatMonitor.Start
// idempotence.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop halts the probe loop and blocks until it has exited.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	stoppedCh := s.stoppedCh
	s.mu.Unlock()
	<-stoppedCh
}

func (s *Supervisor) run() {
	defer close(s.stoppedCh)
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probeAll()
		}
	}
}

func (s *Supervisor) probeAll() {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		s.probeOne(p)
	}
}

func (s *Supervisor) probeOne(p *process) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", p.spec.Port, p.spec.HealthPath)
	resp, err := s.client.Get(url)
	ok := err == nil && resp != nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}

	p.mu.Lock()
	p.lastProbe = time.Now()
	if ok {
		p.consecutiveFails = 0
		p.healthy = true
		p.mu.Unlock()
		return
	}
	p.consecutiveFails++
	fails := p.consecutiveFails
	p.healthy = false
	p.mu.Unlock()

	s.logger.Warn("health probe failed", "name", p.spec.Name, "consecutive_failures", fails)
	if fails >= FailureThreshold {
		s.respawn(p)
	}
}

// respawn kills the unhealthy process, verifies its port is released, and
// starts a fresh one (spec.md §4.D invariant: at most one running worker
// per persona at any moment).
func (s *Supervisor) respawn(p *process) {
	s.logger.Warn("respawning process after repeated health failures", "name", p.spec.Name)
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	s.waitForPortRelease(p.spec.Port, ShutdownGrace)
	if !portFree(p.spec.Port) {
		s.logger.Error("respawn skipped: port still in use", "name", p.spec.Name, "port", p.spec.Port)
		return
	}

	newCmd := exec.Command(p.spec.Command, p.spec.Args...)
	if err := newCmd.Start(); err != nil {
		s.logger.Error("respawn failed", "name", p.spec.Name, "error", err)
		return
	}

	p.mu.Lock()
	p.cmd = newCmd
	p.consecutiveFails = 0
	p.healthy = true
	p.mu.Unlock()

	go func() { _ = newCmd.Wait() }()
	s.logger.Info("respawned process", "name", p.spec.Name, "pid", newCmd.Process.Pid)
}

// waitForPortRelease polls until a TCP listener can bind the given port or
// the timeout expires — the supervisor's verification that a killed
// process has actually released its socket before a respawn attempts to
// reuse it.
func (s *Supervisor) waitForPortRelease(port int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if portFree(port) {
			return
		}
		time.Sleep(portReleasePoll)
	}
}

// IsHealthy reports whether a named process last probed healthy.
func (s *Supervisor) IsHealthy(name string) bool {
	s.mu.Lock()
	p, ok := s.processes[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Port returns the configured port for a named process, and whether the
// process is known at all.
func (s *Supervisor) Port(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[name]
	if !ok {
		return 0, false
	}
	return p.spec.Port, true
}

// Shutdown sends each process a terminate signal and waits up to
// ShutdownGrace for it to exit, force-killing any stragglers (spec.md
// §4.D).
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			s.shutdownOne(p)
		}(p)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Supervisor) shutdownOne(p *process) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(terminateSignal())
	exited := make(chan struct{})
	go func() { _ = p.cmd.Wait(); close(exited) }()
	select {
	case <-exited:
		s.logger.Info("process exited gracefully", "name", p.spec.Name)
	case <-time.After(ShutdownGrace):
		s.logger.Warn("process did not exit in time, force killing", "name", p.spec.Name)
		_ = p.cmd.Process.Kill()
	}
}
