// Package types holds the core data model shared across the front-door,
// worker, supervisor and telemetry store: tests, phases, personas,
// connections and the results they produce.
package types

import (
	"sync"
	"time"
)

// Kind distinguishes the two flavours of measurement session.
type Kind string

const (
	KindSingleUser Kind = "single"
	KindHousehold  Kind = "household"
)

// Phase names the single-user test's phase sequence. Order matters: the
// orchestrator's transition table only allows forward movement along this
// list (see internal/orchestrator.CanTransitionSingleUser).
type Phase string

const (
	// PhaseNone is the pre-start sentinel a Test holds before the
	// orchestrator drives its first transition into PhaseBaseline. It is
	// never broadcast to clients or workers.
	PhaseNone          Phase = ""
	PhaseBaseline      Phase = "baseline"
	PhaseDLWarmup      Phase = "dl-warmup"
	PhaseDLSaturation  Phase = "dl-saturation"
	PhaseULWarmup      Phase = "ul-warmup"
	PhaseULSaturation  Phase = "ul-saturation"
	PhaseBidirectional Phase = "bidirectional"
	PhaseComplete      Phase = "complete"
)

// SingleUserPhaseOrder is the canonical phase sequence with its default
// durations, per spec.md §4.E.
var SingleUserPhaseOrder = []struct {
	Phase    Phase
	Duration time.Duration
}{
	{PhaseBaseline, 5 * time.Second},
	{PhaseDLWarmup, 5 * time.Second},
	{PhaseDLSaturation, 10 * time.Second},
	{PhaseULWarmup, 5 * time.Second},
	{PhaseULSaturation, 10 * time.Second},
	{PhaseBidirectional, 5 * time.Second},
	{PhaseComplete, 0},
}

// HouseholdPhase names the two-phase household adaptive test.
type HouseholdPhase string

const (
	HouseholdPhaseSpeedProbe HouseholdPhase = "speed-probe"
	HouseholdPhaseSaturation HouseholdPhase = "saturation"
	HouseholdPhaseComplete   HouseholdPhase = "complete"
)

// TestStatus is the orchestrator's outer lifecycle state for a Test,
// independent of which phase it is in.
type TestStatus string

const (
	TestStatusRunning   TestStatus = "running"
	TestStatusCompleted TestStatus = "completed"
	TestStatusAborted   TestStatus = "aborted"
)

// Persona is one of the closed set of household traffic personas.
type Persona string

const (
	PersonaGaming     Persona = "gaming"
	PersonaVideoCall   Persona = "video-call"
	PersonaStreaming  Persona = "streaming"
	PersonaBulk       Persona = "bulk"
)

// AllPersonas enumerates the closed persona set in a stable order.
var AllPersonas = []Persona{PersonaGaming, PersonaVideoCall, PersonaStreaming, PersonaBulk}

// TrafficProfileKind distinguishes how a persona paces its traffic.
type TrafficProfileKind string

const (
	ProfileConstantRate   TrafficProfileKind = "constant-rate"
	ProfileBursty         TrafficProfileKind = "bursty"
	ProfileContinuousFill TrafficProfileKind = "continuous-fill"
)

// PersonaSpec is the static, closed-set table of persona attributes from
// spec.md §6. DSCP is a hint only; the server never depends on it surviving
// the path.
type PersonaSpec struct {
	Persona           Persona
	DSCP              string
	PingIntervalMs    int
	DownloadProfile   TrafficProfileKind
	UploadProfile     TrafficProfileKind
	DownloadTargetBps float64
	UploadTargetBps   float64
	// GradeThresholdsMs are the Δ boundaries (ms) for A/B/C sub-grades,
	// persona-specific per spec.md §6.
	GradeThresholdsMs [3]float64
}

// PersonaTable is the closed, statically defined persona set.
var PersonaTable = map[Persona]PersonaSpec{
	PersonaGaming: {
		Persona: PersonaGaming, DSCP: "EF", PingIntervalMs: 50,
		DownloadProfile: ProfileConstantRate, UploadProfile: ProfileConstantRate,
		DownloadTargetBps: 1.5e6, UploadTargetBps: 0.75e6,
		GradeThresholdsMs: [3]float64{25, 75, 150},
	},
	PersonaVideoCall: {
		Persona: PersonaVideoCall, DSCP: "AF41", PingIntervalMs: 100,
		DownloadProfile: ProfileConstantRate, UploadProfile: ProfileConstantRate,
		DownloadTargetBps: 2.5e6, UploadTargetBps: 2.5e6,
		GradeThresholdsMs: [3]float64{50, 150, 300},
	},
	PersonaStreaming: {
		Persona: PersonaStreaming, DSCP: "AF31", PingIntervalMs: 200,
		DownloadProfile: ProfileBursty, UploadProfile: ProfileConstantRate,
		DownloadTargetBps: 25e6, UploadTargetBps: 0.1e6,
		GradeThresholdsMs: [3]float64{100, 300, 600},
	},
	PersonaBulk: {
		Persona: PersonaBulk, DSCP: "BE", PingIntervalMs: 1000,
		DownloadProfile: ProfileContinuousFill, UploadProfile: ProfileConstantRate,
		DownloadTargetBps: 0, // measured-80p; the bulk Generator sends no fill frames until SetTargetRate gives it a rate
		UploadTargetBps:   0.1e6,
		GradeThresholdsMs: [3]float64{200, 1000, 5000},
	},
}

// ConnState is the five-state machine of a single worker connection
// (spec.md §4.C / §9: replaces callback-driven onopen/onmessage/onclose
// with an explicit per-connection state).
type ConnState string

const (
	ConnAccepted     ConnState = "accepted"
	ConnAuthenticated ConnState = "authenticated"
	ConnRunning      ConnState = "running"
	ConnDraining     ConnState = "draining"
	ConnClosed       ConnState = "closed"
)

// ConnSnapshot is a read-only copy of a Connection's counters, taken at
// read time by the supervisor or stats endpoint. The live Connection is
// mutated only by the worker goroutine that owns it.
type ConnSnapshot struct {
	ConnectionID    string
	TestID          string
	Persona         Persona
	PeerAddress     string
	OpenedAt        time.Time
	LastActivityAt  time.Time
	BytesUp         uint64
	BytesDown       uint64
	MessagesUp      uint64
	MessagesDown    uint64
	LastPingSeq     uint32
	LossCount       uint64
	TotalPings      uint64
	State           ConnState
	LatencyMsP50    float64
	LatencyMsP95    float64
	JitterMs        float64
}

// Test is an instance of one measurement session. Mutated only by the
// orchestrator (phase advances) and by workers reporting metric inserts
// (spec.md §3).
type Test struct {
	mu sync.RWMutex

	TestID        string
	Kind          Kind
	StartTime     time.Time
	EndTime       time.Time
	ClientAddress string

	Status        TestStatus
	CurrentPhase  Phase          // single-user
	HouseholdPhase HouseholdPhase // household

	// Registry is the set of streams the orchestrator currently considers
	// part of this test (spec.md §3 StreamRegistry).
	Registry *StreamRegistry

	AbortReason string
}

// NewTest constructs a Test in its initial running state.
func NewTest(testID string, kind Kind, clientAddr string, now time.Time) *Test {
	return &Test{
		TestID:        testID,
		Kind:          kind,
		StartTime:     now,
		ClientAddress: clientAddr,
		Status:        TestStatusRunning,
		CurrentPhase:  PhaseNone,
		HouseholdPhase: HouseholdPhaseSpeedProbe,
		Registry:      NewStreamRegistry(),
	}
}

// SetPhase advances the single-user phase under lock.
func (t *Test) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentPhase = p
}

// GetPhase reads the current single-user phase.
func (t *Test) GetPhase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.CurrentPhase
}

// SetHouseholdPhase advances the household phase under lock.
func (t *Test) SetHouseholdPhase(p HouseholdPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.HouseholdPhase = p
}

// GetHouseholdPhase reads the current household phase.
func (t *Test) GetHouseholdPhase() HouseholdPhase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.HouseholdPhase
}

// Finish marks the test completed or aborted and stamps EndTime. Safe to
// call once; subsequent calls are no-ops so a race between the deadline
// timer and a client-driven completion cannot double-finish a test.
func (t *Test) Finish(status TestStatus, reason string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != TestStatusRunning {
		return false
	}
	t.Status = status
	t.AbortReason = reason
	t.EndTime = now
	return true
}

// GetStatus reads the test's outer lifecycle status.
func (t *Test) GetStatus() TestStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// StreamRegistry tracks the set of stream/connection ids the orchestrator
// currently intends to exist for a test. See spec.md §3 invariant: on
// phase transition the set must match what the new phase allows; on test
// end it must reach empty within a bounded grace period.
type StreamRegistry struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// NewStreamRegistry constructs an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{members: make(map[string]struct{})}
}

// Add registers a stream id as belonging to the current phase.
func (r *StreamRegistry) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[id] = struct{}{}
}

// Remove deregisters a stream id, typically on close.
func (r *StreamRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
}

// Len returns the number of currently-registered streams.
func (r *StreamRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Snapshot returns a copy of the currently registered stream ids.
func (r *StreamRegistry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// GradeSummary is the grade payload attached to a TestResult.
type GradeSummary struct {
	Overall      string            `json:"overall"`
	PerPhase     map[string]string `json:"per_phase,omitempty"`
	PerPersona   map[string]string `json:"per_persona,omitempty"`
}

// TestResult is the immutable record produced when a test reaches
// `complete` or is aborted (spec.md §3, §6 persisted schema).
type TestResult struct {
	TestID         string       `json:"test_id"`
	Kind           Kind         `json:"kind"`
	ClientAddress  string       `json:"client_addr"`
	Grade          GradeSummary `json:"grade_summary"`
	BaselineRTTMs  float64      `json:"baseline_rtt_ms"`
	LoadedRTTMs    float64      `json:"loaded_rtt_ms"`
	DownloadMbps   float64      `json:"download_mbps"`
	UploadMbps     float64      `json:"upload_mbps"`
	DurationS      float64      `json:"duration_s"`
	TimestampMs    int64        `json:"ts"`
	RawJSON        []byte       `json:"-"`
}
