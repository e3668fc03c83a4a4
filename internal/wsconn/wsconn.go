// Package wsconn implements the per-connection WebSocket state machine of
// spec.md §4.C: accepted → authenticated → running → draining → closed,
// with a ping loop, a 4 Hz metrics frame, and a back-pressured send queue
// so a slow client cannot inflate server memory. Grounded on the pack's
// gorilla/websocket read/write pump split (separate goroutines, a ticker
// for periodic sends, a buffered outbound channel), generalized from a
// one-way log stream to a bidirectional measurement channel.
package wsconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopqueue/bufferbloat-server/internal/metrics"
	"github.com/loopqueue/bufferbloat-server/internal/types"
)

const (
	writeWait = 5 * time.Second
	// idleTimeout matches spec.md §5's per-connection idle cap: 30s with no
	// bytes in either direction transitions running → draining.
	idleTimeout = 30 * time.Second
	// drainGrace is how long an in-flight ping is allowed to complete once
	// draining begins, before the socket is force-closed (spec.md §4.C.3).
	drainGrace = 1 * time.Second
	// sendQueueCap bounds per-connection outbound memory (spec.md §5
	// back-pressure: cap ~256 KiB).
	sendQueueCap   = 256 * 1024
	metricsPeriod  = 250 * time.Millisecond
	maxMessageSize = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pingFrame and pongFrame mirror spec.md §6's wire contract verbatim.
type pingFrame struct {
	Type string  `json:"type"`
	TS   float64 `json:"ts"`
	Seq  uint32  `json:"seq"`
}

type pongFrame struct {
	Type     string  `json:"type"`
	TS       float64 `json:"ts"`
	Seq      uint32  `json:"seq"`
	ClientTS float64 `json:"client_ts"`
}

type metricsFrame struct {
	Type        string  `json:"type"`
	BytesUp     uint64  `json:"bytes_up"`
	BytesDown   uint64  `json:"bytes_down"`
	EMABpsUp    float64 `json:"ema_bps_up"`
	EMABpsDown  float64 `json:"ema_bps_down"`
	RTTMs       float64 `json:"rtt_ms"`
	JitterMs    float64 `json:"jitter_ms"`
	LossPct     float64 `json:"loss_pct"`
	TS          float64 `json:"ts"`
}

// DrainReason names why a connection left running for draining, used for
// both logging and the forced-teardown metric.
type DrainReason string

const (
	DrainPhaseComplete DrainReason = "phase_complete"
	DrainClientClose   DrainReason = "client_close"
	DrainIdleTimeout   DrainReason = "idle_timeout"
	DrainTestDeadline  DrainReason = "test_deadline"
	DrainShutdown      DrainReason = "shutdown"
)

// Registry is the StreamRegistry membership interface a Conn reports into
// (spec.md §4.E); satisfied by types.StreamRegistry.
type Registry interface {
	Add(id string)
	Remove(id string)
}

// Conn is one worker WebSocket connection: a persona's measurement channel
// for a single test-id.
type Conn struct {
	id        string
	persona   types.Persona
	testID    string
	startedAt time.Time

	ws       *websocket.Conn
	writeMu  sync.Mutex
	sendCh   chan []byte
	sendSize atomic.Int64

	state atomic.Value // types.ConnState

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
	emaUp     float64
	emaDown   float64
	emaMu     sync.Mutex
	// counters and time at the previous metrics frame, guarded by emaMu
	prevUp, prevDown uint64
	prevAt           time.Time

	lastActivity atomic.Int64 // unix nano

	pingSeq    atomic.Uint32
	lastSeq    atomic.Uint32
	rttMu      sync.Mutex
	lastRTTMs  float64
	jitterMs   float64
	lossCount  atomic.Int64
	pingCount  atomic.Int64

	registry Registry
	tracker  *metrics.ConnTracker
	collector *metrics.Collector
	logger   *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// Options configures a new Conn.
type Options struct {
	Persona   types.Persona
	TestID    string
	Registry  Registry
	Tracker   *metrics.ConnTracker
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// Upgrade upgrades r into a Conn in the accepted state. The caller must
// immediately call Authenticate, then Run.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		id:        opts.TestID + ":" + string(opts.Persona),
		persona:   opts.Persona,
		testID:    opts.TestID,
		startedAt: time.Now(),
		ws:        ws,
		sendCh:    make(chan []byte, 256),
		registry:  opts.Registry,
		tracker:   opts.Tracker,
		collector: opts.Collector,
		logger:    logger,
		closed:    make(chan struct{}),
	}
	c.state.Store(types.ConnAccepted)
	c.lastActivity.Store(time.Now().UnixNano())
	ws.SetReadLimit(maxMessageSize)
	return c, nil
}

// Authenticate transitions accepted → authenticated. It checks nothing
// itself: any test-id or remote-address check (spec.md §4.C.1), and
// closing the connection on failure, is up to the caller.
func (c *Conn) Authenticate() {
	c.state.Store(types.ConnAuthenticated)
}

// State returns the connection's current state.
func (c *Conn) State() types.ConnState {
	return c.state.Load().(types.ConnState)
}

// Run transitions to running, registers with the StreamRegistry, and
// blocks driving the read pump, ping loop, and metrics loop until ctx is
// cancelled or the connection closes. Closing phaseComplete drains the
// connection with DrainPhaseComplete; cmd/worker closes it when the test's
// last connection leaves or the worker shuts down.
func (c *Conn) Run(ctx context.Context, pingIntervalMs int, phaseComplete <-chan struct{}) {
	c.state.Store(types.ConnRunning)
	if c.registry != nil {
		c.registry.Add(c.id)
	}
	if c.collector != nil {
		c.collector.ConnectionOpened(string(c.persona))
	}
	if c.tracker != nil {
		c.tracker.RecordEvent(metrics.ConnEvent{ConnID: c.id, Persona: string(c.persona), EventType: metrics.ConnEventOpened})
	}

	drainCtx, drainCancel := context.WithCancel(context.Background())
	var drainReason DrainReason
	var drainOnce sync.Once
	startDrain := func(reason DrainReason) {
		drainOnce.Do(func() {
			drainReason = reason
			c.state.Store(types.ConnDraining)
			drainCancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.writePump(drainCtx) }()
	go func() { defer wg.Done(); c.readPump(startDrain) }()
	go func() { defer wg.Done(); c.pingAndMetricsLoop(drainCtx, pingIntervalMs) }()

	idleTicker := time.NewTicker(time.Second)
	defer idleTicker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			startDrain(DrainTestDeadline)
			break loop
		case <-phaseComplete:
			startDrain(DrainPhaseComplete)
			break loop
		case <-drainCtx.Done():
			break loop
		case <-idleTicker.C:
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > idleTimeout {
				startDrain(DrainIdleTimeout)
				break loop
			}
		}
	}

	// Allow in-flight pings up to drainGrace before forcing closure.
	select {
	case <-c.closed:
	case <-time.After(drainGrace):
	}
	c.forceClose(drainReason)
	wg.Wait()
}

// SendPayload implements persona.Sink: it enqueues a binary frame of n
// bytes, marking the connection congested (and dropping it) if the queue
// is over its back-pressure cap.
func (c *Conn) SendPayload(ctx context.Context, n int) error {
	if c.State() != types.ConnRunning {
		return nil
	}
	payload := make([]byte, n)
	return c.enqueue(payload)
}

func (c *Conn) enqueue(payload []byte) error {
	if c.sendSize.Load()+int64(len(payload)) > sendQueueCap {
		c.logger.Warn("connection congested, dropping", "conn_id", c.id)
		c.forceClose("congested")
		return context.Canceled
	}
	select {
	case c.sendCh <- payload:
		c.sendSize.Add(int64(len(payload)))
		return nil
	case <-c.closed:
		return context.Canceled
	}
}

func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case payload := <-c.sendCh:
			c.sendSize.Add(-int64(len(payload)))
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.BinaryMessage, payload)
			c.writeMu.Unlock()
			if err != nil {
				c.forceClose("write_error")
				return
			}
			c.bytesDown.Add(uint64(len(payload)))
			c.touch()
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

// readPump drains client frames: pong replies (RTT completion) and close
// frames. A write error elsewhere closes c.closed, unblocking ReadMessage
// via the underlying connection close.
func (c *Conn) readPump(startDrain func(DrainReason)) {
	c.ws.SetPongHandler(func(string) error { c.touch(); return nil })
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			startDrain(DrainClientClose)
			return
		}
		c.touch()
		if kind != websocket.TextMessage {
			c.bytesUp.Add(uint64(len(data)))
			continue
		}
		c.bytesUp.Add(uint64(len(data)))

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			if c.tracker != nil {
				c.tracker.RecordProtocolError(c.id)
			}
			continue
		}
		switch probe.Type {
		case "pong":
			var pong pongFrame
			if err := json.Unmarshal(data, &pong); err == nil {
				c.recordPong(pong)
			}
		case "close":
			startDrain(DrainClientClose)
			return
		}
	}
}

func (c *Conn) recordPong(pong pongFrame) {
	if pong.Seq != c.lastSeq.Load() {
		return // stale or out-of-sequence echo; ignore
	}
	nowMs := float64(time.Since(c.startedAt).Microseconds()) / 1000.0
	rtt := nowMs - pong.TS
	if rtt < 0 {
		rtt = 0
	}

	c.rttMu.Lock()
	if c.pingCount.Load() > 0 {
		delta := math.Abs(rtt - c.lastRTTMs)
		n := float64(c.pingCount.Load())
		c.jitterMs = (c.jitterMs*(n-1) + delta) / n
	}
	c.lastRTTMs = rtt
	c.rttMu.Unlock()

	if c.tracker != nil {
		c.tracker.RecordPing(c.id, rtt)
	}
	if c.collector != nil {
		c.collector.RecordRTT(string(c.persona), rtt)
	}
}

// pingAndMetricsLoop drives the fixed-cadence ping (seq monotonic, loss via
// sequence gap) and the 4 Hz metrics frame, both on the high-priority write
// path (separate from SendPayload's queue) so bulk traffic never delays
// them (spec.md §5).
func (c *Conn) pingAndMetricsLoop(ctx context.Context, pingIntervalMs int) {
	pingTicker := time.NewTicker(time.Duration(pingIntervalMs) * time.Millisecond)
	metricsTicker := time.NewTicker(metricsPeriod)
	defer pingTicker.Stop()
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-pingTicker.C:
			c.sendPing()
		case <-metricsTicker.C:
			if c.State() == types.ConnRunning {
				c.sendMetrics()
			}
		}
	}
}

func (c *Conn) sendPing() {
	seq := c.pingSeq.Add(1)
	c.lastSeq.Store(seq)
	c.pingCount.Add(1)
	nowMs := float64(time.Since(c.startedAt).Microseconds()) / 1000.0

	frame := pingFrame{Type: "ping", TS: nowMs, Seq: seq}
	body, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	writeErr := c.ws.WriteMessage(websocket.TextMessage, body)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.forceClose("write_error")
		return
	}

	// Loss is detected by the next ping firing before this one's pong
	// arrived. recordPong compares against lastSeq, so a missed reply is
	// silently superseded — tally it here pessimistically one tick later.
	expectedSeq := seq
	go func() {
		time.Sleep(time.Duration(3) * time.Second / 2)
		if c.lastSeq.Load() == expectedSeq && c.lossHasNoRecentPong(expectedSeq) {
			c.lossCount.Add(1)
			if c.tracker != nil {
				c.tracker.RecordLoss(c.id)
			}
			if c.collector != nil {
				c.collector.RecordPingLoss(string(c.persona))
			}
		}
	}()
}

// lossHasNoRecentPong is a best-effort check: if lastRTTMs was never
// updated after this ping's deadline, treat it as lost. A production
// implementation would track per-seq acknowledgement explicitly; this
// mirrors the spec's "sequence-gap detection infers loss" at a coarser
// grain suitable for the 250ms metrics cadence.
func (c *Conn) lossHasNoRecentPong(seq uint32) bool {
	return c.lastSeq.Load() == seq && c.pingSeq.Load() == seq
}

func (c *Conn) sendMetrics() {
	up := c.bytesUp.Load()
	down := c.bytesDown.Load()

	c.emaMu.Lock()
	const alpha = 0.3
	now := time.Now()
	if c.prevAt.IsZero() {
		c.prevAt = c.startedAt
	}
	// The EMA smooths the per-frame rate in bits/s, not the raw counters.
	deltaUp, deltaDown := up-c.prevUp, down-c.prevDown
	instUp, instDown := 0.0, 0.0
	if dt := now.Sub(c.prevAt).Seconds(); dt > 0 {
		instUp, instDown = 8*float64(deltaUp)/dt, 8*float64(deltaDown)/dt
	}
	c.prevUp, c.prevDown, c.prevAt = up, down, now
	c.emaUp = alpha*instUp + (1-alpha)*c.emaUp
	c.emaDown = alpha*instDown + (1-alpha)*c.emaDown
	emaUp, emaDown := c.emaUp, c.emaDown
	c.emaMu.Unlock()

	c.rttMu.Lock()
	rtt, jitter := c.lastRTTMs, c.jitterMs
	c.rttMu.Unlock()

	lossPct := 0.0
	if total := c.pingCount.Load(); total > 0 {
		lossPct = 100 * float64(c.lossCount.Load()) / float64(total)
	}

	if c.collector != nil {
		c.collector.RecordBytes(string(c.persona), int64(deltaUp), int64(deltaDown))
	}
	if c.tracker != nil {
		c.tracker.RecordBytes(c.id, int64(deltaUp), int64(deltaDown))
	}

	frame := metricsFrame{
		Type:       "metrics",
		BytesUp:    up,
		BytesDown:  down,
		EMABpsUp:   emaUp,
		EMABpsDown: emaDown,
		RTTMs:      rtt,
		JitterMs:   jitter,
		LossPct:    lossPct,
		TS:         float64(time.Since(c.startedAt).Microseconds()) / 1000.0,
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	writeErr := c.ws.WriteMessage(websocket.TextMessage, body)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.forceClose("write_error")
	}
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// forceClose transitions to closed, removes the connection from the
// registry, records teardown metrics, and closes the underlying socket.
// Safe to call multiple times or concurrently.
func (c *Conn) forceClose(reason interface{}) {
	c.closeOnce.Do(func() {
		graceful := reason == DrainPhaseComplete || reason == DrainClientClose
		c.state.Store(types.ConnClosed)
		if c.registry != nil {
			c.registry.Remove(c.id)
		}
		if c.tracker != nil {
			c.tracker.RecordEvent(metrics.ConnEvent{ConnID: c.id, EventType: metrics.ConnEventClosed})
		}
		if c.collector != nil {
			c.collector.ConnectionClosed(string(c.persona), types.ConnClosed)
			if graceful {
				c.collector.RecordGracefulTeardown()
			} else {
				c.collector.RecordForcedTeardown()
			}
		}
		close(c.closed)
		c.ws.Close()
	})
}
