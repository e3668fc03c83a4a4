// Package metrics also provides per-connection stability tracking: the
// drop/reconnect/protocol-error history behind each persona's stability
// score, grounded on the teacher's session-scoped ConnectionTracker and
// generalized from "MCP session" to "worker WebSocket connection".
package metrics

import (
	"sync"
	"time"
)

// ConnEventType is a lifecycle event on a worker connection.
type ConnEventType string

const (
	ConnEventOpened     ConnEventType = "opened"
	ConnEventActive     ConnEventType = "active"
	ConnEventDropped    ConnEventType = "dropped"
	ConnEventClosed     ConnEventType = "closed"
	ConnEventReconnect  ConnEventType = "reconnect"
)

// DropReason is why a connection left the running state early.
type DropReason string

const (
	DropReasonTimeout     DropReason = "timeout"
	DropReasonServerError DropReason = "server_error"
	DropReasonClientClose DropReason = "client_close"
	DropReasonProtocol    DropReason = "protocol_error"
	DropReasonNetwork     DropReason = "network_error"
	DropReasonUnknown     DropReason = "unknown"
)

const defaultEventBufferSize = 4096

// ConnEvent is a single connection lifecycle event.
type ConnEvent struct {
	ConnID    string        `json:"conn_id"`
	Persona   string        `json:"persona"`
	EventType ConnEventType `json:"event_type"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    DropReason    `json:"reason,omitempty"`
}

// ConnMetrics holds per-connection counters: bytes, latency/jitter history
// and loss count (spec.md §3 Connection attributes).
type ConnMetrics struct {
	ConnID         string     `json:"conn_id"`
	Persona        string     `json:"persona"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActiveAt   time.Time  `json:"last_active_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	BytesUp        int64      `json:"bytes_up"`
	BytesDown      int64      `json:"bytes_down"`
	PingCount      int64      `json:"ping_count"`
	LossCount      int64      `json:"loss_count"`
	ReconnectCount int32      `json:"reconnect_count"`
	ProtocolErrors int32      `json:"protocol_errors"`
	AvgRTTMs       float64    `json:"avg_rtt_ms"`
	LastRTTMs      float64    `json:"last_rtt_ms"`
	JitterMs       float64    `json:"jitter_ms"`
	State          string     `json:"state"`
}

// StabilityMetrics is the aggregated stability snapshot for a persona (or
// the whole worker fleet when persona is empty).
type StabilityMetrics struct {
	TotalConnections     int64         `json:"total_connections"`
	ActiveConnections    int64         `json:"active_connections"`
	DroppedConnections   int64         `json:"dropped_connections"`
	ClosedConnections    int64         `json:"closed_connections"`
	AvgConnectionAgeMs   float64       `json:"avg_connection_age_ms"`
	ReconnectRate        float64       `json:"reconnect_rate"`
	ProtocolErrorRate    float64       `json:"protocol_error_rate"`
	ConnectionChurnRate  float64       `json:"connection_churn_rate"`
	DropRate             float64       `json:"drop_rate"`
	StabilityScore       float64       `json:"stability_score"`
	Events               []ConnEvent   `json:"events,omitempty"`
	ConnectionMetrics    []ConnMetrics `json:"connection_metrics,omitempty"`
}

// ConnTracker tracks worker connection events and computes stability
// metrics, grounded on the teacher's session-scoped tracker: a bounded
// event ring, a live-connection map, and a weighted stability-score
// formula, generalized to carry RTT/jitter/loss instead of request
// success/error counts.
type ConnTracker struct {
	mu sync.RWMutex

	events      []ConnEvent
	maxEvents   int
	connections map[string]*ConnMetrics

	totalOpened         int64
	totalDropped        int64
	totalClosed         int64
	totalReconnects     int64
	totalProtocolErrors int64
	totalPings          int64

	startTime time.Time
	nowFunc   func() time.Time
}

// NewConnTracker creates a tracker with the default event buffer size.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{
		events:      make([]ConnEvent, 0, defaultEventBufferSize),
		maxEvents:   defaultEventBufferSize,
		connections: make(map[string]*ConnMetrics),
		startTime:   time.Now(),
		nowFunc:     time.Now,
	}
}

// RecordEvent records a connection lifecycle event.
func (ct *ConnTracker) RecordEvent(event ConnEvent) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = ct.nowFunc()
	}

	if len(ct.events) >= ct.maxEvents {
		ct.events = ct.events[1:]
	}
	ct.events = append(ct.events, event)

	switch event.EventType {
	case ConnEventOpened:
		ct.totalOpened++
		ct.connections[event.ConnID] = &ConnMetrics{
			ConnID:       event.ConnID,
			Persona:      event.Persona,
			CreatedAt:    event.Timestamp,
			LastActiveAt: event.Timestamp,
			State:        "active",
		}

	case ConnEventActive:
		if conn, ok := ct.connections[event.ConnID]; ok {
			conn.LastActiveAt = event.Timestamp
		}

	case ConnEventDropped:
		ct.totalDropped++
		if conn, ok := ct.connections[event.ConnID]; ok {
			conn.State = "dropped"
			t := event.Timestamp
			conn.ClosedAt = &t
		}

	case ConnEventClosed:
		ct.totalClosed++
		if conn, ok := ct.connections[event.ConnID]; ok {
			conn.State = "closed"
			t := event.Timestamp
			conn.ClosedAt = &t
		}

	case ConnEventReconnect:
		ct.totalReconnects++
		if conn, ok := ct.connections[event.ConnID]; ok {
			conn.ReconnectCount++
		}
	}
}

// RecordPing folds a ping round-trip sample into the connection's RTT
// history, updating its running average and jitter (mean absolute delta
// between consecutive RTT samples, the form the ping loop uses for
// real-time congestion display).
func (ct *ConnTracker) RecordPing(connID string, rttMs float64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.totalPings++
	conn, ok := ct.connections[connID]
	if !ok {
		return
	}
	conn.PingCount++
	conn.LastActiveAt = ct.nowFunc()
	if conn.PingCount > 1 {
		delta := rttMs - conn.LastRTTMs
		if delta < 0 {
			delta = -delta
		}
		conn.JitterMs = (conn.JitterMs*float64(conn.PingCount-2) + delta) / float64(conn.PingCount-1)
	}
	conn.AvgRTTMs = (conn.AvgRTTMs*float64(conn.PingCount-1) + rttMs) / float64(conn.PingCount)
	conn.LastRTTMs = rttMs
}

// RecordLoss records a ping that was never answered within its deadline.
func (ct *ConnTracker) RecordLoss(connID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.totalPings++
	if conn, ok := ct.connections[connID]; ok {
		conn.LossCount++
	}
}

// RecordBytes accumulates bytes transferred on a connection.
func (ct *ConnTracker) RecordBytes(connID string, up, down int64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conn, ok := ct.connections[connID]; ok {
		conn.BytesUp += up
		conn.BytesDown += down
	}
}

// RecordProtocolError records a malformed/out-of-sequence WebSocket frame
// on a connection.
func (ct *ConnTracker) RecordProtocolError(connID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.totalProtocolErrors++
	if conn, ok := ct.connections[connID]; ok {
		conn.ProtocolErrors++
	}
}

// GetStabilityMetrics computes and returns the current stability snapshot.
func (ct *ConnTracker) GetStabilityMetrics(includeEvents bool) *StabilityMetrics {
	ct.mu.RLock()
	now := ct.nowFunc()
	startTime := ct.startTime
	totalOpened := ct.totalOpened
	totalDropped := ct.totalDropped
	totalClosed := ct.totalClosed
	totalReconnects := ct.totalReconnects
	totalProtocolErrors := ct.totalProtocolErrors
	totalPings := ct.totalPings

	connList := make([]ConnMetrics, 0, len(ct.connections))
	for _, conn := range ct.connections {
		connList = append(connList, *conn)
	}

	var events []ConnEvent
	if includeEvents {
		events = make([]ConnEvent, len(ct.events))
		copy(events, ct.events)
	}
	ct.mu.RUnlock()

	elapsedMinutes := now.Sub(startTime).Minutes()
	if elapsedMinutes < 1 {
		elapsedMinutes = 1
	}

	var activeCount int64
	var totalAgeMs float64
	var agedCount int

	for i := range connList {
		conn := &connList[i]
		if conn.State == "active" {
			activeCount++
			totalAgeMs += float64(now.Sub(conn.CreatedAt).Milliseconds())
			agedCount++
		} else if conn.ClosedAt != nil {
			totalAgeMs += float64(conn.ClosedAt.Sub(conn.CreatedAt).Milliseconds())
			agedCount++
		}
	}

	avgAgeMs := float64(0)
	if agedCount > 0 {
		avgAgeMs = totalAgeMs / float64(agedCount)
	}

	reconnectRate := float64(0)
	if totalOpened > 0 {
		reconnectRate = float64(totalReconnects) / float64(totalOpened)
	}

	protocolErrorRate := float64(0)
	if totalPings > 0 {
		protocolErrorRate = float64(totalProtocolErrors) / float64(totalPings)
	}

	dropRate := float64(0)
	if totalOpened > 0 {
		dropRate = float64(totalDropped) / float64(totalOpened)
	}

	churnRate := float64(totalOpened) / elapsedMinutes

	stabilityScore := 100.0 - (dropRate*50 + reconnectRate*30 + protocolErrorRate*20)
	if stabilityScore < 0 {
		stabilityScore = 0
	}
	if stabilityScore > 100 {
		stabilityScore = 100
	}

	metrics := &StabilityMetrics{
		TotalConnections:    totalOpened,
		ActiveConnections:   activeCount,
		DroppedConnections:  totalDropped,
		ClosedConnections:   totalClosed,
		AvgConnectionAgeMs:  avgAgeMs,
		ReconnectRate:       reconnectRate,
		ProtocolErrorRate:   protocolErrorRate,
		ConnectionChurnRate: churnRate,
		DropRate:            dropRate,
		StabilityScore:      stabilityScore,
		ConnectionMetrics:   connList,
	}
	if includeEvents {
		metrics.Events = events
	}
	return metrics
}

// Reset clears all tracking data (used between test runs in unit tests).
func (ct *ConnTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.events = ct.events[:0]
	ct.connections = make(map[string]*ConnMetrics)
	ct.totalOpened = 0
	ct.totalDropped = 0
	ct.totalClosed = 0
	ct.totalReconnects = 0
	ct.totalProtocolErrors = 0
	ct.totalPings = 0
	ct.startTime = ct.nowFunc()
}

// GetRecentEvents returns the most recent n events.
func (ct *ConnTracker) GetRecentEvents(n int) []ConnEvent {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if n <= 0 || len(ct.events) == 0 {
		return nil
	}
	start := len(ct.events) - n
	if start < 0 {
		start = 0
	}
	result := make([]ConnEvent, len(ct.events)-start)
	copy(result, ct.events[start:])
	return result
}

// GetConnectionMetrics returns a copy of a single connection's metrics.
func (ct *ConnTracker) GetConnectionMetrics(connID string) *ConnMetrics {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if conn, ok := ct.connections[connID]; ok {
		c := *conn
		return &c
	}
	return nil
}
