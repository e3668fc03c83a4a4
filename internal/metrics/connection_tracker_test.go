package metrics

import (
	"testing"
	"time"
)

func TestConnTrackerGetStabilityMetricsIncludeEvents(t *testing.T) {
	ct := NewConnTracker()
	base := time.Unix(1700000000, 0).UTC()
	now := base
	ct.nowFunc = func() time.Time { return now }
	ct.startTime = base.Add(-2 * time.Minute)

	ct.RecordEvent(ConnEvent{
		ConnID:    "conn_1",
		Persona:   "gaming",
		EventType: ConnEventOpened,
		Timestamp: base,
	})
	ct.RecordEvent(ConnEvent{
		ConnID:    "conn_1",
		EventType: ConnEventActive,
		Timestamp: base.Add(5 * time.Second),
	})
	ct.RecordPing("conn_1", 25)
	ct.RecordPing("conn_1", 40)
	ct.RecordProtocolError("conn_1")
	ct.RecordEvent(ConnEvent{
		ConnID:    "conn_1",
		EventType: ConnEventDropped,
		Timestamp: base.Add(10 * time.Second),
		Reason:    DropReasonNetwork,
	})
	now = base.Add(20 * time.Second)

	withoutEvents := ct.GetStabilityMetrics(false)
	if withoutEvents == nil {
		t.Fatal("expected stability metrics")
	}
	if withoutEvents.TotalConnections != 1 {
		t.Fatalf("expected total connections 1, got %d", withoutEvents.TotalConnections)
	}
	if withoutEvents.DroppedConnections != 1 {
		t.Fatalf("expected dropped connections 1, got %d", withoutEvents.DroppedConnections)
	}
	if len(withoutEvents.Events) != 0 {
		t.Fatalf("expected no events when includeEvents=false, got %d", len(withoutEvents.Events))
	}

	withEvents := ct.GetStabilityMetrics(true)
	if len(withEvents.Events) == 0 {
		t.Fatal("expected events when includeEvents=true")
	}
	if withEvents.ProtocolErrorRate <= 0 {
		t.Fatalf("expected protocol error rate > 0, got %f", withEvents.ProtocolErrorRate)
	}
	conn := ct.GetConnectionMetrics("conn_1")
	if conn == nil {
		t.Fatal("expected connection metrics for conn_1")
	}
	if conn.JitterMs <= 0 {
		t.Fatalf("expected jitter > 0 after two divergent RTT samples, got %f", conn.JitterMs)
	}
}

func TestConnTrackerGetStabilityMetricsReturnsCopies(t *testing.T) {
	ct := NewConnTracker()
	base := time.Unix(1700000100, 0).UTC()
	ct.nowFunc = func() time.Time { return base.Add(5 * time.Second) }
	ct.startTime = base.Add(-time.Minute)

	ct.RecordEvent(ConnEvent{
		ConnID:    "conn_1",
		Persona:   "bulk",
		EventType: ConnEventOpened,
		Timestamp: base,
	})
	ct.RecordEvent(ConnEvent{
		ConnID:    "conn_1",
		EventType: ConnEventDropped,
		Timestamp: base.Add(2 * time.Second),
		Reason:    DropReasonTimeout,
	})

	first := ct.GetStabilityMetrics(true)
	if len(first.Events) == 0 || len(first.ConnectionMetrics) == 0 {
		t.Fatal("expected events and connection metrics")
	}

	first.Events[0].ConnID = "mutated_event"
	first.ConnectionMetrics[0].ConnID = "mutated_conn"

	second := ct.GetStabilityMetrics(true)
	if second.Events[0].ConnID == "mutated_event" {
		t.Fatal("events should be returned as a copy")
	}
	if second.ConnectionMetrics[0].ConnID == "mutated_conn" {
		t.Fatal("connection metrics should be returned as a copy")
	}
}

func TestConnTrackerRecordLossAndReset(t *testing.T) {
	ct := NewConnTracker()
	ct.RecordEvent(ConnEvent{ConnID: "conn_1", Persona: "gaming", EventType: ConnEventOpened})
	ct.RecordLoss("conn_1")
	ct.RecordLoss("conn_1")

	conn := ct.GetConnectionMetrics("conn_1")
	if conn.LossCount != 2 {
		t.Fatalf("expected loss count 2, got %d", conn.LossCount)
	}

	ct.Reset()
	if ct.GetConnectionMetrics("conn_1") != nil {
		t.Fatal("expected connections cleared after Reset")
	}
}
