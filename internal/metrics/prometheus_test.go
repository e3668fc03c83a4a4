package metrics

import (
	"strings"
	"testing"

	"github.com/loopqueue/bufferbloat-server/internal/types"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.activeConns == nil || c.rttHistogram == nil {
		t.Error("Collector maps not initialized")
	}
}

func TestConnectionOpenedAndClosed(t *testing.T) {
	c := NewCollector()
	c.ConnectionOpened("gaming")
	c.ConnectionOpened("gaming")
	if c.activeConns["gaming"] != 2 {
		t.Fatalf("expected 2 active gaming connections, got %d", c.activeConns["gaming"])
	}

	c.ConnectionClosed("gaming", types.ConnClosed)
	if c.activeConns["gaming"] != 1 {
		t.Fatalf("expected 1 active gaming connection after close, got %d", c.activeConns["gaming"])
	}
	if c.connStates[connStateKey{persona: "gaming", state: string(types.ConnClosed)}] != 1 {
		t.Fatal("expected closed-state transition recorded")
	}
}

func TestRecordRTTAndPingLoss(t *testing.T) {
	c := NewCollector()
	c.RecordRTT("bulk", 10.0)
	c.RecordRTT("bulk", 20.0)
	c.RecordPingLoss("bulk")

	data := c.rttHistogram["bulk"]
	if data == nil || data.sum != 30.0 || data.count != 2 {
		t.Fatalf("expected sum 30 count 2, got %+v", data)
	}
	if c.lossTotal["bulk"] != 1 {
		t.Fatalf("expected loss count 1, got %d", c.lossTotal["bulk"])
	}
	if c.pingsTotal["bulk"] != 3 {
		t.Fatalf("expected pings total 3, got %d", c.pingsTotal["bulk"])
	}
}

func TestRecordBytesAndTeardowns(t *testing.T) {
	c := NewCollector()
	c.RecordBytes("streaming", 100, 5000)
	c.RecordBytes("streaming", 50, 2500)
	if c.bytesUp["streaming"] != 150 || c.bytesDown["streaming"] != 7500 {
		t.Fatalf("unexpected byte totals: up=%d down=%d", c.bytesUp["streaming"], c.bytesDown["streaming"])
	}

	c.RecordForcedTeardown()
	c.RecordGracefulTeardown()
	c.RecordGracefulTeardown()
	if c.forcedTeardowns != 1 || c.gracefulTeardowns != 2 {
		t.Fatalf("unexpected teardown counts: forced=%d graceful=%d", c.forcedTeardowns, c.gracefulTeardowns)
	}
}

func TestRecordTestCompletedAndAborted(t *testing.T) {
	c := NewCollector()
	c.RecordTestCompleted("gaming", "A+")
	c.RecordTestCompleted("gaming", "A+")
	c.RecordTestCompleted("gaming", "C")
	c.RecordTestAborted()

	if c.testsCompleted[gradeKey{persona: "gaming", grade: "A+"}] != 2 {
		t.Fatal("expected 2 A+ grades for gaming")
	}
	if c.testsAborted != 1 {
		t.Fatalf("expected 1 aborted test, got %d", c.testsAborted)
	}
}

func TestExposeContainsAllFamilies(t *testing.T) {
	c := NewCollector()
	c.ConnectionOpened("video-call")
	c.RecordRTT("video-call", 42.5)
	c.RecordBytes("video-call", 1000, 2000)
	c.RecordForcedTeardown()
	c.RecordTestCompleted("video-call", "B")

	out := c.Expose()
	for _, want := range []string{
		"bufferbloat_active_connections",
		"bufferbloat_bytes_total",
		"bufferbloat_ping_rtt_milliseconds",
		"bufferbloat_ping_loss_total",
		"bufferbloat_teardowns_total",
		"bufferbloat_tests_completed_total",
		"bufferbloat_tests_aborted_total",
		"bufferbloat_uptime_seconds",
		`persona="video-call"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected Expose() output to contain %q", want)
		}
	}
}
