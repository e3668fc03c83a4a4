package supervisor

import (
	"net/http/httptest"
	"testing"
)

func TestPortAndIsHealthyForUnknownProcess(t *testing.T) {
	s := New(nil)
	if _, ok := s.Port("gaming"); ok {
		t.Fatal("expected unknown process to report not-ok")
	}
	if s.IsHealthy("gaming") {
		t.Fatal("expected unknown process to be unhealthy")
	}
}

func TestDiscoveryHandlerDegradesWhenPersonaUnknown(t *testing.T) {
	s := New(nil)
	req := httptest.NewRequest("GET", "/ws/virtual-household/gaming", nil)
	rec := httptest.NewRecorder()
	s.DiscoveryHandler()(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !contains(body, `"redirect":false`) {
		t.Fatalf("expected degraded redirect:false response, got %s", body)
	}
}

func TestDiscoveryHandlerWebSocketURLMatchesWorkerRoute(t *testing.T) {
	s := New(nil)
	s.processes["gaming"] = &process{spec: Spec{Name: "gaming", Port: 9101}, healthy: true}

	req := httptest.NewRequest("GET", "/ws/virtual-household/gaming?test_id=abc", nil)
	req.Host = "example.internal:8080"
	rec := httptest.NewRecorder()
	s.DiscoveryHandler()(rec, req)

	body := rec.Body.String()
	want := `"websocket_url":"ws://example.internal:9101/gaming?test_id=abc"`
	if !contains(body, want) {
		t.Fatalf("expected websocket_url to target the worker's own route, got %s", body)
	}
}

func TestStatsHandlerReturnsEmptyProcessesInitially(t *testing.T) {
	s := New(nil)
	req := httptest.NewRequest("GET", "/virtual-household/stats", nil)
	rec := httptest.NewRecorder()
	s.StatsHandler()(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !contains(rec.Body.String(), `"processes":{}`) {
		t.Fatalf("expected empty processes map, got %s", rec.Body.String())
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
