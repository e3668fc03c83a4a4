package bulk

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDownloadStreamsExactSize(t *testing.T) {
	h := NewHandler(nil, nil)
	h.chunkSize = 16

	req := httptest.NewRequest(http.MethodGet, "/download?size=100", nil)
	rec := httptest.NewRecorder()
	h.Download(rec, req)

	if rec.Body.Len() != 100 {
		t.Fatalf("expected 100 bytes, got %d", rec.Body.Len())
	}
}

func TestDownloadRejectsInvalidSize(t *testing.T) {
	h := NewHandler(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/download?size=-5", nil)
	rec := httptest.NewRecorder()
	h.Download(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadCountsAndDiscardsBytes(t *testing.T) {
	h := NewHandler(nil, nil)
	body := strings.Repeat("x", 5000)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	var result uploadResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if result.BytesReceived != 5000 {
		t.Fatalf("expected 5000 bytes received, got %d", result.BytesReceived)
	}
}

func TestDownloadSSEEmitsProgressEvents(t *testing.T) {
	h := NewHandler(nil, nil)
	h.chunkSize = 16

	req := httptest.NewRequest(http.MethodGet, "/download?size=64", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	h.Download(rec, req)

	if !strings.Contains(rec.Body.String(), "event: progress") {
		t.Fatalf("expected at least one progress event, got: %s", rec.Body.String())
	}
}

func TestDownloadRejectsTestInBaseline(t *testing.T) {
	h := NewHandler(nil, func(testID string) bool { return testID == "t1" })

	req := httptest.NewRequest(http.MethodGet, "/download?size=100&test_id=t1", nil)
	rec := httptest.NewRecorder()
	h.Download(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a baseline test_id, got %d", rec.Code)
	}
}

func TestDownloadAllowsTestNotInBaseline(t *testing.T) {
	h := NewHandler(nil, func(testID string) bool { return false })
	h.chunkSize = 16

	req := httptest.NewRequest(http.MethodGet, "/download?size=32&test_id=t2", nil)
	rec := httptest.NewRecorder()
	h.Download(rec, req)

	if rec.Code != http.StatusOK && rec.Code != 0 {
		t.Fatalf("expected download to proceed, got status %d", rec.Code)
	}
	if rec.Body.Len() != 32 {
		t.Fatalf("expected 32 bytes, got %d", rec.Body.Len())
	}
}

func TestUploadRejectsTestInBaseline(t *testing.T) {
	h := NewHandler(nil, func(testID string) bool { return testID == "t1" })

	req := httptest.NewRequest(http.MethodPost, "/upload?test_id=t1", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a baseline test_id, got %d", rec.Code)
	}
}

func TestUploadSSEEmitsDoneEvent(t *testing.T) {
	h := NewHandler(nil, nil)
	h.chunkSize = 16
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("y", 64)))
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	if !strings.Contains(rec.Body.String(), "event: done") {
		t.Fatalf("expected a done event, got: %s", rec.Body.String())
	}
}
