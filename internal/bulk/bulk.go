// Package bulk implements the download/upload traffic generators of
// spec.md §4.B: streamed random payload download, drain-and-count upload,
// and an SSE progress mode for both, capped at O(chunk-size) memory with no
// retained payload bytes.
package bulk

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultChunkSize targets the middle of the spec's 64-256 KiB range.
	DefaultChunkSize = 128 * 1024
	progressInterval = 250 * time.Millisecond
)

// BaselineChecker reports whether testID is currently in its baseline
// phase. /download calls tagged with a test_id in baseline must be
// rejected: baseline measures idle-link RTT, so any concurrent bulk
// transfer against that test would load the link it's supposed to
// measure unloaded (spec.md §8 invariant 4).
type BaselineChecker func(testID string) bool

// Handler serves /download and /upload.
type Handler struct {
	logger          *slog.Logger
	chunkSize       int
	baselineChecker BaselineChecker
}

// NewHandler builds a bulk traffic handler with the default chunk size.
// checker may be nil, in which case the baseline guard is skipped (no
// orchestrator wired in, e.g. a standalone bulk endpoint under test).
func NewHandler(logger *slog.Logger, checker BaselineChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, chunkSize: DefaultChunkSize, baselineChecker: checker}
}

// downloadProgress and uploadProgress are the SSE frames emitted every
// 250 ms when the caller asks for Accept: text/event-stream.
type downloadProgress struct {
	BytesSent int64   `json:"bytes_sent"`
	TotalSize int64   `json:"total_size"`
	ElapsedMs int64   `json:"elapsed_ms"`
	Mbps      float64 `json:"mbps"`
}

type uploadProgress struct {
	BytesReceived int64   `json:"bytes_received"`
	ElapsedMs     int64   `json:"elapsed_ms"`
	Mbps          float64 `json:"mbps"`
}

type uploadResult struct {
	BytesReceived int64   `json:"bytes_received"`
	DurationMs    int64   `json:"duration_ms"`
	ObservedMbps  float64 `json:"observed_mbps"`
}

// Download handles GET /download?size=N. Payload is generated chunk by
// chunk with crypto/rand so it is unpredictable and uncompressible,
// matching the spec's "no pre-allocated buffer larger than one chunk"
// requirement.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil || size < 0 {
		http.Error(w, "invalid size parameter", http.StatusBadRequest)
		return
	}
	if h.rejectBaseline(w, r) {
		return
	}

	if acceptsEventStream(r) {
		h.downloadSSE(w, r, size)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))

	chunk := make([]byte, h.chunkSize)
	ctx := r.Context()
	var sent int64
	for sent < size {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n := h.chunkSize
		if remaining := size - sent; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := rand.Read(chunk[:n]); err != nil {
			h.logger.Error("download rand.Read failed", "error", err)
			return
		}
		if _, err := w.Write(chunk[:n]); err != nil {
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		sent += int64(n)
	}
}

// downloadSSE generates the same payload but emits a progress frame every
// 250 ms instead of raw bytes, per the spec's
// Accept: text/event-stream mode. The event stream carries only progress
// JSON, not the payload itself — a client measuring live rate does not
// need the bytes echoed back to it.
func (h *Handler) downloadSSE(w http.ResponseWriter, r *http.Request, size int64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	chunk := make([]byte, h.chunkSize)
	ctx := r.Context()
	start := time.Now()
	lastFlush := start
	var sent int64
	for sent < size {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n := h.chunkSize
		if remaining := size - sent; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := rand.Read(chunk[:n]); err != nil {
			h.logger.Error("download rand.Read failed", "error", err)
			return
		}
		sent += int64(n)

		if now := time.Now(); now.Sub(lastFlush) >= progressInterval || sent >= size {
			lastFlush = now
			elapsed := now.Sub(start)
			mbps := 0.0
			if elapsed > 0 {
				mbps = 8 * float64(sent) / 1e6 / elapsed.Seconds()
			}
			writeSSEEvent(w, "progress", downloadProgress{
				BytesSent: sent,
				TotalSize: size,
				ElapsedMs: elapsed.Milliseconds(),
				Mbps:      mbps,
			})
			flusher.Flush()
		}
	}
}

// Upload handles POST /upload: reads the body to EOF, counting and
// discarding bytes, then reports bytes-received/duration/observed-mbps.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.rejectBaseline(w, r) {
		return
	}
	if acceptsEventStream(r) {
		h.uploadSSE(w, r)
		return
	}

	start := time.Now()
	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}
	elapsed := time.Since(start)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(uploadResult{
		BytesReceived: n,
		DurationMs:    elapsed.Milliseconds(),
		ObservedMbps:  mbps(n, elapsed),
	})
}

// uploadSSE reads the body in chunk-sized reads, emitting progress frames
// every 250 ms, and finishes with a terminal "done" event carrying the
// same payload as the plain JSON response.
func (h *Handler) uploadSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	buf := make([]byte, h.chunkSize)
	start := time.Now()
	lastFlush := start
	var received int64
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			if now := time.Now(); now.Sub(lastFlush) >= progressInterval {
				lastFlush = now
				elapsed := now.Sub(start)
				writeSSEEvent(w, "progress", uploadProgress{
					BytesReceived: received,
					ElapsedMs:     elapsed.Milliseconds(),
					Mbps:          mbps(received, elapsed),
				})
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
	}

	elapsed := time.Since(start)
	writeSSEEvent(w, "done", uploadResult{
		BytesReceived: received,
		DurationMs:    elapsed.Milliseconds(),
		ObservedMbps:  mbps(received, elapsed),
	})
	flusher.Flush()
}

// rejectBaseline writes 409 Conflict and returns true if the request
// carries a test_id currently in baseline. A request with no test_id (a
// bare, test-less download/upload) is never subject to the guard.
func (h *Handler) rejectBaseline(w http.ResponseWriter, r *http.Request) bool {
	if h.baselineChecker == nil {
		return false
	}
	testID := r.URL.Query().Get("test_id")
	if testID == "" {
		return false
	}
	if h.baselineChecker(testID) {
		http.Error(w, "test is in baseline phase: bulk traffic rejected", http.StatusConflict)
		return true
	}
	return false
}

func mbps(bytesN int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return 8 * float64(bytesN) / 1e6 / elapsed.Seconds()
}

func acceptsEventStream(r *http.Request) bool {
	return r.Header.Get("Accept") == "text/event-stream"
}

func writeSSEEvent(w http.ResponseWriter, event string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}
