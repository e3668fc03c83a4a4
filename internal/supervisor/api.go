package supervisor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// discoveryResponse is the port-discovery payload for
// GET /ws/virtual-household/{persona} (spec.md §6).
type discoveryResponse struct {
	Redirect     bool   `json:"redirect"`
	WebSocketURL string `json:"websocket_url,omitempty"`
	Port         int    `json:"port,omitempty"`
	Architecture string `json:"architecture"`
}

// DiscoveryHandler serves GET /ws/virtual-household/{persona}: if the
// named persona's worker process is healthy it returns the port to
// connect to directly, otherwise a degraded same-process fallback
// (spec.md §4.D: "if a worker is unavailable, the front door may fall
// back to handling that persona in-process").
func (s *Supervisor) DiscoveryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		persona := strings.TrimPrefix(r.URL.Path, "/ws/virtual-household/")
		persona = strings.Trim(persona, "/")
		if persona == "" {
			http.Error(w, "persona required", http.StatusBadRequest)
			return
		}

		port, known := s.Port(persona)
		if !known || !s.IsHealthy(persona) {
			writeJSON(w, discoveryResponse{
				Redirect:     false,
				Architecture: "degraded-single-process",
			})
			return
		}

		host := r.Host
		if h, _, err := splitHost(host); err == nil {
			host = h
		}
		// The worker process registers its WebSocket route at /{persona}
		// (cmd/worker's mux.HandleFunc("/"+persona, ...)), not under the
		// /ws/virtual-household/ prefix used for discovery itself — the
		// client must keep its own test_id in the query string when it
		// follows this URL.
		testID := r.URL.Query().Get("test_id")
		wsURL := fmt.Sprintf("ws://%s:%d/%s", host, port, persona)
		if testID != "" {
			wsURL = fmt.Sprintf("%s?test_id=%s", wsURL, testID)
		}
		writeJSON(w, discoveryResponse{
			Redirect:     true,
			WebSocketURL: wsURL,
			Port:         port,
			Architecture: "multi-process",
		})
	}
}

// statsResponse is the aggregate payload for GET /virtual-household/stats
// (spec.md §6): what the supervisor itself knows about each process (last
// probed health and port). Per-worker counters are not fetched or merged.
type statsResponse struct {
	Processes map[string]processStats `json:"processes"`
}

type processStats struct {
	Healthy bool `json:"healthy"`
	Port    int  `json:"port"`
}

// StatsHandler serves GET /virtual-household/stats: a snapshot of every
// managed process's health and port.
func (s *Supervisor) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		out := make(map[string]processStats, len(s.processes))
		for name, p := range s.processes {
			p.mu.Lock()
			out[name] = processStats{Healthy: p.healthy, Port: p.spec.Port}
			p.mu.Unlock()
		}
		s.mu.Unlock()
		writeJSON(w, statsResponse{Processes: out})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// splitHost strips a port suffix from a host:port string, tolerating a
// bare host with no port.
func splitHost(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}
