// Package config holds environment-variable driven configuration for every
// binary in this repository, with CLI flags layered on top as overrides
// and fail-fast validation before anything is wired up.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults mirror spec.md §6's enumerated environment/config options.
const (
	DefaultFrontDoorPort     = 8000
	DefaultPingPort          = 8005
	DefaultMaxTestDurationS  = 300
	DefaultTelemetryRingSize = 1000
	DefaultSupervisorPort    = 8006

	// Persona default ports, per spec.md §6 PERSONA_PORTS.
	DefaultGamingPort    = 8002
	DefaultVideoCallPort = 8003
	DefaultStreamingPort = 8001
	DefaultBulkPort      = 8004
)

// Config is the process-wide configuration, populated once at startup from
// environment variables and never mutated afterward.
type Config struct {
	FrontDoorPort int
	PingPort      int
	PersonaPorts  map[string]int

	MaxTestDuration  time.Duration
	TelemetryRingSize int

	TelemetryAPIKey string
	WebhookURL      string
	WebhookSecret   string

	TLSCert string
	TLSKey  string

	SupervisorPort int
}

// Load reads configuration from the environment, applying the documented
// defaults for anything unset. It never partially succeeds: the result has
// already passed Validate, and any error returns a nil Config.
func Load() (*Config, error) {
	cfg := &Config{
		FrontDoorPort: envInt("FRONT_DOOR_PORT", DefaultFrontDoorPort),
		PingPort:      envInt("PING_PORT", DefaultPingPort),
		PersonaPorts: map[string]int{
			"gaming":     DefaultGamingPort,
			"video-call": DefaultVideoCallPort,
			"streaming":  DefaultStreamingPort,
			"bulk":       DefaultBulkPort,
		},
		MaxTestDuration:   time.Duration(envInt("MAX_TEST_DURATION_S", DefaultMaxTestDurationS)) * time.Second,
		TelemetryRingSize: envInt("TELEMETRY_RING_SIZE", DefaultTelemetryRingSize),
		TelemetryAPIKey:   os.Getenv("TELEMETRY_API_KEY"),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		TLSCert:           os.Getenv("TLS_CERT"),
		TLSKey:            os.Getenv("TLS_KEY"),
		SupervisorPort:    envInt("SUPERVISOR_PORT", DefaultSupervisorPort),
	}

	if raw := os.Getenv("PERSONA_PORTS"); raw != "" {
		parsed, err := parsePersonaPorts(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid PERSONA_PORTS: %w", err)
		}
		cfg.PersonaPorts = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that, if violated, must abort startup rather
// than run with a partially-valid config (spec.md §7 "Configuration
// invalid").
func (c *Config) Validate() error {
	if c.FrontDoorPort <= 0 || c.FrontDoorPort > 65535 {
		return fmt.Errorf("FRONT_DOOR_PORT out of range: %d", c.FrontDoorPort)
	}
	if c.PingPort <= 0 || c.PingPort > 65535 {
		return fmt.Errorf("PING_PORT out of range: %d", c.PingPort)
	}
	if c.MaxTestDuration <= 0 {
		return fmt.Errorf("MAX_TEST_DURATION_S must be positive, got %s", c.MaxTestDuration)
	}
	if c.TelemetryRingSize <= 0 {
		return fmt.Errorf("TELEMETRY_RING_SIZE must be positive, got %d", c.TelemetryRingSize)
	}
	for _, name := range []string{"gaming", "video-call", "streaming", "bulk"} {
		port, ok := c.PersonaPorts[name]
		if !ok {
			return fmt.Errorf("PERSONA_PORTS missing entry for %q", name)
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("PERSONA_PORTS[%s] out of range: %d", name, port)
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must both be set or both be empty")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	return nil
}

func parsePersonaPorts(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed entry %q, expected persona:port", pair)
		}
		port, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("malformed port in %q: %w", pair, err)
		}
		out[strings.TrimSpace(kv[0])] = port
	}
	return out, nil
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
