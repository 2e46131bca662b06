package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds everything the captain core needs to run. Durations are
// written as integer seconds in the YAML file.
type Config struct {
	Dispatch struct {
		URL            string
		ConnectTimeout time.Duration
		Heartbeat      time.Duration
		LivenessWindow time.Duration
		ReconnectBase  time.Duration
		ReconnectCap   time.Duration
		ReconnectMax   int
	}
	REST struct {
		BaseURL string
		Timeout time.Duration
	}
	Location struct {
		Interval        time.Duration
		MinDistanceM    float64
		AssumedSpeedKmh float64
	}
	Session struct {
		ResumeFile string
	}
}

// LoadFromFile loads config from a YAML file, applies defaults, and validates
// required fields.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := parseYAML(file, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets safe defaults for optional fields.
func applyDefaults(cfg *Config) {
	// Dispatch
	if cfg.Dispatch.ConnectTimeout == 0 {
		cfg.Dispatch.ConnectTimeout = 10 * time.Second
	}
	if cfg.Dispatch.Heartbeat == 0 {
		cfg.Dispatch.Heartbeat = 30 * time.Second
	}
	if cfg.Dispatch.LivenessWindow == 0 {
		cfg.Dispatch.LivenessWindow = 60 * time.Second
	}
	if cfg.Dispatch.ReconnectBase == 0 {
		cfg.Dispatch.ReconnectBase = time.Second
	}
	if cfg.Dispatch.ReconnectCap == 0 {
		cfg.Dispatch.ReconnectCap = 30 * time.Second
	}
	if cfg.Dispatch.ReconnectMax == 0 {
		cfg.Dispatch.ReconnectMax = 8
	}

	// REST
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 15 * time.Second
	}

	// Location
	if cfg.Location.Interval == 0 {
		cfg.Location.Interval = 15 * time.Second
	}
	if cfg.Location.MinDistanceM == 0 {
		cfg.Location.MinDistanceM = 25
	}
	if cfg.Location.AssumedSpeedKmh == 0 {
		cfg.Location.AssumedSpeedKmh = 30
	}
}

// validate checks required fields and basic ranges.
func (c *Config) validate() error {
	var problems []string

	if c.Dispatch.URL == "" {
		problems = append(problems, "dispatch.url is required")
	} else if !strings.HasPrefix(c.Dispatch.URL, "ws://") && !strings.HasPrefix(c.Dispatch.URL, "wss://") {
		problems = append(problems, "dispatch.url must start with ws:// or wss://")
	}
	if c.Dispatch.Heartbeat >= c.Dispatch.LivenessWindow {
		problems = append(problems, "dispatch.heartbeat must be shorter than dispatch.liveness_window")
	}
	if c.Dispatch.ReconnectBase > c.Dispatch.ReconnectCap {
		problems = append(problems, "dispatch.reconnect_base must not exceed dispatch.reconnect_cap")
	}
	if c.Dispatch.ReconnectMax < 1 {
		problems = append(problems, "dispatch.reconnect_max must be at least 1")
	}

	if c.REST.BaseURL == "" {
		problems = append(problems, "rest.base_url is required")
	} else if !strings.HasPrefix(c.REST.BaseURL, "http://") && !strings.HasPrefix(c.REST.BaseURL, "https://") {
		problems = append(problems, "rest.base_url must start with http:// or https://")
	}

	if c.Location.MinDistanceM < 0 {
		problems = append(problems, "location.min_distance_m cannot be negative")
	}
	if c.Location.AssumedSpeedKmh <= 0 {
		problems = append(problems, "location.assumed_speed_kmh must be positive")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
