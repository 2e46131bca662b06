package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile_Full(t *testing.T) {
	path := writeConfig(t, `
# captain client configuration
dispatch:
  url: wss://dispatch.example.com/ws/captain
  connect_timeout: 5
  heartbeat: 20
  liveness_window: 45
  reconnect_base: 2
  reconnect_cap: 16
  reconnect_max: 5
rest:
  base_url: https://api.example.com
  timeout: 10
location:
  interval: 10
  min_distance_m: 50
  assumed_speed_kmh: 25
session:
  resume_file: /tmp/captain-session.json
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Dispatch.URL != "wss://dispatch.example.com/ws/captain" {
		t.Errorf("dispatch url = %q", cfg.Dispatch.URL)
	}
	if cfg.Dispatch.Heartbeat != 20*time.Second {
		t.Errorf("heartbeat = %s", cfg.Dispatch.Heartbeat)
	}
	if cfg.Dispatch.ReconnectMax != 5 {
		t.Errorf("reconnect_max = %d", cfg.Dispatch.ReconnectMax)
	}
	if cfg.Location.MinDistanceM != 50 {
		t.Errorf("min_distance_m = %f", cfg.Location.MinDistanceM)
	}
	if cfg.Session.ResumeFile != "/tmp/captain-session.json" {
		t.Errorf("resume_file = %q", cfg.Session.ResumeFile)
	}
}

func TestLoadFromFile_Defaults(t *testing.T) {
	path := writeConfig(t, `
dispatch:
  url: ws://localhost:8080/ws/captain
rest:
  base_url: http://localhost:8080
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Dispatch.ConnectTimeout != 10*time.Second {
		t.Errorf("connect_timeout default = %s", cfg.Dispatch.ConnectTimeout)
	}
	if cfg.Dispatch.Heartbeat != 30*time.Second {
		t.Errorf("heartbeat default = %s", cfg.Dispatch.Heartbeat)
	}
	if cfg.Dispatch.ReconnectBase != time.Second || cfg.Dispatch.ReconnectCap != 30*time.Second {
		t.Errorf("reconnect defaults = %s/%s", cfg.Dispatch.ReconnectBase, cfg.Dispatch.ReconnectCap)
	}
	if cfg.Dispatch.ReconnectMax != 8 {
		t.Errorf("reconnect_max default = %d", cfg.Dispatch.ReconnectMax)
	}
	if cfg.Location.Interval != 15*time.Second {
		t.Errorf("interval default = %s", cfg.Location.Interval)
	}
	if cfg.Location.AssumedSpeedKmh != 30 {
		t.Errorf("assumed_speed default = %f", cfg.Location.AssumedSpeedKmh)
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{
			name:    "missing dispatch url",
			content: "rest:\n  base_url: http://localhost\n",
			wantSub: "dispatch.url is required",
		},
		{
			name:    "bad scheme",
			content: "dispatch:\n  url: http://localhost\nrest:\n  base_url: http://localhost\n",
			wantSub: "ws:// or wss://",
		},
		{
			name:    "unknown section",
			content: "storage:\n  path: /tmp\n",
			wantSub: "unknown section",
		},
		{
			name:    "unknown key",
			content: "dispatch:\n  url: ws://x\n  retries: 3\n",
			wantSub: "unknown dispatch key",
		},
		{
			name:    "non-numeric seconds",
			content: "dispatch:\n  url: ws://x\n  heartbeat: soon\n",
			wantSub: "integer seconds",
		},
		{
			name:    "heartbeat not under liveness",
			content: "dispatch:\n  url: ws://x\n  heartbeat: 60\n  liveness_window: 60\nrest:\n  base_url: http://x\n",
			wantSub: "heartbeat must be shorter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := LoadFromFile(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}
