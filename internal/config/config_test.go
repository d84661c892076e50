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
	return writeNamedConfig(t, t.TempDir(), "roomchat.yaml", content)
}

func writeNamedConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Realtime.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Realtime.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", cfg.Realtime.ReconnectDelay)
	}
	if cfg.Rooms.MinPasswordLength != 6 {
		t.Errorf("MinPasswordLength = %d, want 6", cfg.Rooms.MinPasswordLength)
	}
	if cfg.Realtime.Topics.Broadcast != "/topic/public" {
		t.Errorf("Broadcast = %q", cfg.Realtime.Topics.Broadcast)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadAppliesValuesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  base_url: https://chat.example.com/api
  websocket_url: wss://chat.example.com/ws
realtime:
  reconnect_delay: 2s
timeline:
  match_tolerance: 3s
storage:
  driver: memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BaseURL != "https://chat.example.com/api" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Realtime.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v, want 2s", cfg.Realtime.ReconnectDelay)
	}
	if cfg.Realtime.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts default not applied: %d", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Timeline.MatchTolerance != 3*time.Second {
		t.Errorf("MatchTolerance = %v", cfg.Timeline.MatchTolerance)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  base_url: http://localhost:8080/api
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("ROOMCHAT_HOST", "chat.internal")
	path := writeConfig(t, `
server:
  base_url: http://${ROOMCHAT_HOST}/api
  websocket_url: ws://${ROOMCHAT_HOST}/ws
storage:
  driver: memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BaseURL != "http://chat.internal/api" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeNamedConfig(t, dir, "base.yaml", `
realtime:
  max_reconnect_attempts: 3
  reconnect_delay: 1s
storage:
  driver: memory
`)
	path := writeNamedConfig(t, dir, "roomchat.yaml", `
$include: base.yaml
realtime:
  reconnect_delay: 4s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Realtime.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3 from include", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Realtime.ReconnectDelay != 4*time.Second {
		t.Errorf("ReconnectDelay = %v, want override 4s", cfg.Realtime.ReconnectDelay)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamedConfig(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeNamedConfig(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeNamedConfig(t, t.TempDir(), "roomchat.json5", `{
  // comments are allowed
  timeline: { match_tolerance: "2s" },
  storage: { driver: "memory" },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Timeline.MatchTolerance != 2*time.Second {
		t.Errorf("MatchTolerance = %v, want 2s", cfg.Timeline.MatchTolerance)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad base url", func(c *Config) { c.Server.BaseURL = "ftp://x" }, "server.base_url"},
		{"bad websocket url", func(c *Config) { c.Server.WebSocketURL = "http://x/ws" }, "server.websocket_url"},
		{"negative attempts", func(c *Config) { c.Realtime.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"watch without file", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.Watch = true }, "storage.watch"},
		{"bad schedule", func(c *Config) { c.Rooms.RefreshSchedule = "every minute" }, "refresh_schedule"},
		{"bad timezone", func(c *Config) { c.Timeline.Timezone = "Mars/Olympus" }, "timeline.timezone"},
		{"bad sampling", func(c *Config) { c.Observability.Tracing.SamplingRate = 2 }, "sampling_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestValidateAcceptsEverySchedule(t *testing.T) {
	cfg := Default()
	cfg.Rooms.RefreshSchedule = "@every 30s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestTimelineLocation(t *testing.T) {
	loc, err := TimelineConfig{}.Location()
	if err != nil || loc != time.Local {
		t.Fatalf("empty timezone should be Local, got %v (%v)", loc, err)
	}
	loc, err = TimelineConfig{Timezone: "UTC"}.Location()
	if err != nil || loc.String() != "UTC" {
		t.Fatalf("UTC timezone = %v (%v)", loc, err)
	}
}
