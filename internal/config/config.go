package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts 5-field, 6-field (leading seconds) and descriptor schedules.
var CronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config is the main configuration structure for the chat client.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Timeline      TimelineConfig      `yaml:"timeline"`
	Rooms         RoomsConfig         `yaml:"rooms"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	// BaseURL is the HTTP API root, e.g. http://localhost:8080/api.
	BaseURL string `yaml:"base_url"`
	// WebSocketURL is the realtime endpoint, e.g. ws://localhost:8080/ws.
	WebSocketURL   string        `yaml:"websocket_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RealtimeConfig controls the realtime channel and its reconnect policy.
type RealtimeConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	Topics               TopicsConfig  `yaml:"topics"`
}

// TopicsConfig names the well-known destinations.
type TopicsConfig struct {
	Broadcast     string `yaml:"broadcast"`
	PrivateQueue  string `yaml:"private_queue"`
	RoomPrefix    string `yaml:"room_prefix"`
	PublishPrefix string `yaml:"publish_prefix"`
	Join          string `yaml:"join"`
}

// TimelineConfig controls optimistic-message reconciliation and day segmentation.
type TimelineConfig struct {
	MatchTolerance time.Duration `yaml:"match_tolerance"`
	// Timezone is an IANA name; empty or "Local" uses the host zone.
	Timezone string `yaml:"timezone"`
}

// RoomsConfig holds room-creation policy and directory refresh.
type RoomsConfig struct {
	MinPasswordLength  int     `yaml:"min_password_length"`
	MinPasswordEntropy float64 `yaml:"min_password_entropy"`
	// RefreshSchedule is a cron expression or @every descriptor; empty disables.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// StorageConfig selects the durable slot backend.
type StorageConfig struct {
	// Driver is one of file, sqlite, memory.
	Driver string `yaml:"driver"`
	// Path is a directory for the file driver or a database file for sqlite.
	Path string `yaml:"path"`
	// Watch propagates slot changes made by other processes (file driver only).
	Watch bool `yaml:"watch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration pointing at a local backend.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8080/api"
	}
	if cfg.Server.WebSocketURL == "" {
		cfg.Server.WebSocketURL = "ws://localhost:8080/ws"
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}

	if cfg.Realtime.MaxReconnectAttempts == 0 {
		cfg.Realtime.MaxReconnectAttempts = 5
	}
	if cfg.Realtime.ReconnectDelay == 0 {
		cfg.Realtime.ReconnectDelay = 5 * time.Second
	}
	if cfg.Realtime.ConnectTimeout == 0 {
		cfg.Realtime.ConnectTimeout = 10 * time.Second
	}
	topics := &cfg.Realtime.Topics
	if topics.Broadcast == "" {
		topics.Broadcast = "/topic/public"
	}
	if topics.PrivateQueue == "" {
		topics.PrivateQueue = "/user/queue/messages"
	}
	if topics.RoomPrefix == "" {
		topics.RoomPrefix = "/topic/room."
	}
	if topics.PublishPrefix == "" {
		topics.PublishPrefix = "/app/chat.room."
	}
	if topics.Join == "" {
		topics.Join = "/app/chat.addUser"
	}

	if cfg.Timeline.MatchTolerance == 0 {
		cfg.Timeline.MatchTolerance = 5 * time.Second
	}

	if cfg.Rooms.MinPasswordLength == 0 {
		cfg.Rooms.MinPasswordLength = 6
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath(cfg.Storage.Driver)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

func defaultStoragePath(driver string) string {
	base := ".roomchat"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".roomchat")
	}
	if driver == "sqlite" {
		return filepath.Join(base, "roomchat.db")
	}
	return base
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if err := validateURL(c.Server.BaseURL, "http", "https"); err != nil {
		problems = append(problems, "server.base_url: "+err.Error())
	}
	if err := validateURL(c.Server.WebSocketURL, "ws", "wss"); err != nil {
		problems = append(problems, "server.websocket_url: "+err.Error())
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		problems = append(problems, "realtime.max_reconnect_attempts must be >= 0")
	}
	if c.Realtime.ReconnectDelay < 0 {
		problems = append(problems, "realtime.reconnect_delay must be >= 0")
	}
	if c.Timeline.MatchTolerance < 0 {
		problems = append(problems, "timeline.match_tolerance must be >= 0")
	}
	if _, err := c.Timeline.Location(); err != nil {
		problems = append(problems, "timeline.timezone: "+err.Error())
	}
	if c.Rooms.MinPasswordLength < 1 {
		problems = append(problems, "rooms.min_password_length must be >= 1")
	}
	if c.Rooms.MinPasswordEntropy < 0 {
		problems = append(problems, "rooms.min_password_entropy must be >= 0")
	}
	if strings.TrimSpace(c.Rooms.RefreshSchedule) != "" {
		if _, err := CronParser.Parse(c.Rooms.RefreshSchedule); err != nil {
			problems = append(problems, "rooms.refresh_schedule: "+err.Error())
		}
	}
	switch c.Storage.Driver {
	case "file", "sqlite", "memory":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q must be file, sqlite, or memory", c.Storage.Driver))
	}
	if c.Storage.Watch && c.Storage.Driver != "file" {
		problems = append(problems, "storage.watch requires the file driver")
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		problems = append(problems, "observability.tracing.sampling_rate must be within [0, 1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves the configured timezone.
func (t TimelineConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(t.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return fmt.Errorf("host is required")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}
