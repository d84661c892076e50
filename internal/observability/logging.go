package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data redaction.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// UserKey is the context key for the signed-in username.
	UserKey ContextKey = "user"

	// RoomKey is the context key for the active room id.
	RoomKey ContextKey = "room_id"
)

const redacted = "[REDACTED]"

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(bearer|token)[\s:=]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{6,})["\']?`,

	// JWT access tokens, also when embedded in a ?token= query string
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"accesstoken":   true,
	"authorization": true,
}

// NewLogger creates a structured logger whose records pass through a
// redacting handler before reaching the configured output.
//
// If config.Level is empty or invalid, defaults to "info".
// If config.Format is empty, defaults to "text".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return slog.New(NewRedactingHandler(handler, config.RedactPatterns...))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactingHandler scrubs secrets from messages and attributes and adds the
// well-known context fields to every record.
type RedactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

// NewRedactingHandler wraps next. Extra patterns are appended to DefaultRedactPatterns;
// invalid patterns are ignored.
func NewRedactingHandler(next slog.Handler, patterns ...string) *RedactingHandler {
	all := append(append([]string{}, DefaultRedactPatterns...), patterns...)
	redacts := make([]*regexp.Regexp, 0, len(all))
	for _, pattern := range all {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}
	return &RedactingHandler{next: next, redacts: redacts}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)

	if ctx != nil {
		if user, ok := ctx.Value(UserKey).(string); ok && user != "" {
			out.AddAttrs(slog.String(string(UserKey), user))
		}
		if room, ok := ctx.Value(RoomKey).(string); ok && room != "" {
			out.AddAttrs(slog.String(string(RoomKey), room))
		}
	}

	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = h.redactAttr(attr)
	}
	return &RedactingHandler{next: h.next.WithAttrs(clean), redacts: h.redacts}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *RedactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(attr.Key, redacted)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(value.String()))
	case slog.KindGroup:
		group := value.Group()
		clean := make([]any, len(group))
		for i, inner := range group {
			clean[i] = h.redactAttr(inner)
		}
		return slog.Group(attr.Key, clean...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.redactString(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func (h *RedactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// WithUser returns a context whose log records carry the username.
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, UserKey, username)
}

// WithRoom returns a context whose log records carry the room id.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomKey, roomID)
}
