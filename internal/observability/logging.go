// Package observability provides structured logging, metrics, and tracing
// for the realtime core.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string `yaml:"level" json:"level"`

	// Format specifies output format: "json" or "text".
	// JSON format is recommended for production; text for development.
	Format string `yaml:"format" json:"format"`

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer `yaml:"-" json:"-"`

	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// DefaultRedactPatterns covers the secrets this client handles: bearer
// tokens in headers or config, and JWT-shaped strings.
var DefaultRedactPatterns = []string{
	`(?i)(bearer|token|authorization)[\s:=]+["']?([a-zA-Z0-9_\-\.]{16,})["']?`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|password|api[_-]?key)[\s:=]+["']?([^\s"']{8,})["']?`,
}

var redactRegexps = compileRedactPatterns()

func compileRedactPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns))
	for _, p := range DefaultRedactPatterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// NewLogger creates a structured slog logger with the given configuration.
//
// If config.Output is nil, logs go to os.Stderr. An empty or invalid level
// defaults to "info"; an empty format defaults to "text". String attribute
// values are passed through secret redaction before being written.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// redactAttr replaces secret-shaped attribute values with a redaction marker.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	for _, re := range redactRegexps {
		if re.MatchString(v) {
			a.Value = slog.StringValue(re.ReplaceAllString(v, "[REDACTED]"))
		}
	}
	return a
}
