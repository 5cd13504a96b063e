// Package logging wraps log/slog with category-gated debug helpers, matching
// the verbosity model used across this module's packages.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level represents the logging verbosity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// DebugCategory gates a specific class of high-volume debug output.
type DebugCategory string

const (
	DebugRTP     DebugCategory = "rtp"
	DebugNAL     DebugCategory = "nal"
	DebugFramed  DebugCategory = "framed"
	DebugWebRTC  DebugCategory = "webrtc"
	DebugSession DebugCategory = "session"
	DebugAll     DebugCategory = "all"
)

// OutputFormat determines the log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config holds logger configuration.
type Config struct {
	Level             Level
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a logger configuration with defaults.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to Level.
func ParseLevel(level string) (Level, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat.
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts Level to slog.Level.
func (l Level) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.ToSlogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}, nil
}

// EnableCategory enables a debug category; DebugAll enables every category.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugRTP] = true
		c.EnabledCategories[DebugNAL] = true
		c.EnabledCategories[DebugFramed] = true
		c.EnabledCategories[DebugWebRTC] = true
		c.EnabledCategories[DebugSession] = true
		return
	}
	c.EnabledCategories[category] = true
}

// IsCategoryEnabled reports whether category is enabled.
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled reports whether any debug category is enabled.
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DebugRTP logs RTP packet details when the rtp category is enabled.
func (l *Logger) DebugRTP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		l.Debug(msg, append([]any{"category", "rtp"}, args...)...)
	}
}

// DebugNAL logs NAL unit details when the nal category is enabled.
func (l *Logger) DebugNAL(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugNAL) {
		l.Debug(msg, append([]any{"category", "nal"}, args...)...)
	}
}

// DebugFramed logs FramedBackend wire details when the framed category is enabled.
func (l *Logger) DebugFramed(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugFramed) {
		l.Debug(msg, append([]any{"category", "framed"}, args...)...)
	}
}

// DebugWebRTC logs WebRTCBackend details when the webrtc category is enabled.
func (l *Logger) DebugWebRTC(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugWebRTC) {
		l.Debug(msg, append([]any{"category", "webrtc"}, args...)...)
	}
}

// DebugSession logs Session controller lifecycle details.
func (l *Logger) DebugSession(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugSession) {
		l.Debug(msg, append([]any{"category", "session"}, args...)...)
	}
}

// DebugRTPPacket logs detailed RTP packet information.
func (l *Logger) DebugRTPPacket(seq uint16, timestamp uint32, payloadType uint8, payloadSize int) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		l.Debug("RTP packet",
			"category", "rtp",
			"sequence", seq,
			"timestamp", timestamp,
			"payload_type", payloadType,
			"payload_size", payloadSize)
	}
}

// DebugNALUnit logs NAL unit type and size.
func (l *Logger) DebugNALUnit(naluType uint8, size int, fragmented bool) {
	if l.config.IsCategoryEnabled(DebugNAL) {
		l.Debug("NAL unit",
			"category", "nal",
			"type", naluType,
			"type_name", nalTypeName(naluType),
			"size", size,
			"fragmented", fragmented)
	}
}

// WithContext returns a copy of l; reserved for request-scoped attributes.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{Logger: l.Logger, config: l.config, file: l.file}
}

// With returns a new Logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

func nalTypeName(naluType uint8) string {
	switch naluType {
	case 1:
		return "P-frame"
	case 5:
		return "IDR"
	case 6:
		return "SEI"
	case 7:
		return "SPS"
	case 8:
		return "PPS"
	case 9:
		return "AUD"
	case 28:
		return "FU-A"
	default:
		return fmt.Sprintf("unknown(%d)", naluType)
	}
}

// SetDefault sets the package-level default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating a stdout/text one on first use.
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			logger = &Logger{Logger: slog.Default(), config: cfg}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
