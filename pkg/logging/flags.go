package logging

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags.
type Flags struct {
	LogLevel      string
	LogFormat     string
	LogFile       string
	DebugRTP      bool
	DebugNAL      bool
	DebugFramed   bool
	DebugWebRTC   bool
	DebugSession  bool
	DebugAll      bool
}

// RegisterFlags registers logging flags with fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info", "Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "", "Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "", "Log output file path (shorthand)")

	fs.BoolVar(&f.DebugRTP, "debug-rtp", false, "Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugNAL, "debug-nal", false, "Enable detailed NAL unit debugging (type, size, fragmentation)")
	fs.BoolVar(&f.DebugFramed, "debug-framed", false, "Enable FramedBackend wire protocol debugging")
	fs.BoolVar(&f.DebugWebRTC, "debug-webrtc", false, "Enable WebRTC debugging (ICE, SDP, connection state)")
	fs.BoolVar(&f.DebugSession, "debug-session", false, "Enable Session controller lifecycle debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logging Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugNAL {
			cfg.EnableCategory(DebugNAL)
			cfg.Level = LevelDebug
		}
		if f.DebugFramed {
			cfg.EnableCategory(DebugFramed)
			cfg.Level = LevelDebug
		}
		if f.DebugWebRTC {
			cfg.EnableCategory(DebugWebRTC)
			cfg.Level = LevelDebug
		}
		if f.DebugSession {
			cfg.EnableCategory(DebugSession)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags.
func PrintUsageExamples() {
	fmt.Print(`
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./camera-core

  Enable DEBUG level:
    ./camera-core --log-level debug
    ./camera-core -l debug

  Log to file:
    ./camera-core --log-file core.log
    ./camera-core -o core.log

  JSON format for structured logging:
    ./camera-core --log-format json -o core.json

  Debug the framed-protocol state machine only:
    ./camera-core --debug-framed

  Debug multiple categories:
    ./camera-core --debug-rtp --debug-nal --debug-session

  Debug everything:
    ./camera-core --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./camera-core -l warn --log-format json -o production.log
`)
}

// String renders the enabled flags compactly, for a single startup log line.
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var categories []string
	if f.DebugAll {
		categories = append(categories, "all")
	} else {
		if f.DebugRTP {
			categories = append(categories, "rtp")
		}
		if f.DebugNAL {
			categories = append(categories, "nal")
		}
		if f.DebugFramed {
			categories = append(categories, "framed")
		}
		if f.DebugWebRTC {
			categories = append(categories, "webrtc")
		}
		if f.DebugSession {
			categories = append(categories, "session")
		}
	}

	if len(categories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(categories, ",")))
	}

	return strings.Join(parts, " ")
}
