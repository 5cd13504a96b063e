// Package config loads the camera core's tunables from a .env-style file,
// the same key=value format used across this module's cmd/ entrypoints.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable enumerated in the camera core's configuration
// surface, plus the static app-level credential for the WebRTC control
// service (per-device auth tokens arrive at runtime via DeviceState, not
// from this file — credential acquisition/refresh is an external concern).
type Config struct {
	ResourcePath string

	TrunkMaxPackets          int
	SyntheticFrameIntervalMs int
	PingIntervalMs           int
	StallTimeoutMs           int
	ExtendIntervalMs         int
	TalkbackSilenceMs        int
	LocalAccessPreferred     bool
	UserAgent                string

	DriverTickInterval     time.Duration
	ReconnectBackoffBaseMs int
	ReconnectBackoffMaxMs  int
	ReconnectBackoffFactor float64

	ControlServiceHost  string
	ControlServiceAppID string
	ControlServiceToken string
}

// Defaults returns a Config populated with the §6 default values.
func Defaults() *Config {
	return &Config{
		ResourcePath:             "./resources",
		TrunkMaxPackets:          1250,
		SyntheticFrameIntervalMs: 3000,
		PingIntervalMs:           15000,
		StallTimeoutMs:           8000,
		ExtendIntervalMs:         120000,
		TalkbackSilenceMs:        500,
		UserAgent:                "nest-camera-core/1.0",
		DriverTickInterval:       time.Millisecond,
		ReconnectBackoffBaseMs:   500,
		ReconnectBackoffMaxMs:    30000,
		ReconnectBackoffFactor:   2.0,
	}
}

// Load reads configuration from a .env-style file, overlaying §6 defaults.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := Defaults()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}

		if err := cfg.set(key, decoded); err != nil {
			return nil, fmt.Errorf("env file line %q: %w", line, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "resource_path":
		c.ResourcePath = value
	case "trunk_max_packets":
		return assignInt(&c.TrunkMaxPackets, value)
	case "synthetic_frame_interval_ms":
		return assignInt(&c.SyntheticFrameIntervalMs, value)
	case "ping_interval_ms":
		return assignInt(&c.PingIntervalMs, value)
	case "stall_timeout_ms":
		return assignInt(&c.StallTimeoutMs, value)
	case "extend_interval_ms":
		return assignInt(&c.ExtendIntervalMs, value)
	case "talkback_silence_ms":
		return assignInt(&c.TalkbackSilenceMs, value)
	case "local_access_preferred":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.LocalAccessPreferred = b
	case "user_agent":
		c.UserAgent = value
	case "reconnect_backoff_base_ms":
		return assignInt(&c.ReconnectBackoffBaseMs, value)
	case "reconnect_backoff_max_ms":
		return assignInt(&c.ReconnectBackoffMaxMs, value)
	case "reconnect_backoff_factor":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		c.ReconnectBackoffFactor = f
	case "control_service_host":
		c.ControlServiceHost = value
	case "control_service_app_id":
		c.ControlServiceAppID = value
	case "control_service_token":
		c.ControlServiceToken = value
	}
	return nil
}

func assignInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// Validate checks that the control-service credential, needed to open any
// WebRTCBackend session, is present. FramedBackend endpoints and auth
// tokens arrive per device via DeviceState and are not validated here.
func (c *Config) Validate() error {
	if c.ControlServiceHost == "" {
		return fmt.Errorf("missing control_service_host")
	}
	if c.ControlServiceAppID == "" {
		return fmt.Errorf("missing control_service_app_id")
	}
	if c.ControlServiceToken == "" {
		return fmt.Errorf("missing control_service_token")
	}
	if c.TrunkMaxPackets <= 0 {
		return fmt.Errorf("trunk_max_packets must be positive")
	}
	return nil
}
