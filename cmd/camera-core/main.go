// Command camera-core runs the media core as a standalone process: it loads
// a static device list, brings up one Session per device through
// pkg/sessionmgr, and serves the Consumer API (§4.6) over HTTP. Device
// discovery and the Nest/Google device-mirror are external concerns (§2
// Non-goals); this binary only needs each device's protocol selection and
// connection parameters, supplied via a JSON file alongside the .env config.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/api"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/config"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framedproto"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/logging"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/media"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/session"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/sessionmgr"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/webrtcbackend"
)

// deviceEntry is one line of the static device list: everything the Manager
// needs to construct a device's Backend and initial DeviceState, since the
// device-mirror that would normally supply this is out of scope.
type deviceEntry struct {
	DeviceID             string `json:"deviceId"`
	Protocol             string `json:"protocol"` // "framed" or "webrtc"
	Online               bool   `json:"online"`
	StreamingAllowed     bool   `json:"streamingAllowed"`
	AudioAllowed         bool   `json:"audioAllowed"`
	EndpointHost         string `json:"endpointHost"`
	AuthToken            string `json:"authToken"`
	AuthKind             string `json:"authKind"` // "session" or "oauth2"
	LocalAccessPreferred bool   `json:"localAccessPreferred"`
}

func loadDevices(path string) ([]deviceEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}
	var entries []deviceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse device list: %w", err)
	}
	return entries, nil
}

func (d deviceEntry) toDeviceState() backend.DeviceState {
	authKind := backend.AuthSession
	if d.AuthKind == "oauth2" {
		authKind = backend.AuthOAuth2
	}
	return backend.DeviceState{
		DeviceID:             d.DeviceID,
		Online:               d.Online,
		StreamingAllowed:     d.StreamingAllowed,
		AudioAllowed:         d.AudioAllowed,
		EndpointHost:         d.EndpointHost,
		AuthToken:            d.AuthToken,
		AuthKind:             authKind,
		LocalAccessPreferred: d.LocalAccessPreferred,
	}
}

func main() {
	fs := flag.NewFlagSet("camera-core", flag.ExitOnError)
	logFlags := logging.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "Path to .env-style configuration file")
	devicesPath := fs.String("devices", "devices.json", "Path to the static device list (JSON array)")
	listenAddr := fs.String("listen", ":8080", "Consumer API listen address")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Camera media core: FrameStore + Backend + Session per device, Consumer API over HTTP.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logging.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	lgr, err := logging.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer lgr.Close()
	logging.SetDefault(lgr)

	lgr.Info("starting camera-core", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		lgr.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	devices, err := loadDevices(*devicesPath)
	if err != nil {
		lgr.Error("failed to load device list", "error", err)
		os.Exit(1)
	}
	lgr.Info("device list loaded", "count", len(devices))

	fillers, err := media.LoadFillers(cfg.ResourcePath)
	if err != nil {
		lgr.Warn("failed to load filler resources, synthetic frames disabled", "error", err, "resource_path", cfg.ResourcePath)
		fillers = nil
	}

	protocolByDevice := make(map[string]string, len(devices))
	for _, d := range devices {
		protocolByDevice[d.DeviceID] = d.Protocol
	}

	webrtcCfg := webrtcbackend.DefaultConfig()
	webrtcCfg.ControlHost = cfg.ControlServiceHost
	webrtcCfg.AppID = cfg.ControlServiceAppID
	webrtcCfg.Token = cfg.ControlServiceToken
	webrtcCfg.UserAgent = cfg.UserAgent
	webrtcCfg.ExtendPeriod = time.Duration(cfg.ExtendIntervalMs) * time.Millisecond
	webrtcCfg.ReconnectMin = time.Duration(cfg.ReconnectBackoffBaseMs) * time.Millisecond
	webrtcCfg.ReconnectMax = time.Duration(cfg.ReconnectBackoffMaxMs) * time.Millisecond

	framedCfg := framedproto.DefaultConfig()
	framedCfg.PingInterval = time.Duration(cfg.PingIntervalMs) * time.Millisecond
	framedCfg.StallTimeout = time.Duration(cfg.StallTimeoutMs) * time.Millisecond
	framedCfg.ReconnectMin = time.Duration(cfg.ReconnectBackoffBaseMs) * time.Millisecond
	framedCfg.ReconnectMax = time.Duration(cfg.ReconnectBackoffMaxMs) * time.Millisecond

	// newBackend picks the wire protocol per device from the static list
	// (§4.5/§9: backend selection is a configuration-level policy owned by
	// the Manager's caller, not the Manager itself).
	newBackend := func(deviceID string, store *framestore.Store, logger *slog.Logger) backend.Backend {
		if protocolByDevice[deviceID] == "webrtc" {
			return webrtcbackend.New(store, logger, webrtcCfg)
		}
		return framedproto.New(store, logger, framedCfg)
	}

	mgrCfg := sessionmgr.DefaultConfig()
	mgrCfg.FrameStore = framestore.Config{
		TrunkMaxPackets: cfg.TrunkMaxPackets,
		TickInterval:    cfg.DriverTickInterval,
		Fillers:         fillers,
	}
	sessCfg := session.DefaultConfig()
	sessCfg.TalkbackSilence = time.Duration(cfg.TalkbackSilenceMs) * time.Millisecond
	mgrCfg.Session = sessCfg
	mgrCfg.RecoveryBaseDelay = time.Duration(cfg.ReconnectBackoffBaseMs) * time.Millisecond
	mgrCfg.RecoveryMaxDelay = time.Duration(cfg.ReconnectBackoffMaxMs) * time.Millisecond

	mgr := sessionmgr.New(mgrCfg, newBackend, lgr.With("component", "sessionmgr").Logger)
	mgr.Start()

	apiServer := api.NewServer(mgr, lgr.With("component", "api").Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := apiServer.Start(ctx, *listenAddr); err != nil {
		lgr.Error("failed to start consumer API", "error", err)
		os.Exit(1)
	}
	lgr.Info("consumer API listening", "address", *listenAddr)

	initial := make([]backend.DeviceState, 0, len(devices))
	for _, d := range devices {
		initial = append(initial, d.toDeviceState())
	}

	addCtx, addCancel := context.WithTimeout(ctx, 10*time.Minute)
	defer addCancel()
	if err := mgr.AddDevices(addCtx, initial); err != nil {
		lgr.Error("failed to add devices", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	lgr.Info("running, press Ctrl+C to stop")
	<-sigChan
	lgr.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		lgr.Error("error stopping consumer API", "error", err)
	}
	mgr.Stop()

	lgr.Info("shutdown complete")
}
