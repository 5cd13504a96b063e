package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "" +
		"# comment\n" +
		"control_service_host=control.example.internal:443\n" +
		"control_service_app_id=app-1\n" +
		"control_service_token=secret-token\n" +
		"trunk_max_packets=500\n" +
		"local_access_preferred=true\n"

	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TrunkMaxPackets != 500 {
		t.Errorf("TrunkMaxPackets = %d, want 500", cfg.TrunkMaxPackets)
	}
	if !cfg.LocalAccessPreferred {
		t.Errorf("LocalAccessPreferred = false, want true")
	}
	if cfg.StallTimeoutMs != 8000 {
		t.Errorf("StallTimeoutMs default = %d, want 8000 (unset, should keep default)", cfg.StallTimeoutMs)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("trunk_max_packets=10\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for missing control_service_host, got nil")
	}
}

func TestValidateRejectsNonPositiveTrunk(t *testing.T) {
	cfg := Defaults()
	cfg.ControlServiceHost = "h"
	cfg.ControlServiceAppID = "a"
	cfg.ControlServiceToken = "t"
	cfg.TrunkMaxPackets = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for trunk_max_packets = 0, got nil")
	}
}
