package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.SignalAddress() != ":0" {
		t.Fatalf("expected automatic signal address, got %q", firstCfg.SignalAddress())
	}
	if firstCfg.ChunkSize != DefaultChunkSize || firstCfg.MaxConcurrentTransfers != DefaultMaxConcurrentTransfers {
		t.Fatalf("unexpected transfer defaults: %+v", firstCfg)
	}
	if firstCfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected download dir %q", firstCfg.DownloadDir)
	}
	if _, err := os.Stat(firstCfg.DownloadDir); err != nil {
		t.Fatalf("download dir not created: %v", err)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if len(secondCfg.STUNServers) != len(DefaultSTUNServers) {
		t.Fatalf("expected default STUN servers, got %v", secondCfg.STUNServers)
	}
}

func TestLoadOrCreateNormalizesLegacyPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		DeviceID:      "legacy-device",
		DeviceName:    "Legacy",
		ListeningPort: 9999,
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 9999 || cfg.SignalAddress() != ":9999" {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.ChecksumAlgorithm != DefaultChecksumAlgorithm || cfg.HandshakeTimeoutSeconds != DefaultHandshakeTimeoutSeconds {
		t.Fatalf("expected missing fields to be filled: %+v", cfg)
	}

	saved, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.DownloadDir == "" || saved.PeerStaleAfterSeconds != DefaultPeerStaleAfterSeconds {
		t.Fatalf("expected normalized defaults to be persisted: %+v", saved)
	}
}

func TestEnvOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	if _, _, err := LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	t.Setenv(EnvDeviceName, "Override Name")
	t.Setenv(EnvSignalPort, "47999")
	t.Setenv(EnvDownloadDir, filepath.Join(tempDir, "elsewhere"))
	t.Setenv(EnvLogLevel, "debug")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate with overrides failed: %v", err)
	}
	if cfg.DeviceName != "Override Name" || cfg.SignalAddress() != ":47999" || cfg.LogLevel != "debug" {
		t.Fatalf("expected overrides to apply: %+v", cfg)
	}

	saved, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.DeviceName == "Override Name" || saved.PortMode != PortModeAutomatic {
		t.Fatalf("overrides must not be written to disk: %+v", saved)
	}

	t.Setenv(EnvSignalPort, "not-a-port")
	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected invalid port override to fail")
	}
}

func TestLoadDotEnvSkipsMissingFilesAndKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("WATERDROP_TEST_FROM_FILE=file\nWATERDROP_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("WATERDROP_TEST_PRESET", "process")
	t.Setenv("WATERDROP_TEST_FROM_FILE", "")
	os.Unsetenv("WATERDROP_TEST_FROM_FILE")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("WATERDROP_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("WATERDROP_TEST_PRESET"); got != "process" {
		t.Fatalf("expected process value to win, got %q", got)
	}
	t.Cleanup(func() { os.Unsetenv("WATERDROP_TEST_FROM_FILE") })

	if err := LoadDotEnv(filepath.Join(dir, "nope.env")); err != nil {
		t.Fatalf("expected missing env file to be ignored, got %v", err)
	}
}
