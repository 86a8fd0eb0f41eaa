package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("config version = %d, want %d", cfg.ConfigVersion, CurrentConfigVersion)
	}
	if cfg.Bot.Name != "spellhunter-bot" {
		t.Fatalf("bot name = %q", cfg.Bot.Name)
	}
	if cfg.Runtime.Kind != "podman" {
		t.Fatalf("runtime kind = %q", cfg.Runtime.Kind)
	}
	if cfg.Image.EnvMarker != "DOCKERIZED" {
		t.Fatalf("env marker = %q", cfg.Image.EnvMarker)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, "bot:\n  name: mybot\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsWrongConfigVersion(t *testing.T) {
	path := writeConfig(t, "config_version: 99\nimage:\n  reference: localhost/x:latest\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected version mismatch error, got %v", err)
	}
}

func TestLoadRejectsUnknownRuntimeKind(t *testing.T) {
	path := writeConfig(t, `config_version: 1
image:
  reference: localhost/x:latest
runtime:
  kind: lxc
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "runtime.kind") {
		t.Fatalf("expected runtime.kind error, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `config_version: 1
bot:
  name: pricebot
  shm_size_mb: 1024
image:
  reference: localhost/pricebot:v2
runtime:
  kind: containerd
  containerd:
    address: unix:///run/containerd/containerd.sock
    namespace: bots
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bot.Name != "pricebot" {
		t.Fatalf("bot name = %q", cfg.Bot.Name)
	}
	if cfg.Bot.ShmSizeMB != 1024 {
		t.Fatalf("shm size = %d", cfg.Bot.ShmSizeMB)
	}
	if cfg.Image.Reference != "localhost/pricebot:v2" {
		t.Fatalf("image reference = %q", cfg.Image.Reference)
	}
	if cfg.Runtime.Containerd.Namespace != "bots" {
		t.Fatalf("namespace = %q", cfg.Runtime.Containerd.Namespace)
	}
	if cfg.Bot.EnvFile != ".env" {
		t.Fatalf("env file default lost: %q", cfg.Bot.EnvFile)
	}
}

func TestLoadExpandsEnvInPaths(t *testing.T) {
	t.Setenv("SPELLHUNTER_TEST_HOME", "/srv/bots")
	path := writeConfig(t, `config_version: 1
bot:
  log_dir: $SPELLHUNTER_TEST_HOME/logs
image:
  reference: localhost/x:latest
runtime:
  kind: podman
  podman:
    address: unix://$SPELLHUNTER_TEST_HOME/podman.sock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bot.LogDir != "/srv/bots/logs" {
		t.Fatalf("log dir = %q", cfg.Bot.LogDir)
	}
	if cfg.Runtime.Podman.Address != "unix:///srv/bots/podman.sock" {
		t.Fatalf("podman address = %q", cfg.Runtime.Podman.Address)
	}
}

func TestLoadKeepsUnknownEnvReference(t *testing.T) {
	path := writeConfig(t, `config_version: 1
bot:
  log_dir: $SPELLHUNTER_DEFINITELY_UNSET/logs
image:
  reference: localhost/x:latest
runtime:
  kind: podman
  podman:
    address: unix:///run/podman/podman.sock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bot.LogDir != "$SPELLHUNTER_DEFINITELY_UNSET/logs" {
		t.Fatalf("log dir = %q", cfg.Bot.LogDir)
	}
}

func TestValidateRejectsBadImageReference(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfg.Image.Reference = "NOT A REFERENCE !!"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "image.reference") {
		t.Fatalf("expected image.reference error, got %v", err)
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := WriteDefault(path, false); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := WriteDefault(path, false); err != nil {
		t.Fatalf("write default: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	want, err := DefaultConfig()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Bot.Name != want.Bot.Name || cfg.Image.Reference != want.Image.Reference {
		t.Fatalf("round trip mismatch: %+v", cfg)
	}
}
