package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
broker:
  address: "broker.example:8883"
  client_id: "device-1"
ota:
  settings_db_path: "/var/lib/agent/settings.db"
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.OTA.MaxRetries != DefaultMaxOTARetries {
		t.Errorf("MaxRetries = %d, want %d", c.OTA.MaxRetries, DefaultMaxOTARetries)
	}
	if c.OTA.ReqTimeoutMs != DefaultOTAReqTimeoutMs {
		t.Errorf("ReqTimeoutMs = %d, want %d", c.OTA.ReqTimeoutMs, DefaultOTAReqTimeoutMs)
	}
	if c.OTA.RebootDelay() != DefaultRebootDelay {
		t.Errorf("RebootDelay = %s, want %s", c.OTA.RebootDelay(), DefaultRebootDelay)
	}
	if c.LocalBus.Endpoint != DefaultLocalBusEndpoint {
		t.Errorf("LocalBus.Endpoint = %s, want %s", c.LocalBus.Endpoint, DefaultLocalBusEndpoint)
	}
}

func TestLoadRespectsOverrides(t *testing.T) {
	path := writeConfig(t, `
broker:
  address: "broker.example:8883"
  client_id: "device-1"
ota:
  max_retries: 3
  reboot_delay_seconds: 2
  settings_db_path: "/var/lib/agent/settings.db"
local_bus:
  enabled: true
  endpoint: "tcp://127.0.0.1:5560"
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.OTA.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", c.OTA.MaxRetries)
	}
	if c.OTA.RebootDelay() != 2*time.Second {
		t.Errorf("RebootDelay = %s, want 2s", c.OTA.RebootDelay())
	}
	if !c.LocalBus.Enabled || c.LocalBus.Endpoint != "tcp://127.0.0.1:5560" {
		t.Errorf("unexpected local bus config: %+v", c.LocalBus)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
ota:
  settings_db_path: "/var/lib/agent/settings.db"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for missing broker.address")
	}
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
