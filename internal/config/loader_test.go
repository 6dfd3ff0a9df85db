package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testWorkerYAML = `
identity:
  key_file: "identity.key"
network:
  listen_addresses:
    - "/ip4/0.0.0.0/tcp/0"
  bootstrap_peers: []
  discovery_interval: "45s"
inference:
  command: "llama-server"
  args: ["-m", "model.gguf"]
  base_url: "http://127.0.0.1:8080"
  startup_timeout: "30s"
  request_timeout: "2m"
  stop_grace_period: "5s"
store:
  snapshot_path: "scores.json.gz"
  snapshot_interval: "1m"
base_capacity: 4
`

const testClientYAML = `
identity:
  key_file: "client.key"
network:
  listen_addresses:
    - "/ip4/0.0.0.0/tcp/0"
sender_id: "client-1"
smart_routing: false
send_deadline: "90s"
`

func writeTestConfig(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadWorkerConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "worker.yaml", testWorkerYAML)

	cfg, err := LoadWorkerConfig(path)
	if err != nil {
		t.Fatalf("LoadWorkerConfig: %v", err)
	}

	if cfg.Identity.KeyFile != "identity.key" {
		t.Errorf("KeyFile = %q", cfg.Identity.KeyFile)
	}
	if len(cfg.Network.ListenAddresses) != 1 {
		t.Errorf("ListenAddresses = %v", cfg.Network.ListenAddresses)
	}
	if cfg.Network.DiscoveryInterval != 45*time.Second {
		t.Errorf("DiscoveryInterval = %v", cfg.Network.DiscoveryInterval)
	}
	if !cfg.Network.IsMDNSEnabled() {
		t.Error("IsMDNSEnabled should default true when unset")
	}
	if cfg.Inference.RequestTimeout != 2*time.Minute {
		t.Errorf("RequestTimeout = %v", cfg.Inference.RequestTimeout)
	}
	if cfg.Store.SnapshotInterval != time.Minute {
		t.Errorf("SnapshotInterval = %v", cfg.Store.SnapshotInterval)
	}
	if cfg.BaseCapacity != 4 {
		t.Errorf("BaseCapacity = %d", cfg.BaseCapacity)
	}

	if err := ValidateWorkerConfig(cfg); err != nil {
		t.Errorf("ValidateWorkerConfig: %v", err)
	}
}

func TestLoadWorkerConfigRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "worker.yaml", "version: 99\n"+testWorkerYAML)

	if _, err := LoadWorkerConfig(path); err == nil {
		t.Fatal("expected error for future config version")
	}
}

func TestLoadWorkerConfigBadDuration(t *testing.T) {
	dir := t.TempDir()
	bad := `
identity:
  key_file: "identity.key"
network:
  listen_addresses: ["/ip4/0.0.0.0/tcp/0"]
inference:
  base_url: "http://127.0.0.1:8080"
  request_timeout: "not-a-duration"
store:
  snapshot_path: "scores.json.gz"
`
	path := writeTestConfig(t, dir, "worker.yaml", bad)
	if _, err := LoadWorkerConfig(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestValidateWorkerConfigRequiresFields(t *testing.T) {
	cfg := &WorkerConfig{}
	if err := ValidateWorkerConfig(cfg); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestLoadClientConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "client.yaml", testClientYAML)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}

	if cfg.SenderID != "client-1" {
		t.Errorf("SenderID = %q", cfg.SenderID)
	}
	if cfg.IsSmartRoutingEnabled() {
		t.Error("smart_routing: false should disable smart routing")
	}
	if cfg.SendDeadline != 90*time.Second {
		t.Errorf("SendDeadline = %v", cfg.SendDeadline)
	}

	if err := ValidateClientConfig(cfg); err != nil {
		t.Errorf("ValidateClientConfig: %v", err)
	}
}

func TestClientConfigSmartRoutingDefaultsTrue(t *testing.T) {
	cfg := &ClientConfig{}
	if !cfg.IsSmartRoutingEnabled() {
		t.Error("smart routing should default to true when unset")
	}
}

func TestCheckConfigFilePermissionsRejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "worker.yaml", testWorkerYAML)
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if err := checkConfigFilePermissions(path); err == nil {
		t.Fatal("expected permission error for world-readable config")
	}
}

func TestFindConfigFileExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "worker.yaml", testWorkerYAML)

	found, err := FindConfigFile(path)
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
}

func TestFindConfigFileMissingExplicitPath(t *testing.T) {
	if _, err := FindConfigFile("/nonexistent/path/qmesh.yaml"); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestFindConfigFileNoneFound(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)
	t.Setenv("HOME", dir)

	if _, err := FindConfigFile(""); err == nil {
		t.Fatal("expected ErrConfigNotFound when nothing is found")
	}
}
