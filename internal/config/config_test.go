package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
device:
  device_id: edge-0042
  tenant_id: acme
  location: "warehouse 7"
  keep_local_days: 3
  max_disk_usage_percent: 85
network:
  mqtt_broker: mqtt.central.example.com
  mqtt_port: 8883
  mqtt_tls: true
  mqtt_topic_prefix: vss/events
  api_base: https://central.example.com/api
  api_timeout_seconds: 15
  use_mtls: false
nvr_list:
  - name: lobby-nvr
    host: 10.0.0.5
    onvif_port: 8000
    username: viewer
    password: s3cret
    camera_rtsp_template: "rtsp://{username}:{password}@{host}:554/ch{index}"
    cameras:
      - id: cam-entrance
        index: 1
        label: "entrance"
      - id: cam-dock
        index: 2
        label: "loading dock"
ingest:
  chunk_seconds: 30
  max_local_clips: 500
upload:
  presigned_endpoint: https://central.example.com/api/uploads/presign
  metadata_endpoint: https://central.example.com/api/events/metadata
  upload_complete_endpoint: https://central.example.com/api/uploads/complete
  max_retries: 5
  retry_backoff_seconds: 2
sync:
  packages_endpoint: https://central.example.com/api/packages
  kb_manifest_endpoint: https://central.example.com/api/kb-manifest
  poll_interval_seconds: 300
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Device.DeviceID != "edge-0042" || cfg.Device.TenantID != "acme" {
		t.Errorf("device identity = %q/%q", cfg.Device.DeviceID, cfg.Device.TenantID)
	}
	if len(cfg.NVRList) != 1 || len(cfg.NVRList[0].Cameras) != 2 {
		t.Fatalf("nvr layout = %d NVRs", len(cfg.NVRList))
	}
	if cfg.Ingest.ChunkSeconds != 30 {
		t.Errorf("chunk_seconds = %d", cfg.Ingest.ChunkSeconds)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.DBPath != "/var/lib/vss/vss_events.db" {
		t.Errorf("db_path default = %q", cfg.Storage.DBPath)
	}
	if cfg.Storage.ClipBase != "/var/lib/vss/clips" {
		t.Errorf("clip_base default = %q", cfg.Storage.ClipBase)
	}
	if cfg.Storage.ModelRoot != "/opt/vss/models" {
		t.Errorf("model_root default = %q", cfg.Storage.ModelRoot)
	}
	if cfg.Upload.RecoveryThresholdSeconds != 900 {
		t.Errorf("recovery_threshold_seconds default = %d", cfg.Upload.RecoveryThresholdSeconds)
	}
	if cfg.Watchdog.CheckIntervalSeconds != 10 || cfg.Watchdog.FailureThreshold != 3 {
		t.Errorf("watchdog defaults = %d/%d", cfg.Watchdog.CheckIntervalSeconds, cfg.Watchdog.FailureThreshold)
	}
}

func TestSchemaViolationNamesPath(t *testing.T) {
	bad := strings.Replace(validYAML, "max_disk_usage_percent: 85", "max_disk_usage_percent: 200", 1)
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "device") {
		t.Errorf("error %v does not name the failing path", err)
	}
}

func TestMissingSectionRejected(t *testing.T) {
	bad := strings.Replace(validYAML, "sync:", "sync_disabled:", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for missing sync section")
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	bad := validYAML + "\nextras:\n  foo: 1\n"
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestDuplicateCameraIDRejected(t *testing.T) {
	// Splice a second NVR reusing cam-entrance into nvr_list.
	idx := strings.Index(validYAML, "ingest:")
	spliced := validYAML[:idx] + `  - name: yard-nvr
    host: 10.0.0.6
    onvif_port: 8000
    username: viewer
    password: s3cret
    camera_rtsp_template: "rtsp://{host}/ch{index}"
    cameras:
      - id: cam-entrance
        index: 1
        label: "duplicate"
` + validYAML[idx:]

	_, err := Parse([]byte(spliced))
	if err == nil {
		t.Fatal("expected duplicate camera ID error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "cam-entrance") || !strings.Contains(msg, "lobby-nvr") || !strings.Contains(msg, "yard-nvr") {
		t.Errorf("error %q should name the camera and both NVRs", msg)
	}
}

func TestMTLSRequiresCertPaths(t *testing.T) {
	bad := strings.Replace(validYAML, "use_mtls: false", "use_mtls: true", 1)
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected error when mTLS is enabled without cert paths")
	}
	if !strings.Contains(err.Error(), "cert_paths") {
		t.Errorf("error = %v", err)
	}

	good := strings.Replace(bad, "use_mtls: true", `use_mtls: true
  cert_paths:
    client_cert: /etc/vss/certs/client.pem
    client_key: /etc/vss/certs/client.key
    ca_cert: /etc/vss/certs/ca.pem`, 1)
	if _, err := Parse([]byte(good)); err != nil {
		t.Errorf("mTLS with full cert paths should parse: %v", err)
	}
}

func TestAPITimeoutDefault(t *testing.T) {
	var cfg Config
	if got := cfg.APITimeout(); got != 30 {
		t.Errorf("zero timeout defaults to 30, got %d", got)
	}
	cfg.Network.APITimeoutSeconds = 15
	if got := cfg.APITimeout(); got != 15 {
		t.Errorf("explicit timeout = %d", got)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.DeviceID != "edge-0042" {
		t.Errorf("device_id = %q", cfg.Device.DeviceID)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
