// Package config loads and validates the edge-device configuration file.
//
// A config is a YAML document checked in two passes: first against the
// embedded JSON schema for structure and types, then against Go-side rules
// that the schema cannot express (camera-ID uniqueness, path sanity).
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// CameraConfig identifies a single camera attached to an NVR.
type CameraConfig struct {
	ID    string `yaml:"id" json:"id"`
	Index int    `yaml:"index" json:"index"`
	Label string `yaml:"label" json:"label"`
}

// NVRConfig describes one network video recorder and its cameras.
type NVRConfig struct {
	Name               string         `yaml:"name" json:"name"`
	Host               string         `yaml:"host" json:"host"`
	ONVIFPort          int            `yaml:"onvif_port" json:"onvif_port"`
	Username           string         `yaml:"username" json:"username"`
	Password           string         `yaml:"password" json:"password"`
	CameraRTSPTemplate string         `yaml:"camera_rtsp_template" json:"camera_rtsp_template"`
	Cameras            []CameraConfig `yaml:"cameras" json:"cameras"`
}

// DeviceConfig carries device identity and local retention policy.
type DeviceConfig struct {
	DeviceID            string `yaml:"device_id" json:"device_id"`
	TenantID            string `yaml:"tenant_id" json:"tenant_id"`
	Location            string `yaml:"location" json:"location"`
	KeepLocalDays       int    `yaml:"keep_local_days" json:"keep_local_days"`
	MaxDiskUsagePercent int    `yaml:"max_disk_usage_percent" json:"max_disk_usage_percent"`
}

// CertPaths points at the client certificate material used for mTLS.
type CertPaths struct {
	ClientCert string `yaml:"client_cert" json:"client_cert"`
	ClientKey  string `yaml:"client_key" json:"client_key"`
	CACert     string `yaml:"ca_cert" json:"ca_cert"`
}

// NetworkConfig covers the message bus and the central API connection.
type NetworkConfig struct {
	MQTTBroker        string    `yaml:"mqtt_broker" json:"mqtt_broker"`
	MQTTPort          int       `yaml:"mqtt_port" json:"mqtt_port"`
	MQTTTLS           bool      `yaml:"mqtt_tls" json:"mqtt_tls"`
	MQTTTopicPrefix   string    `yaml:"mqtt_topic_prefix" json:"mqtt_topic_prefix"`
	APIBase           string    `yaml:"api_base" json:"api_base"`
	APITimeoutSeconds int       `yaml:"api_timeout_seconds" json:"api_timeout_seconds"`
	UseMTLS           bool      `yaml:"use_mtls" json:"use_mtls"`
	CertPaths         CertPaths `yaml:"cert_paths" json:"cert_paths"`
}

// IngestConfig tunes the per-camera segmenters.
type IngestConfig struct {
	ChunkSeconds  int `yaml:"chunk_seconds" json:"chunk_seconds"`
	MaxLocalClips int `yaml:"max_local_clips" json:"max_local_clips"`
}

// UploadConfig describes the central upload endpoints and retry policy.
type UploadConfig struct {
	PresignedEndpoint        string `yaml:"presigned_endpoint" json:"presigned_endpoint"`
	MetadataEndpoint         string `yaml:"metadata_endpoint" json:"metadata_endpoint"`
	UploadCompleteEndpoint   string `yaml:"upload_complete_endpoint" json:"upload_complete_endpoint"`
	MaxRetries               int    `yaml:"max_retries" json:"max_retries"`
	RetryBackoffSeconds      int    `yaml:"retry_backoff_seconds" json:"retry_backoff_seconds"`
	RecoveryThresholdSeconds int    `yaml:"recovery_threshold_seconds" json:"recovery_threshold_seconds"`
}

// SyncConfig describes the model-package and KB polling endpoints.
type SyncConfig struct {
	PackagesEndpoint    string `yaml:"packages_endpoint" json:"packages_endpoint"`
	KBManifestEndpoint  string `yaml:"kb_manifest_endpoint" json:"kb_manifest_endpoint"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	PublicKeyPath       string `yaml:"public_key_path" json:"public_key_path"`
}

// StorageConfig fixes the local on-disk roots.
type StorageConfig struct {
	DBPath    string `yaml:"db_path" json:"db_path"`
	ClipBase  string `yaml:"clip_base" json:"clip_base"`
	ModelRoot string `yaml:"model_root" json:"model_root"`
}

// WatchdogConfig lists the local services the watchdog polls.
type WatchdogConfig struct {
	Services             map[string]int `yaml:"services" json:"services"`
	CheckIntervalSeconds int            `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	FailureThreshold     int            `yaml:"failure_threshold" json:"failure_threshold"`
}

// Config is the full typed device configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device" json:"device"`
	Network  NetworkConfig  `yaml:"network" json:"network"`
	NVRList  []NVRConfig    `yaml:"nvr_list" json:"nvr_list"`
	Ingest   IngestConfig   `yaml:"ingest" json:"ingest"`
	Upload   UploadConfig   `yaml:"upload" json:"upload"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Watchdog WatchdogConfig `yaml:"watchdog" json:"watchdog"`
}

const (
	defaultDBPath                   = "/var/lib/vss/vss_events.db"
	defaultClipBase                 = "/var/lib/vss/clips"
	defaultModelRoot                = "/opt/vss/models"
	defaultRecoveryThresholdSeconds = 900
	defaultWatchdogInterval         = 10
	defaultFailureThreshold         = 3
)

// Load reads, validates, and returns the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates raw YAML bytes and returns the typed configuration.
func Parse(raw []byte) (*Config, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, err
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = defaultDBPath
	}
	if c.Storage.ClipBase == "" {
		c.Storage.ClipBase = defaultClipBase
	}
	if c.Storage.ModelRoot == "" {
		c.Storage.ModelRoot = defaultModelRoot
	}
	if c.Upload.RecoveryThresholdSeconds <= 0 {
		c.Upload.RecoveryThresholdSeconds = defaultRecoveryThresholdSeconds
	}
	if c.Watchdog.CheckIntervalSeconds <= 0 {
		c.Watchdog.CheckIntervalSeconds = defaultWatchdogInterval
	}
	if c.Watchdog.FailureThreshold <= 0 {
		c.Watchdog.FailureThreshold = defaultFailureThreshold
	}
}

// Validate applies the cross-field rules the JSON schema cannot express.
func (c *Config) Validate() error {
	seen := make(map[string]string)
	for _, nvr := range c.NVRList {
		for _, cam := range nvr.Cameras {
			if prev, ok := seen[cam.ID]; ok {
				return fmt.Errorf("duplicate camera ID %q (declared on NVR %q and NVR %q)", cam.ID, prev, nvr.Name)
			}
			seen[cam.ID] = nvr.Name
		}
	}
	if c.Device.MaxDiskUsagePercent < 1 || c.Device.MaxDiskUsagePercent > 100 {
		return fmt.Errorf("device.max_disk_usage_percent must be within [1,100], got %d", c.Device.MaxDiskUsagePercent)
	}
	if c.Upload.MaxRetries < 1 {
		return fmt.Errorf("upload.max_retries must be at least 1, got %d", c.Upload.MaxRetries)
	}
	if c.Network.UseMTLS {
		cp := c.Network.CertPaths
		if cp.ClientCert == "" || cp.ClientKey == "" || cp.CACert == "" {
			return fmt.Errorf("network.use_mtls requires network.cert_paths.{client_cert,client_key,ca_cert}")
		}
	}
	return nil
}

// APITimeout returns the bound for outbound central-API requests.
func (c *Config) APITimeout() int {
	if c.Network.APITimeoutSeconds <= 0 {
		return 30
	}
	return c.Network.APITimeoutSeconds
}

func validateAgainstSchema(value any) error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}
	if err := compiler.AddResource("config.schema.json", doc); err != nil {
		return fmt.Errorf("register embedded schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}
	jsonValue, err := toJSONValue(value)
	if err != nil {
		return err
	}
	if err := schema.Validate(jsonValue); err != nil {
		var ve *jsonschema.ValidationError
		if vErr, ok := err.(*jsonschema.ValidationError); ok {
			ve = vErr
		}
		if ve != nil {
			leaf := leafCause(ve)
			path := strings.Join(leaf.InstanceLocation, ".")
			if path == "" {
				path = "(root)"
			}
			printer := message.NewPrinter(language.English)
			return fmt.Errorf("config validation failed at '%s': %s", path, leaf.ErrorKind.LocalizedString(printer))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// toJSONValue round-trips a YAML-decoded value through JSON so the schema
// validator sees json.Number instead of Go ints.
func toJSONValue(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalise config for validation: %w", err)
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("normalise config for validation: %w", err)
	}
	return decoded, nil
}

func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
