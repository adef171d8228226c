package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string `json:"dataDir" yaml:"dataDir" env:"DATA_DIR"`
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr" env:"HTTP_ADDR"`

	LogLevel  string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" yaml:"logFormat" env:"LOG_FORMAT"`

	Queue QueueConfig `json:"queue" yaml:"queue" envPrefix:"QUEUE_"`
}

// QueueConfig tunes the queue engine and its background sweeps. All
// durations are in milliseconds so config files and env overlays stay flat.
type QueueConfig struct {
	// StallTimeoutMs is how long an unrenewed lease may age before the job
	// counts as stalled. The reclaim interval must stay below it.
	StallTimeoutMs int64 `json:"stallTimeoutMs" yaml:"stallTimeoutMs" env:"STALL_TIMEOUT_MS"`
	// MaxStalls bounds reclamations per job before it fails as poison.
	MaxStalls int `json:"maxStalls" yaml:"maxStalls" env:"MAX_STALLS"`

	ReclaimIntervalMs int64 `json:"reclaimIntervalMs" yaml:"reclaimIntervalMs" env:"RECLAIM_INTERVAL_MS"`
	ReclaimBatch      int   `json:"reclaimBatch" yaml:"reclaimBatch" env:"RECLAIM_BATCH"`

	// DirectAdmitThreshold is the queued depth under which Submit bypasses
	// the backlog and inserts straight into the job store.
	DirectAdmitThreshold int `json:"directAdmitThreshold" yaml:"directAdmitThreshold" env:"DIRECT_ADMIT_THRESHOLD"`

	AdmissionIntervalMs int64 `json:"admissionIntervalMs" yaml:"admissionIntervalMs" env:"ADMISSION_INTERVAL_MS"`
	AdmissionBatch      int   `json:"admissionBatch" yaml:"admissionBatch" env:"ADMISSION_BATCH"`

	// BacklogTTLMs is the admission SLA: how long an unadmitted backlog
	// entry may wait before it is purged.
	BacklogTTLMs    int64 `json:"backlogTtlMs" yaml:"backlogTtlMs" env:"BACKLOG_TTL_MS"`
	PurgeIntervalMs int64 `json:"purgeIntervalMs" yaml:"purgeIntervalMs" env:"PURGE_INTERVAL_MS"`

	GroupSweepIntervalMs int64 `json:"groupSweepIntervalMs" yaml:"groupSweepIntervalMs" env:"GROUP_SWEEP_INTERVAL_MS"`

	// TerminalRetentionMs is how long completed/failed records stay
	// readable before the retention sweep trims them.
	TerminalRetentionMs int64 `json:"terminalRetentionMs" yaml:"terminalRetentionMs" env:"TERMINAL_RETENTION_MS"`
	TrimIntervalMs      int64 `json:"trimIntervalMs" yaml:"trimIntervalMs" env:"TRIM_INTERVAL_MS"`
	TrimBatch           int   `json:"trimBatch" yaml:"trimBatch" env:"TRIM_BATCH"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Queue: QueueConfig{
			StallTimeoutMs:       30_000,
			MaxStalls:            3,
			ReclaimIntervalMs:    2_000,
			ReclaimBatch:         256,
			DirectAdmitThreshold: 1_000,
			AdmissionIntervalMs:  500,
			AdmissionBatch:       256,
			BacklogTTLMs:         int64(15 * time.Minute / time.Millisecond),
			PurgeIntervalMs:      10_000,
			GroupSweepIntervalMs: 5_000,
			TerminalRetentionMs:  int64(24 * time.Hour / time.Millisecond),
			TrimIntervalMs:       60_000,
			TrimBatch:            1024,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
