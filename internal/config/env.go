package config

import "github.com/caarlos0/env/v11"

// FromEnv overlays GRUBQ_* environment variables onto cfg. Queue tunables
// use the GRUBQ_QUEUE_ prefix (e.g. GRUBQ_QUEUE_STALL_TIMEOUT_MS).
func FromEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: "GRUBQ_"})
}
