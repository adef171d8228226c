// Package config provides loading and environment overlay for grubq
// configuration. It exposes a Default() baseline, Load() for JSON/YAML
// files, and FromEnv() for GRUBQ_* environment variables.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/grubq.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    // handle
//	}
package config
