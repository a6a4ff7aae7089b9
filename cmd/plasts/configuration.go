package main

import "github.com/BurntSushi/toml"

// schedulerConfig holds the scheduler's handful of settings, mirroring the layered
// TOML-then-flags precedence used by plastd (SPEC_FULL.md §9): flags/env vars, which
// common.CmdEnv* always populates with at least a default, overwrite Port and LogVerbosity
// unconditionally and LogFile only when non-empty.
type schedulerConfig struct {
	Port         int64
	LogFile      string
	LogVerbosity int64
}

func defaultSchedulerConfig() schedulerConfig {
	return schedulerConfig{Port: 5166, LogFile: "", LogVerbosity: 0}
}

type fileConfig struct {
	Port         *int64
	LogFile      *string
	LogVerbosity *int64
}

func mergeTOMLConfig(path string, cfg *schedulerConfig) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.LogFile != nil {
		cfg.LogFile = *fc.LogFile
	}
	if fc.LogVerbosity != nil {
		cfg.LogVerbosity = *fc.LogVerbosity
	}
	return nil
}

func applyFlagOverrides(cfg *schedulerConfig, port *int64, logFile *string, logVerbosity *int64) {
	cfg.Port = *port
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	cfg.LogVerbosity = *logVerbosity
}
