package main

import (
	"time"

	"github.com/BurntSushi/toml"

	"plast/internal/daemon"
)

// fileConfig mirrors daemon.Config's fields for TOML decoding; mergeTOMLConfig applies only
// the fields present in the file. applyFlagOverrides runs afterwards and overwrites every
// field except Server, CacheDirectory and Name, so only those three file values survive
// when the matching flag/env value is empty.
type fileConfig struct {
	JobCount             *int64
	PreprocessCount      *int64
	Server               *string
	Port                 *int64
	DiscoveryPort        *int64
	Socket               *string
	RescheduleTimeoutMs  *int64
	RescheduleCheckMs    *int64
	Overcommit           *int64
	MaxPreprocessPending *int64
	CacheDirectory       *string
	Name                 *string
}

func mergeTOMLConfig(path string, cfg *daemon.Config) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}
	if fc.JobCount != nil {
		cfg.JobCount = int(*fc.JobCount)
	}
	if fc.PreprocessCount != nil {
		cfg.PreprocessCount = int(*fc.PreprocessCount)
	}
	if fc.Server != nil {
		cfg.SchedulerAddr = *fc.Server
	}
	if fc.Port != nil {
		cfg.PeerPort = int(*fc.Port)
	}
	if fc.DiscoveryPort != nil {
		cfg.DiscoveryPort = int(*fc.DiscoveryPort)
	}
	if fc.Socket != nil {
		cfg.SocketPath = *fc.Socket
	}
	if fc.RescheduleTimeoutMs != nil {
		cfg.RescheduleTimeoutMs = *fc.RescheduleTimeoutMs
	}
	if fc.RescheduleCheckMs != nil {
		cfg.RescheduleCheckMs = *fc.RescheduleCheckMs
	}
	if fc.Overcommit != nil {
		cfg.Overcommit = int(*fc.Overcommit)
	}
	if fc.MaxPreprocessPending != nil {
		cfg.MaxPreprocessPending = int(*fc.MaxPreprocessPending)
	}
	if fc.CacheDirectory != nil {
		cfg.CacheDirectory = *fc.CacheDirectory
	}
	if fc.Name != nil {
		cfg.FriendlyName = *fc.Name
	}
	return nil
}

// applyFlagOverrides layers explicitly-set CLI/env values over cfg, which may already
// carry TOML-file values. common.CmdEnv* flags always hold a value (their default when
// unset), so every field here is unconditionally copied, except server, cacheDirectory and
// friendlyName, which are copied only when non-empty.
func applyFlagOverrides(
	cfg *daemon.Config,
	jobCount, preprocessCount *int64,
	server *string,
	port, discoveryPort *int64,
	socketPath *string,
	rescheduleTimeout, rescheduleCheck *time.Duration,
	overcommit, maxPreprocessPending *int64,
	cacheDirectory *string,
	friendlyName *string,
) {
	cfg.JobCount = int(*jobCount)
	cfg.PreprocessCount = int(*preprocessCount)
	if *server != "" {
		cfg.SchedulerAddr = *server
	}
	cfg.PeerPort = int(*port)
	cfg.DiscoveryPort = int(*discoveryPort)
	cfg.SocketPath = *socketPath
	cfg.RescheduleTimeoutMs = rescheduleTimeout.Milliseconds()
	cfg.RescheduleCheckMs = rescheduleCheck.Milliseconds()
	cfg.Overcommit = int(*overcommit)
	cfg.MaxPreprocessPending = int(*maxPreprocessPending)
	if *cacheDirectory != "" {
		cfg.CacheDirectory = *cacheDirectory
	}
	if *friendlyName != "" {
		cfg.FriendlyName = *friendlyName
	}
}
