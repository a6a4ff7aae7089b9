package daemon

import "time"

// Config holds every daemon-level tunable from spec.md §6's CLI/env table. Defaults match
// spec.md §6 "Defaults".
type Config struct {
	JobCount             int
	PreprocessCount      int
	SchedulerAddr        string
	PeerPort             int
	DiscoveryPort        int
	SocketPath           string
	RescheduleTimeoutMs  int64
	RescheduleCheckMs    int64
	Overcommit           int
	MaxPreprocessPending int
	CacheDirectory       string
	TempDirectory        string
	FriendlyName         string
}

func DefaultConfig() Config {
	return Config{
		JobCount:             4,
		PreprocessCount:      8,
		PeerPort:             5167,
		DiscoveryPort:        5168,
		SocketPath:           "/tmp/plastd.sock",
		RescheduleTimeoutMs:  15_000,
		RescheduleCheckMs:    2_500,
		Overcommit:           2,
		MaxPreprocessPending: 10,
		CacheDirectory:       "/tmp/plast-cache",
		TempDirectory:        "",
	}
}

func (c Config) rescheduleCheckInterval() time.Duration {
	return time.Duration(c.RescheduleCheckMs) * time.Millisecond
}
