package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"plast/internal/common"
	"plast/internal/daemon"
	"plast/internal/registry"
)

func failedStart(err any) {
	_, _ = fmt.Fprintln(os.Stderr, "[plastd]", err)
	os.Exit(1)
}

func main() {
	showVersion := common.CmdEnvBool("Show version and exit.", false, "version", "")

	jobCount := common.CmdEnvInt("Parallelism bound for the compile pool.", int64(runtime.NumCPU()),
		"job-count", "PLAST_JOB_COUNT")
	preprocessCount := common.CmdEnvInt("Parallelism bound for the preprocess pool.", int64(runtime.NumCPU()*2),
		"preprocess-count", "PLAST_PREPROCESS_COUNT")
	server := common.CmdEnvString("Scheduler address (host or host:port).", "",
		"server", "PLAST_SERVER")
	port := common.CmdEnvInt("TCP port this daemon listens on for peer connections.", 5167,
		"port", "PLAST_PORT")
	discoveryPort := common.CmdEnvInt("UDP discovery broadcast port.", 5168,
		"discovery-port", "PLAST_DISCOVERY_PORT")
	socketPath := common.CmdEnvString("Unix socket path plastc connects to.", "/tmp/plastd.sock",
		"socket", "PLAST_SOCKET_FILE")
	rescheduleTimeout := common.CmdEnvDuration("Base reschedule timeout (scaled by job serial).", 15*time.Second,
		"reschedule-timeout", "PLAST_RESCHEDULE_TIMEOUT")
	rescheduleCheck := common.CmdEnvDuration("Reschedule sweep interval.", 2500*time.Millisecond,
		"reschedule-check", "PLAST_RESCHEDULE_CHECK")
	overcommit := common.CmdEnvInt("Extra remote compile slots accepted beyond job-count.", 2,
		"overcommit", "PLAST_OVERCOMMIT")
	maxPreprocessPending := common.CmdEnvInt("Max Local jobs holding a preprocessed buffer at once.", 10,
		"max-preprocess-pending", "PLAST_MAX_PREPROCESS_PENDING")
	cacheDirectory := common.CmdEnvString("Directory holding fetched compiler packages.", "/tmp/plast-cache",
		"cache-directory", "PLAST_CACHE_DIRECTORY")
	configPath := common.CmdEnvString("TOML config file; CLI flags and env vars take precedence.", "",
		"config", "PLAST_CONFIG")
	friendlyName := common.CmdEnvString("Label this daemon announces to peers and the scheduler.", "",
		"name", "PLAST_NAME")
	logFileName := common.CmdEnvString("Log file path; empty or 'stderr' logs to stderr.", "",
		"log-file", "PLAST_LOG_FILENAME")
	logVerbosity := common.CmdEnvInt("Logger verbosity for INFO (-1 off, default 0, max 2).", 0,
		"log-verbosity", "PLAST_LOG_VERBOSITY")

	common.ParseCmdFlagsCombiningWithEnv()

	if *showVersion {
		fmt.Println(common.GetVersion())
		os.Exit(0)
	}

	cfg := daemon.DefaultConfig()
	if *configPath != "" {
		if err := mergeTOMLConfig(*configPath, &cfg); err != nil {
			failedStart(err)
		}
	}
	applyFlagOverrides(&cfg, jobCount, preprocessCount, server, port, discoveryPort, socketPath,
		rescheduleTimeout, rescheduleCheck, overcommit, maxPreprocessPending, cacheDirectory, friendlyName)

	if cfg.FriendlyName == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.FriendlyName = hostname
		}
	}

	log, err := common.MakeLogger(*logFileName, *logVerbosity)
	if err != nil {
		failedStart(err)
	}

	reg, err := registry.New(cfg.CacheDirectory)
	if err != nil {
		failedStart(err)
	}
	defer reg.Close()

	common.SweepOrphanedTempFiles(os.TempDir(), "plast_", 24*time.Hour)

	d := daemon.New(cfg, log, reg)

	go func() {
		_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	}()

	if err := d.Run(); err != nil {
		log.Error("daemon exited with error:", err)
		_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
		os.Exit(1)
	}
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
}
