package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"plast/internal/common"
	"plast/internal/scheduler"
)

func failedStart(err any) {
	_, _ = fmt.Fprintln(os.Stderr, "[plasts]", err)
	os.Exit(1)
}

func main() {
	showVersion := common.CmdEnvBool("Show version and exit.", false, "version", "")

	port := common.CmdEnvInt("TCP port daemons connect to.", 5166, "port", "PLAST_SCHEDULER_PORT")
	configPath := common.CmdEnvString("TOML config file; CLI flags and env vars take precedence.", "",
		"config", "PLAST_CONFIG")
	logFileName := common.CmdEnvString("Log file path; empty or 'stderr' logs to stderr.", "",
		"log-file", "PLAST_LOG_FILENAME")
	logVerbosity := common.CmdEnvInt("Logger verbosity for INFO (-1 off, default 0, max 2).", 0,
		"log-verbosity", "PLAST_LOG_VERBOSITY")

	common.ParseCmdFlagsCombiningWithEnv()

	if *showVersion {
		fmt.Println(common.GetVersion())
		os.Exit(0)
	}

	cfg := defaultSchedulerConfig()
	if *configPath != "" {
		if err := mergeTOMLConfig(*configPath, &cfg); err != nil {
			failedStart(err)
		}
	}
	applyFlagOverrides(&cfg, port, logFileName, logVerbosity)

	log, err := common.MakeLogger(cfg.LogFile, cfg.LogVerbosity)
	if err != nil {
		failedStart(err)
	}

	s := scheduler.New(log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info(0, "received shutdown signal")
		_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
		s.Quit()
	}()

	go func() {
		_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	}()

	if err := s.ListenAndServe(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Error("scheduler exited with error:", err)
		os.Exit(1)
	}
}
