package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"miner-uptime/config"
	"miner-uptime/core"
)

const lockFile = "uptime.lock"

var daemon bool
var startCmd = &cobra.Command{
	Use:          "start",
	Short:        "Start the scheduler",
	RunE:         startCmdF,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "run in background")
	RootCmd.RunE = startCmdF
}

func startCmdF(cmd *cobra.Command, args []string) error {
	if daemon {
		return runDaemon(cmd)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogger(cfg.Logger)

	interruptChan := make(chan os.Signal, 1)
	return runServer(cfg, interruptChan)
}

func runDaemon(cmd *cobra.Command) error {
	app, dir := getAppDir()

	bin := fmt.Sprintf("%s/%s", dir, app)
	command := exec.Command(bin, "start", "--config", getConfigPath(cmd))
	if err := command.Start(); err != nil {
		return fmt.Errorf("unable to start daemon: %w", err)
	}

	log.Infof("Server start, [PID] %d running...", command.Process.Pid)
	return os.WriteFile(fmt.Sprintf("%s/%s", dir, lockFile), []byte(fmt.Sprintf("%d", command.Process.Pid)), 0666)
}

func runServer(cfg *config.Config, interruptChan chan os.Signal) error {
	server := core.NewServer(cfg)
	defer server.Close()

	server.Start()

	// wait for kill signal before attempting to gracefully shutdown
	// the running service
	signal.Notify(interruptChan, syscall.SIGINT, syscall.SIGTERM)
	<-interruptChan
	log.Info("Shutting down")

	return nil
}

func initLogger(cfg *config.Logger) {
	if *cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.SetOutput(os.Stdout)
	if *cfg.Filename != "" {
		file, err := os.OpenFile(*cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Info("Failed to log to file, using default stdout")
		}
	}

	level, err := log.ParseLevel(*cfg.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", *cfg.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
