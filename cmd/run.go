package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"miner-uptime/core"
)

var runPool string
var runCmd = &cobra.Command{
	Use:          "run <poll|liveness|reminders|push|inapp>",
	Short:        "Run a single pass once and exit",
	Args:         cobra.ExactArgs(1),
	RunE:         runCmdF,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runPool, "pool", "p", "", "pool to poll, required for the poll pass")
}

func runCmdF(cmd *cobra.Command, args []string) error {
	pass := args[0]
	if pass == core.PassPoll && runPool == "" {
		return fmt.Errorf("the poll pass needs --pool")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogger(cfg.Logger)
	if pass == core.PassPoll {
		pc := cfg.Poller.Find(runPool)
		if pc == nil {
			return fmt.Errorf("pool %q is not configured", runPool)
		}
		if !*pc.Enabled {
			return fmt.Errorf("pool %q is disabled", runPool)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := core.NewServer(cfg)
	defer server.Close()

	return server.RunOnce(ctx, pass, runPool)
}
