package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"miner-uptime/core"
)

var migrateCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Create tables and indexes",
	RunE:         migrateCmdF,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}

func migrateCmdF(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogger(cfg.Logger)

	pg := core.NewPostgres(cfg.Postgres)
	defer pg.Close()

	if err := pg.Migrate(context.Background()); err != nil {
		return err
	}
	log.Info("Migration finished")
	return nil
}
