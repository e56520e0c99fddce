package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"miner-uptime/config"
	"miner-uptime/util"
)

func getAppDir() (string, string) {
	app := filepath.Base(strings.TrimLeft(os.Args[0], "./"))
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		log.Panic(err)
	}
	return app, dir
}

func getConfigPath(command *cobra.Command) string {
	configPath, _ := command.Flags().GetString("config")

	if configPath == "" {
		configPath = "config.json"
	}

	return configPath
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configsPath := getConfigPath(cmd)

	raw, err := os.ReadFile(configsPath)
	if err != nil {
		return nil, fmt.Errorf("Unable to open configs file at %q: %w", configsPath, err)
	}

	var cfg config.Config
	if err := util.UnmarshalJSON(raw, &cfg); err != nil {
		return nil, fmt.Errorf("Unable to decode configs configuration: %w", err)
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}
