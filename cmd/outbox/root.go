package main

import (
	"fmt"
	"os"

	"intake/internal/config"
	"intake/internal/database"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
}

// newRootCmd builds the operator CLI for the notification outbox.
func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "outbox",
		Short:         "Inspect and repair the booking notification outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to config.yaml")

	root.AddCommand(newListCmd(opts))
	root.AddCommand(newRequeueCmd(opts))
	root.AddCommand(newPurgeCmd(opts))
	root.AddCommand(newExportCmd(opts))
	root.AddCommand(newBackupCmd(opts))
	return root
}

func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *options) open() (*config.Config, *database.DB, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	logger := zerolog.Nop()
	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}
