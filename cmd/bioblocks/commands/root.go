// Package commands implements the bioblocks CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks/internal/config"
	"github.com/livetemplate/bioblocks/internal/log"
)

var (
	configPath string
	dir        string
	debug      bool
)

// Root returns the bioblocks command tree.
func Root() *cobra.Command {
	cmd := cobra.Command{
		Use:           "bioblocks",
		Short:         "Edit link-in-bio blocks with a live preview",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPostRun: func(*cobra.Command, []string) {
			log.Flush()
		},
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&configPath, "config", "c", "", "Path to the config file (default: bioblocks.yaml in --dir)")
	pflags.StringVar(&dir, "dir", ".", "Directory searched for bioblocks.yaml")
	pflags.BoolVar(&debug, "debug", false, "Log at debug level in console format")

	cmd.AddCommand(initCmd())
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(storeCmd())
	cmd.AddCommand(previewCmd())
	cmd.AddCommand(versionCmd())

	return &cmd
}

// loadConfig reads the config file named by --config, or the one in --dir.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the process logger and returns it.
func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := log.Set(debug || cfg.Server.Debug); err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log.Get(), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("bioblocks version %s\n", cmd.Root().Version)
		},
	}
}
