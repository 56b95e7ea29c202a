package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/livetemplate/bioblocks/internal/config"
)

// tokenPlaceholder keeps the bearer token out of the written file. It is
// expanded from the environment when the config is loaded.
const tokenPlaceholder = "${BIOBLOCKS_TOKEN}"

func initCmd() *cobra.Command {
	var (
		owner    string
		storeURL string
		force    bool
	)

	cmd := cobra.Command{
		Use:   "init",
		Short: "Write a starter bioblocks.yaml",
		Long: `Write a config file with the defaults filled in.

The file goes to --config, or bioblocks.yaml in --dir. The store token is
read from $BIOBLOCKS_TOKEN at startup rather than written to disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = filepath.Join(dir, "bioblocks.yaml")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			cfg.Override(owner, tokenPlaceholder)
			cfg.Owner = cfg.EffectiveOwner()
			if storeURL != "" {
				cfg.Store.URL = storeURL
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			cmd.Printf("Wrote %s\n", path)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&owner, "owner", "o", "", "Profile owner (default $USER)")
	flags.StringVar(&storeURL, "store", "", "Block store URL (default http://localhost:8090)")
	flags.BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return &cmd
}
