package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/livetemplate/bioblocks/internal/preview"
)

func previewCmd() *cobra.Command {
	var (
		owner  string
		token  string
		search string
		expand string
		html   bool
	)

	cmd := cobra.Command{
		Use:   "preview",
		Short: "Print the profile as visitors see it",
		Long: `Load the profile once and print its preview.

By default a plain-text outline is printed. With --html the standalone
page is written instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Override(owner, token)
			logger, err := setupLogger(cfg)
			if err != nil {
				return err
			}

			sess, err := newSession(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, sess.close()) }()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			start, err := sess.load(ctx, cfg, logger)
			if err == nil {
				err = start.blocks
			}
			if err != nil {
				return fmt.Errorf("failed to load profile: %w", err)
			}

			v := preview.Build(sess.coll.Snapshot().Blocks, start.theme, start.products, preview.Presentation{
				Search:   search,
				Expanded: expand,
			})
			if html {
				return preview.RenderPage(cmd.OutOrStdout(), v)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), preview.Text(v))
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&owner, "owner", "o", "", "Profile owner to preview")
	flags.StringVar(&token, "token", "", "Block store bearer token (overrides config)")
	flags.StringVarP(&search, "search", "s", "", "Filter storefront products")
	flags.StringVar(&expand, "expand", "", "Product id to show expanded")
	flags.BoolVar(&html, "html", false, "Write the standalone HTML page")

	return &cmd
}
