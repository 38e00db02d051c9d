package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"temerio/api/internal/config"
	"temerio/api/internal/search"
	"temerio/api/internal/store"
)

// NewSearchCommand groups search index maintenance.
func NewSearchCommand(opts *RootOptions, cfg config.Config) *cobra.Command {
	var meiliURL, meiliKey string

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Maintain the search index",
	}
	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch index from Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(meiliURL) == "" {
				return fmt.Errorf("meili url is required")
			}
			db, err := store.Open(cmd.Context(), opts.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			meili := search.NewMeili(meiliURL, meiliKey)
			defer meili.Close()
			if !meili.Healthy() {
				return fmt.Errorf("meilisearch at %s is not reachable", meiliURL)
			}
			search.NewService(meili, search.NewPgFTS(db)).ReindexAllFromPG(cmd.Context())

			p := newPrinter(opts, cmd.OutOrStdout())
			return p.emit(map[string]any{"reindexed": true}, func(w io.Writer) {
				p.line(w, "reindexed people and moments into %s", meiliURL)
			})
		},
	}
	reindex.Flags().StringVar(&meiliURL, "meili-url", cfg.MeiliURL, "Meilisearch URL")
	reindex.Flags().StringVar(&meiliKey, "meili-key", cfg.MeiliMasterKey, "Meilisearch master key")
	cmd.AddCommand(reindex)
	return cmd
}
