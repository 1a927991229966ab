package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
)

type listFlags struct {
	query     string
	minStars  int
	languages []string
	max       int
	out       string
}

func newListCmd(root *rootOptions) *cobra.Command {
	f := &listFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Build the repository list from GitHub search",
		Long: `List queries the GitHub search API for repositories sorted by stars and writes
them as owner/name,stars,language rows, the input format of run.

A token (github.token or CODEHARVEST_GITHUB_TOKEN) raises the API rate limit.

Examples:
  # Top Go and Rust repositories with at least 1000 stars
  codeharvest list --min-stars 1000 --language Go --language Rust --out repos.csv

  # Exclude archived repositories
  codeharvest list --query archived:false --max 5000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("min-stars") {
				cfg.GitHub.MinStars = f.minStars
			}
			if fl.Changed("language") {
				cfg.GitHub.Languages = f.languages
			}
			if fl.Changed("max") {
				cfg.GitHub.MaxResults = f.max
			}
			out := cfg.Harvest.RepoList
			if f.out != "" {
				out = f.out
			}

			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx := cmd.Context()
			client, err := repolist.NewGitHubClient(ctx, cfg.GitHub.Token, cfg.GitHub.APIURL)
			if err != nil {
				return err
			}
			records, err := repolist.NewSearcher(client, cfg.GitHub.RequestsPerSecond, logger).Search(ctx, repolist.SearchOptions{
				Query:      f.query,
				MinStars:   cfg.GitHub.MinStars,
				Languages:  cfg.GitHub.Languages,
				MaxResults: cfg.GitHub.MaxResults,
			})
			if err != nil {
				return fmt.Errorf("searching repositories: %w", err)
			}
			if err := repolist.WriteFile(out, records); err != nil {
				return err
			}

			logger.Info(ctx, "repository list written", zap.String("path", out), zap.Int("repositories", len(records)))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d repositories to %s\n", len(records), out)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.query, "query", "", "extra search qualifiers")
	fl.IntVar(&f.minStars, "min-stars", 100, "minimum star count")
	fl.StringSliceVar(&f.languages, "language", nil, "primary language, repeatable (default: all languages)")
	fl.IntVar(&f.max, "max", 1000, "maximum repositories to list (0 = API cap per query)")
	fl.StringVar(&f.out, "out", "", "output CSV (default: harvest.repo_list)")
	return cmd
}
