package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codeharvest/internal/archive"
	"github.com/fyrsmithlabs/codeharvest/internal/harvest"
)

// errStop ends an archive scan early.
var errStop = errors.New("stop")

func newMergeCmd(root *rootOptions) *cobra.Command {
	var (
		src   string
		dst   string
		name  string
		every int
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge all shard archives into a single archive directory",
		Long: `Merge reads every committed entry under --src (the run output root and its
shard directories) and rewrites them into one archive at --dst, committing
every --every entries. Source archives are left untouched.

Examples:
  codeharvest merge --src github_data --dst github_data/merged`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if src == "" {
				src = cfg.Harvest.OutputRoot
			}
			if dst == "" {
				dst = filepath.Join(src, "merged")
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Close()

			n, err := archive.Merge(cmd.Context(), src, dst, name, every, archive.Options{
				Level:  cfg.Archive.CompressionLevel,
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("merging %s: %w", src, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d entries into %s\n", n, dst)
			return nil
		},
	}
	cmd.Flags().StringVar(&src, "src", "", "source root (default: harvest.output_root)")
	cmd.Flags().StringVar(&dst, "dst", "", "destination directory (default: <src>/merged)")
	cmd.Flags().StringVar(&name, "name", harvest.DefaultArchiveName, "archive name for merged chunks")
	cmd.Flags().IntVar(&every, "every", 10000, "entries per merged chunk")
	return cmd
}

func newInspectCmd(root *rootOptions) *cobra.Command {
	var head int
	cmd := &cobra.Command{
		Use:   "inspect [dir]",
		Short: "Count archived entries per shard",
		Long: `Inspect lists every archive directory under dir (default: harvest.output_root)
with its chunk and entry counts. --head prints the metadata of the first
entries of each directory as JSON lines.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := archiveRoot(root, args)
			if err != nil {
				return err
			}
			dirs, err := archive.ShardDirs(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(dirs) == 0 {
				fmt.Fprintf(out, "no archives under %s\n", dir)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DIR\tCHUNKS\tENTRIES")
			total := 0
			for _, d := range dirs {
				chunks, err := archive.Chunks(d)
				if err != nil {
					return err
				}
				n, err := archive.Count(d)
				if err != nil {
					return fmt.Errorf("counting %s: %w", d, err)
				}
				total += n
				fmt.Fprintf(tw, "%s\t%d\t%d\n", d, len(chunks), n)
			}
			fmt.Fprintf(tw, "total\t\t%d\n", total)
			if err := tw.Flush(); err != nil {
				return err
			}

			if head <= 0 {
				return nil
			}
			enc := json.NewEncoder(out)
			for _, d := range dirs {
				seen := 0
				err := archive.Read(d, func(e archive.Entry) error {
					if seen == head {
						return errStop
					}
					seen++
					return enc.Encode(e.Meta)
				})
				if err != nil && !errors.Is(err, errStop) {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&head, "head", 0, "print metadata of the first N entries per directory")
	return cmd
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [dir]",
		Short: "Check committed chunks against the manifest",
		Long: `Verify checks every chunk under dir (default: harvest.output_root) against
the size and xxh3 checksum recorded in its directory's manifest, and reports
missing chunks and chunks the manifest does not know about.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := archiveRoot(root, args)
			if err != nil {
				return err
			}
			dirs, err := archive.ShardDirs(dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bad := 0
			for _, d := range dirs {
				problems, err := archive.Verify(d)
				if err != nil {
					return fmt.Errorf("verifying %s: %w", d, err)
				}
				for _, p := range problems {
					fmt.Fprintf(out, "%s: %s\n", d, p)
				}
				bad += len(problems)
			}
			if bad > 0 {
				return fmt.Errorf("%d problems in %d directories", bad, len(dirs))
			}
			fmt.Fprintf(out, "%d directories ok\n", len(dirs))
			return nil
		},
	}
}

func archiveRoot(root *rootOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Harvest.OutputRoot, nil
}
