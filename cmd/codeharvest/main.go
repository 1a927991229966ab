// Package main implements the codeharvest CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codeharvest/internal/config"
	"github.com/fyrsmithlabs/codeharvest/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// exitInterrupted is the conventional status for a SIGINT-terminated process.
const exitInterrupted = 130

// errInterrupted marks a run that stopped because it was cancelled.
var errInterrupted = errors.New("interrupted")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %v, finishing in-flight work (send again to exit now)\n", sig)
		cancel()
		<-sigCh
		fmt.Fprintln(os.Stderr, "exiting without cleanup; the next run removes leftover workspaces")
		os.Exit(exitInterrupted)
	}()

	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInterrupted):
		fmt.Fprintln(stderr, "run interrupted; output is complete up to the last commit")
		return exitInterrupted
	default:
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
}

// rootOptions holds persistent flags shared by subcommands.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "codeharvest",
		Short: "Harvest source code from GitHub repositories into compressed archives",
		Long: `codeharvest clones a list of GitHub repositories, keeps the files that look
like human-written text, and appends them to zstd-compressed JSON Lines archives.

Configuration is read from defaults, an optional --config file (YAML or TOML),
CODEHARVEST_* environment variables and command-line flags, in increasing
order of precedence.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(versionString() + "\n")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (.yaml, .yml or .toml)")

	root.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newMergeCmd(opts),
		newInspectCmd(opts),
		newVerifyCmd(opts),
		newMonitorCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	return fmt.Sprintf("codeharvest by Fyrsmith Labs\nVersion:    %s\nCommit:     %s\nBuild Date: %s",
		version, gitCommit, buildDate)
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	lc, err := logging.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}
