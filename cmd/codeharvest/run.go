package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/codeharvest/internal/classify"
	"github.com/fyrsmithlabs/codeharvest/internal/config"
	"github.com/fyrsmithlabs/codeharvest/internal/events"
	"github.com/fyrsmithlabs/codeharvest/internal/fetch"
	"github.com/fyrsmithlabs/codeharvest/internal/harvest"
	httpserver "github.com/fyrsmithlabs/codeharvest/internal/http"
	"github.com/fyrsmithlabs/codeharvest/internal/logging"
	"github.com/fyrsmithlabs/codeharvest/internal/monitor"
	"github.com/fyrsmithlabs/codeharvest/internal/quality"
	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
	"github.com/fyrsmithlabs/codeharvest/internal/retry"
	"github.com/fyrsmithlabs/codeharvest/internal/selector"
	"github.com/fyrsmithlabs/codeharvest/internal/telemetry"
)

// dashboardLogFile receives logs while the dashboard owns the terminal.
const dashboardLogFile = "codeharvest.log"

type runFlags struct {
	threads     int
	stars       int
	repos       string
	seed        int64
	workspace   string
	output      string
	commitEvery int
	shared      bool
	dashboard   bool
	serve       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch every listed repository and archive its text files",
		Long: `Run reads the repository list, drops repositories below --n_stars, shuffles
the rest with a fixed seed and splits them across --n_threads workers. Each
worker clones its repositories one at a time, archives the files that pass
classification, and commits its archive shard every --commit-every
repositories.

An interrupt stops new fetches, removes in-flight workspaces and commits what
was archived so far. A second interrupt exits immediately without that
cleanup; entries since the last commit are lost and leftover workspaces are
removed when the next run starts.

Examples:
  # Harvest with one worker per CPU
  codeharvest run --repos github_repositories.csv

  # Eight workers, repositories with at least 500 stars, live dashboard
  codeharvest run --n_threads 8 --n_stars 500 --dashboard`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			return runHarvest(cmd.Context(), cmd.OutOrStdout(), cfg, f)
		},
	}

	f.bind(cmd)
	return cmd
}

func (f *runFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVar(&f.threads, "n_threads", 0, "number of workers (0 = one per CPU)")
	fl.IntVar(&f.stars, "n_stars", -1, "keep repositories with at least this many stars (-1 = no filter)")
	fl.StringVar(&f.repos, "repos", "", "repository list CSV (default from config: github_repositories.csv)")
	fl.Int64Var(&f.seed, "seed", harvest.DefaultSeed, "shuffle seed")
	fl.StringVar(&f.workspace, "workspace", "", "workspace root for clones (default from config: .tmp)")
	fl.StringVar(&f.output, "output", "", "archive output root (default from config: github_data)")
	fl.IntVar(&f.commitEvery, "commit-every", harvest.DefaultCommitEvery, "repositories per archive commit")
	fl.BoolVar(&f.shared, "shared-archive", false, "write all workers to one archive instead of one per shard")
	fl.BoolVar(&f.dashboard, "dashboard", false, "show a live dashboard; logs go to a file")
	fl.BoolVar(&f.serve, "serve", false, "serve /health, /status and /metrics")
}

// apply overrides cfg with the flags that were set explicitly.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("n_threads") {
		cfg.Harvest.Threads = f.threads
	}
	if fl.Changed("n_stars") {
		cfg.Harvest.MinStars = f.stars
	}
	if fl.Changed("repos") {
		cfg.Harvest.RepoList = f.repos
	}
	if fl.Changed("seed") {
		cfg.Harvest.Seed = f.seed
	}
	if fl.Changed("workspace") {
		cfg.Harvest.WorkspaceRoot = f.workspace
	}
	if fl.Changed("output") {
		cfg.Harvest.OutputRoot = f.output
	}
	if fl.Changed("commit-every") {
		cfg.Harvest.CommitEvery = f.commitEvery
	}
	if f.serve {
		cfg.Server.Enabled = true
	}
	if f.dashboard {
		cfg.Logging.Stdout = false
		if cfg.Logging.File == "" {
			cfg.Logging.File = dashboardLogFile
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func runHarvest(ctx context.Context, out io.Writer, cfg *config.Config, f *runFlags) error {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(context.Background(), "telemetry shutdown", zap.Error(err))
		}
	}()
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", h.Reason))
	}

	records, err := repolist.ReadFile(ctx, cfg.Harvest.RepoList, logger)
	if err != nil {
		return err
	}
	records = repolist.FilterStars(records, cfg.Harvest.MinStars)

	classifier, err := newClassifier(cfg.Filter, logger)
	if err != nil {
		return err
	}
	newFetcher, err := fetcherFactory(cfg.Fetch, logger)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		p, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, cfg.Events.Timeout.Duration())
		if err != nil {
			return fmt.Errorf("connecting to event bus: %w", err)
		}
		publisher = p
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn(context.Background(), "closing event publisher", zap.Error(err))
		}
	}()

	tracker := harvest.NewTracker()

	if cfg.Server.Enabled {
		stop, err := startStatusServer(ctx, cfg.Server, tracker, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if f.dashboard {
		stop := startDashboard(runCtx, cancelRun, tracker, logger)
		defer stop()
	}

	summary, err := harvest.Run(runCtx, records, harvest.Options{
		Threads:          cfg.Harvest.Threads,
		Seed:             cfg.Harvest.Seed,
		CommitEvery:      cfg.Harvest.CommitEvery,
		WorkspaceRoot:    cfg.Harvest.WorkspaceRoot,
		OutputRoot:       cfg.Harvest.OutputRoot,
		CompressionLevel: cfg.Archive.CompressionLevel,
		SharedArchive:    f.shared,
		NewFetcher:       newFetcher,
		Selector:         selector.New(cfg.Filter.ExtraDeniedExtensions...),
		Classifier:       classifier,
		Publisher:        publisher,
		Tracker:          tracker,
		Metrics:          harvest.NewMetrics(),
		Tracer:           tel.Tracer("github.com/fyrsmithlabs/codeharvest/internal/harvest"),
		Logger:           logger,
	})
	printSummary(out, summary)

	if errors.Is(err, context.Canceled) {
		return errInterrupted
	}
	return err
}

func newClassifier(cfg config.FilterConfig, logger *logging.Logger) (*classify.Classifier, error) {
	filter, err := quality.NewFilter(cfg.MaxDigitFraction, cfg.MaxAvgLineLength)
	if err != nil {
		return nil, err
	}
	return classify.New(classify.Options{
		MinConfidence: cfg.MinConfidence,
		MaxFileBytes:  cfg.MaxFileBytes,
		Quality:       filter,
		Logger:        logger,
	})
}

// fetcherFactory builds one Fetcher per worker. The provider and the clone
// rate limiter are shared by all of them.
func fetcherFactory(cfg config.FetchConfig, logger *logging.Logger) (harvest.FetcherFunc, error) {
	provider, err := fetch.NewGitHubProvider(cfg.BaseURL, cfg.Username, cfg.Token)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	retryCfg := retry.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff.Duration(),
		MaxBackoff:     cfg.MaxBackoff.Duration(),
		Jitter:         retry.DefaultConfig().Jitter,
	}

	return func(shard int, root string) (harvest.Acquirer, error) {
		f, err := fetch.New(fetch.Options{
			Root:     root,
			Provider: provider,
			Cloner:   fetch.NewGitCloner(cfg.Depth),
			Retry:    retryCfg,
			Timeout:  cfg.Timeout.Duration(),
			Limiter:  limiter,
			Logger:   logger.With(zap.Int("shard", shard)),
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}, nil
}

func startStatusServer(ctx context.Context, cfg config.ServerConfig, tracker *harvest.Tracker, logger *logging.Logger) (func(), error) {
	server, err := httpserver.NewServer(tracker, logger, &httpserver.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, err
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error(ctx, "status server failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "status server shutdown", zap.Error(err))
		}
	}, nil
}

// startDashboard runs the dashboard until the returned stop is called.
// Quitting the dashboard cancels the run the way an interrupt does.
func startDashboard(ctx context.Context, cancelRun context.CancelFunc, tracker *harvest.Tracker, logger *logging.Logger) func() {
	p := tea.NewProgram(monitor.NewModel(monitor.TrackerSource{Tracker: tracker}, time.Second), tea.WithAltScreen())
	done := make(chan struct{})

	go func() {
		defer close(done)
		if _, err := p.Run(); err != nil {
			logger.Warn(ctx, "dashboard exited", zap.Error(err))
		}
		cancelRun()
	}()

	return func() {
		p.Quit()
		<-done
	}
}

func printSummary(w io.Writer, s harvest.Summary) {
	fmt.Fprintf(w, "run %s finished in %s\n", s.RunID, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  repositories: %d (fetched %d, failed %d, interrupted %d)\n",
		s.Repositories, s.Fetched, s.FetchFailed, s.Interrupted)
	fmt.Fprintf(w, "  files:        %d seen, %d archived\n", s.FilesSeen, s.FilesAccepted)
	fmt.Fprintf(w, "  archived:     %s in %d commits across %d workers\n",
		monitor.FormatBytes(s.BytesArchived), s.Commits, s.Threads)
}

