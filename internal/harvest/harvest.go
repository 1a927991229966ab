// Package harvest runs the fetch, select, classify and archive pipeline over
// a repository list with one worker per shard.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/codeharvest/internal/archive"
	"github.com/fyrsmithlabs/codeharvest/internal/classify"
	"github.com/fyrsmithlabs/codeharvest/internal/events"
	"github.com/fyrsmithlabs/codeharvest/internal/fetch"
	"github.com/fyrsmithlabs/codeharvest/internal/logging"
	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
	"github.com/fyrsmithlabs/codeharvest/internal/selector"
)

const (
	tracerName = "github.com/fyrsmithlabs/codeharvest/internal/harvest"

	// DefaultCommitEvery is how many repositories a worker processes between
	// archive commits.
	DefaultCommitEvery = 100

	// DefaultArchiveName is the name part of chunk file names.
	DefaultArchiveName = "default"
)

// Acquirer fetches one repository into a workspace. fetch.Fetcher is the
// production implementation.
type Acquirer interface {
	Acquire(ctx context.Context, rec repolist.Record) (*fetch.Workspace, error)
}

// FetcherFunc builds the Acquirer of one worker, rooted at its own
// workspace directory.
type FetcherFunc func(shard int, workspaceRoot string) (Acquirer, error)

// Options configures Run.
type Options struct {
	// Threads is the number of shards and workers. 0 means runtime.NumCPU.
	Threads int
	// Seed drives the shuffle in Order.
	Seed int64
	// CommitEvery defaults to DefaultCommitEvery.
	CommitEvery int

	WorkspaceRoot string
	OutputRoot    string

	// ArchiveName defaults to DefaultArchiveName.
	ArchiveName      string
	CompressionLevel string
	// SharedArchive writes every shard to a single writer in OutputRoot
	// instead of one writer per shard directory.
	SharedArchive bool

	NewFetcher FetcherFunc
	Selector   *selector.Selector
	Classifier *classify.Classifier

	// Optional.
	Publisher events.Publisher
	Tracker   *Tracker
	Metrics   *Metrics
	Tracer    trace.Tracer
	Logger    *logging.Logger
	RunID     string
}

func (o Options) withDefaults() (Options, error) {
	if o.NewFetcher == nil {
		return o, errors.New("harvest: NewFetcher is required")
	}
	if o.WorkspaceRoot == "" || o.OutputRoot == "" {
		return o, errors.New("harvest: workspace and output roots are required")
	}
	if o.Threads < 0 {
		return o, fmt.Errorf("%w, got %d", ErrInvalidThreads, o.Threads)
	}
	if o.Threads == 0 {
		o.Threads = runtime.NumCPU()
	}
	if o.CommitEvery <= 0 {
		o.CommitEvery = DefaultCommitEvery
	}
	if o.ArchiveName == "" {
		o.ArchiveName = DefaultArchiveName
	}
	if o.Selector == nil {
		o.Selector = selector.New()
	}
	if o.Classifier == nil {
		c, err := classify.New(classify.DefaultOptions())
		if err != nil {
			return o, err
		}
		o.Classifier = c
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
	if o.Tracker == nil {
		o.Tracker = NewTracker()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	return o, nil
}

// Summary totals a run.
type Summary struct {
	RunID         string        `json:"run_id"`
	Repositories  int           `json:"repositories"`
	Fetched       int           `json:"fetched"`
	FetchFailed   int           `json:"fetch_failed"`
	Interrupted   int           `json:"interrupted"`
	FilesSeen     int           `json:"files_seen"`
	FilesAccepted int           `json:"files_accepted"`
	BytesArchived int64         `json:"bytes_archived"`
	Commits       int           `json:"commits"`
	Threads       int           `json:"threads"`
	Duration      time.Duration `json:"duration"`
}

// ShardName is the directory name used for shard i.
func ShardName(i int) string {
	return fmt.Sprintf("shard-%02d", i)
}

// removeStaleShards deletes shard workspaces left behind by a process that
// exited without cleaning up. Other entries under root are left alone.
func removeStaleShards(ctx context.Context, root string, logger *logging.Logger) {
	stale, err := filepath.Glob(filepath.Join(root, "shard-[0-9][0-9]*"))
	if err != nil {
		return
	}
	for _, dir := range stale {
		if info, err := os.Lstat(dir); err != nil || !info.IsDir() {
			continue
		}
		logger.Warn(ctx, "removing stale shard workspace", zap.String("path", dir))
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn(ctx, "removing stale shard workspace", zap.String("path", dir), zap.Error(err))
		}
	}
}

// Run orders records, partitions them across Threads workers and processes
// every shard concurrently. Per-repository failures are counted, not
// returned. Run returns an error when a worker fails (archive I/O or a
// panic), and the context error when ctx is cancelled. In both cases every
// worker has released its workspace and committed what it archived.
func Run(ctx context.Context, records []repolist.Record, opts Options) (Summary, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return Summary{}, err
	}
	start := time.Now()

	shards, err := Partition(Order(records, opts.Seed), opts.Threads)
	if err != nil {
		return Summary{}, err
	}
	for _, dir := range []string{opts.WorkspaceRoot, opts.OutputRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Summary{}, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	removeStaleShards(ctx, opts.WorkspaceRoot, opts.Logger)

	ctx = logging.WithRunID(ctx, opts.RunID)
	ctx, span := opts.Tracer.Start(ctx, "harvest.run", trace.WithAttributes(
		attribute.String("run.id", opts.RunID),
		attribute.Int("repositories", len(records)),
		attribute.Int("threads", opts.Threads),
		attribute.Int64("seed", opts.Seed),
	))
	defer span.End()

	sizes := make([]int, len(shards))
	for i, s := range shards {
		sizes[i] = len(s)
	}
	opts.Tracker.start(opts.RunID, sizes)

	opts.Logger.Info(ctx, "harvest started",
		zap.Int("repositories", len(records)),
		zap.Int("threads", opts.Threads),
		zap.Int64("seed", opts.Seed),
		zap.String("output", opts.OutputRoot),
	)

	var shared *archive.Writer
	if opts.SharedArchive {
		shared, err = archive.Open(opts.OutputRoot, opts.ArchiveName, opts.archiveOptions(-1))
		if err != nil {
			return Summary{}, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		w := &worker{shard: i, records: shard, opts: &opts, writer: shared}
		g.Go(func() error { return w.run(gctx) })
	}
	err = g.Wait()

	if shared != nil {
		if cerr := shared.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	opts.Tracker.finish()

	snap := opts.Tracker.Snapshot()
	summary := Summary{
		RunID:         opts.RunID,
		Repositories:  snap.Done,
		Fetched:       snap.Fetched,
		FetchFailed:   snap.FetchFailed,
		Interrupted:   snap.Interrupted,
		FilesSeen:     snap.FilesSeen,
		FilesAccepted: snap.FilesAccepted,
		BytesArchived: snap.BytesArchived,
		Commits:       snap.Commits,
		Threads:       opts.Threads,
		Duration:      time.Since(start),
	}
	span.SetAttributes(
		attribute.Int("fetched", summary.Fetched),
		attribute.Int("fetch_failed", summary.FetchFailed),
		attribute.Int("files_accepted", summary.FilesAccepted),
	)

	if err == nil {
		err = ctx.Err()
	}
	fields := []zap.Field{
		zap.Int("repositories", summary.Repositories),
		zap.Int("fetched", summary.Fetched),
		zap.Int("fetch_failed", summary.FetchFailed),
		zap.Int("interrupted", summary.Interrupted),
		zap.Int("files_accepted", summary.FilesAccepted),
		zap.Int64("bytes_archived", summary.BytesArchived),
		zap.Int("commits", summary.Commits),
		zap.Duration("duration", summary.Duration),
	}
	switch {
	case errors.Is(err, context.Canceled):
		opts.Logger.Warn(ctx, "harvest interrupted", fields...)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		opts.Logger.Error(ctx, "harvest failed", append(fields, zap.Error(err))...)
	default:
		opts.Logger.Info(ctx, "harvest finished", fields...)
	}
	return summary, err
}

func (o *Options) archiveOptions(shard int) archive.Options {
	return archive.Options{
		Level:  o.CompressionLevel,
		RunID:  o.RunID,
		Logger: o.Logger,
		OnCommit: func(archive.ManifestRecord) {
			o.Metrics.RecordCommit()
			o.Tracker.committed(shard)
		},
	}
}

type worker struct {
	shard   int
	records []repolist.Record
	opts    *Options

	fetcher   Acquirer
	writer    *archive.Writer
	ownWriter bool
	logger    *logging.Logger
}

func (w *worker) run(ctx context.Context) (err error) {
	opts := w.opts
	ctx = logging.WithShard(ctx, w.shard)
	ctx, span := opts.Tracer.Start(ctx, "harvest.worker", trace.WithAttributes(
		attribute.Int("shard", w.shard),
		attribute.Int("assigned", len(w.records)),
	))
	defer span.End()

	w.logger = opts.Logger
	opts.Metrics.ActiveWorkers.Inc()
	opts.Tracker.workerStarted(w.shard)
	workspace := filepath.Join(opts.WorkspaceRoot, ShardName(w.shard))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d panicked: %v", w.shard, r)
			w.logger.Error(ctx, "worker panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		if cerr := w.finalCommit(); cerr != nil && err == nil {
			err = cerr
		}
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			w.logger.Warn(ctx, "removing shard workspace", zap.String("path", workspace), zap.Error(rmErr))
		}
		opts.Metrics.ActiveWorkers.Dec()
		opts.Tracker.workerFinished(w.shard, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	w.fetcher, err = opts.NewFetcher(w.shard, workspace)
	if err != nil {
		return fmt.Errorf("worker %d: creating fetcher: %w", w.shard, err)
	}
	if w.writer == nil {
		w.writer, err = archive.Open(filepath.Join(opts.OutputRoot, ShardName(w.shard)), opts.ArchiveName, opts.archiveOptions(w.shard))
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.shard, err)
		}
		w.ownWriter = true
	}

	sinceCommit := 0
	for _, rec := range w.records {
		if ctx.Err() != nil {
			break
		}
		if err := w.processRepo(ctx, rec); err != nil {
			return err
		}
		sinceCommit++
		if sinceCommit >= opts.CommitEvery {
			if err := w.writer.Commit(); err != nil {
				return fmt.Errorf("worker %d: %w", w.shard, err)
			}
			sinceCommit = 0
		}
	}
	return nil
}

// finalCommit runs on every worker exit, including cancellation and panics.
func (w *worker) finalCommit() error {
	if w.writer == nil {
		return nil
	}
	var err error
	if w.ownWriter {
		err = w.writer.Close()
	} else {
		err = w.writer.Commit()
	}
	if err != nil {
		return fmt.Errorf("worker %d: final commit: %w", w.shard, err)
	}
	return nil
}

// processRepo fetches, selects, classifies and archives one repository.
// Only archive errors are returned; everything else is recorded on the
// repository's event.
func (w *worker) processRepo(ctx context.Context, rec repolist.Record) error {
	opts := w.opts
	start := time.Now()

	ctx = logging.WithRepo(ctx, rec.Name)
	ctx, span := opts.Tracer.Start(ctx, "harvest.repository", trace.WithAttributes(
		attribute.String("repo", rec.Name),
		attribute.Int("stars", rec.Stars),
		attribute.String("language", rec.Language),
	))
	defer span.End()

	opts.Tracker.repoStarted(w.shard, rec.Name)
	ev := events.RepoEvent{
		RunID:    opts.RunID,
		Shard:    w.shard,
		Repo:     rec.Name,
		Stars:    rec.Stars,
		Language: rec.Language,
		Status:   events.StatusInterrupted,
	}
	defer func() { w.finishRepo(ctx, span, ev, start) }()

	fetchStart := time.Now()
	ws, err := w.fetcher.Acquire(ctx, rec)
	opts.Metrics.RecordFetch(time.Since(fetchStart).Seconds())
	if ws != nil {
		defer func() {
			if err := ws.Release(); err != nil {
				w.logger.Warn(ctx, "releasing workspace", zap.String("path", ws.Dir), zap.Error(err))
			}
		}()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		ev.Status = events.StatusFetchFailed
		ev.Error = err.Error()
		w.logger.Warn(ctx, "fetch failed", zap.Error(err))
		return nil
	}

	candidates, err := opts.Selector.Select(ctx, ws.Dir, rec)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		ev.Error = err.Error()
		w.logger.Warn(ctx, "selecting files", zap.Error(err))
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		ev.FilesSeen++
		res := opts.Classifier.Classify(ctx, c.AbsPath)
		if !res.Accepted() {
			opts.Metrics.RecordFile(res.Reason, 0)
			continue
		}

		entry := archive.Entry{
			Text: res.Text,
			Meta: archive.Meta{
				RepoName:     rec.Name,
				Stars:        rec.Stars,
				RepoLanguage: rec.Language,
				FileName:     c.Name,
				MimeType:     res.MIMEType,
			},
		}
		if err := w.writer.Add(entry); err != nil {
			return fmt.Errorf("worker %d: archiving %s/%s: %w", w.shard, rec.Name, c.RelPath, err)
		}
		ev.FilesAccepted++
		ev.Bytes += int64(len(res.Text))
		opts.Metrics.RecordFile(res.Reason, len(res.Text))
	}

	ev.Status = events.StatusFetched
	return nil
}

func (w *worker) finishRepo(ctx context.Context, span trace.Span, ev events.RepoEvent, start time.Time) {
	opts := w.opts
	elapsed := time.Since(start)
	ev.DurationMS = elapsed.Milliseconds()
	ev.Time = time.Now().UTC()

	opts.Tracker.repoFinished(ev)
	opts.Metrics.RecordRepository(ev.Status, elapsed.Seconds())

	span.SetAttributes(
		attribute.String("outcome", string(ev.Status)),
		attribute.Int("files", ev.FilesSeen),
		attribute.Int("accepted", ev.FilesAccepted),
	)
	if ev.Status == events.StatusFetchFailed {
		span.SetStatus(codes.Error, ev.Error)
	}

	// The event still goes out when the run is being cancelled.
	if err := opts.Publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		w.logger.Warn(ctx, "publishing repository event", zap.Error(err))
	}

	w.logger.Info(ctx, "repository processed",
		zap.String("outcome", string(ev.Status)),
		zap.Int("files_seen", ev.FilesSeen),
		zap.Int("files_accepted", ev.FilesAccepted),
		zap.Int64("bytes", ev.Bytes),
		zap.Duration("duration", elapsed),
	)
}
