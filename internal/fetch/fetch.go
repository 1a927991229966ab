// Package fetch clones repositories into disposable workspaces.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/codeharvest/internal/logging"
	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
	"github.com/fyrsmithlabs/codeharvest/internal/retry"
)

// Options configures a Fetcher.
type Options struct {
	// Root is the directory workspaces are created under. Required.
	Root     string
	Provider Provider
	Cloner   Cloner
	Retry    retry.Config
	// Timeout bounds each clone attempt. 0 means no limit.
	Timeout time.Duration
	// Limiter paces clones. It may be shared between fetchers; nil is
	// unlimited.
	Limiter *rate.Limiter
	Logger  *logging.Logger
}

// Fetcher acquires workspaces for one worker.
type Fetcher struct {
	opts Options
}

// New validates opts and returns a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if opts.Root == "" {
		return nil, errors.New("fetch: root is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("fetch: provider is required")
	}
	if opts.Cloner == nil {
		opts.Cloner = NewGitCloner(1)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Fetcher{opts: opts}, nil
}

// Root returns the workspace root.
func (f *Fetcher) Root() string {
	return f.opts.Root
}

// Workspace is a fetched repository on local disk.
type Workspace struct {
	Dir    string
	Record repolist.Record

	once sync.Once
	err  error
}

// Release removes the workspace. It is safe to call more than once.
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		w.err = os.RemoveAll(w.Dir)
	})
	return w.err
}

// WorkspaceDir is where rec is cloned under root.
func WorkspaceDir(root string, rec repolist.Record) string {
	return filepath.Join(root, rec.Owner()+"__"+rec.Repo())
}

// Acquire clones rec into a fresh workspace.
//
// When the name is valid the returned Workspace is non-nil even if the clone
// failed, so callers can defer Release right away. The workspace then holds
// whatever the failed clone left behind, minus VCS metadata.
func (f *Fetcher) Acquire(ctx context.Context, rec repolist.Record) (*Workspace, error) {
	url, err := f.opts.Provider.CloneURL(rec)
	if err != nil {
		return nil, err
	}

	ws := &Workspace{Dir: WorkspaceDir(f.opts.Root, rec), Record: rec}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return ws, fmt.Errorf("removing stale workspace: %w", err)
	}

	err = f.clone(ctx, url, ws.Dir)

	// Selection never sees VCS metadata, even after a partial clone.
	if rmErr := os.RemoveAll(filepath.Join(ws.Dir, ".git")); rmErr != nil && err == nil {
		err = fmt.Errorf("removing VCS metadata: %w", rmErr)
	}
	if err != nil {
		return ws, fmt.Errorf("fetching %s: %w", rec.Name, err)
	}
	return ws, nil
}

func (f *Fetcher) clone(ctx context.Context, url, dir string) error {
	logger := f.opts.Logger
	return retry.Do(ctx, f.opts.Retry, func(ctx context.Context) error {
		if f.opts.Limiter != nil {
			if err := f.opts.Limiter.Wait(ctx); err != nil {
				// Wait fails early when the deadline is closer than the next
				// token; report the context error then.
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return retry.Permanent(err)
			}
		}
		// Partial output from a failed attempt would make the next clone
		// fail with ErrRepositoryAlreadyExists.
		if err := os.RemoveAll(dir); err != nil {
			return retry.Permanent(err)
		}

		attemptCtx := ctx
		if f.opts.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
			defer cancel()
		}
		err := f.opts.Cloner.Clone(attemptCtx, url, dir, f.opts.Provider.Auth())
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			// The attempt timed out, not the run. Worth another try.
			return fmt.Errorf("clone timed out after %s: %w", f.opts.Timeout, ErrTimeout)
		}
		return err
	}, func(attempt int, backoff time.Duration, err error) {
		logger.Info(ctx, "retrying clone",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
	})
}

// ErrTimeout is wrapped by attempts that hit Options.Timeout.
var ErrTimeout = errors.New("clone timeout")

