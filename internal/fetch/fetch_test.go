package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/codeharvest/internal/config"
	"github.com/fyrsmithlabs/codeharvest/internal/logging"
	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
	"github.com/fyrsmithlabs/codeharvest/internal/retry"
)

// fakeCloner writes files into dir instead of talking to a remote. errs are
// returned by successive calls; once exhausted, calls succeed.
type fakeCloner struct {
	mu    sync.Mutex
	files map[string]string
	errs  []error
	calls []string
	auth  []transport.AuthMethod
	block bool
}

func (c *fakeCloner) Clone(ctx context.Context, url, dir string, auth transport.AuthMethod) error {
	c.mu.Lock()
	c.calls = append(c.calls, url)
	c.auth = append(c.auth, auth)
	var err error
	if len(c.errs) > 0 {
		err, c.errs = c.errs[0], c.errs[1:]
	}
	c.mu.Unlock()

	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}

	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	for name, body := range c.files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func newTestFetcher(t *testing.T, cloner Cloner, logger *logging.Logger) *Fetcher {
	t.Helper()
	provider, err := NewGitHubProvider("", "", "")
	require.NoError(t, err)
	f, err := New(Options{
		Root:     filepath.Join(t.TempDir(), "shard-00"),
		Provider: provider,
		Cloner:   cloner,
		Retry:    fastRetry(),
		Logger:   logger,
	})
	require.NoError(t, err)
	return f
}

func TestGitHubProvider_CloneURL(t *testing.T) {
	p, err := NewGitHubProvider("https://ghe.example.com/", "", "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "golang/go", want: "https://ghe.example.com/golang/go"},
		{name: "a-b/c.d", want: "https://ghe.example.com/a-b/c.d"},
		{name: "../etc", wantErr: true},
		{name: "nope", wantErr: true},
		{name: "a/b/c", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.CloneURL(repolist.Record{Name: tt.name})
			if tt.wantErr {
				assert.ErrorIs(t, err, repolist.ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewGitHubProvider_InvalidBase(t *testing.T) {
	_, err := NewGitHubProvider("github.com", "", "")
	assert.Error(t, err)
}

func TestGitHubProvider_Auth(t *testing.T) {
	anon, err := NewGitHubProvider("", "", "")
	require.NoError(t, err)
	assert.Nil(t, anon.Auth())
	assert.Equal(t, "github", anon.Name())

	authed, err := NewGitHubProvider("", "", config.Secret("ghp_token"))
	require.NoError(t, err)
	basic, ok := authed.Auth().(*githttp.BasicAuth)
	require.True(t, ok)
	assert.Equal(t, "x-access-token", basic.Username)
	assert.Equal(t, "ghp_token", basic.Password)
}

func TestAcquire_StripsVCSMetadata(t *testing.T) {
	cloner := &fakeCloner{files: map[string]string{"main.go": "package main\n", "pkg/a.go": "package pkg\n"}}
	f := newTestFetcher(t, cloner, nil)

	ws, err := f.Acquire(context.Background(), repolist.Record{Name: "golang/go"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.Root(), "golang__go"), ws.Dir)
	assert.Equal(t, []string{"https://github.com/golang/go"}, cloner.calls)

	assert.FileExists(t, filepath.Join(ws.Dir, "main.go"))
	assert.FileExists(t, filepath.Join(ws.Dir, "pkg", "a.go"))
	assert.NoDirExists(t, filepath.Join(ws.Dir, ".git"))

	require.NoError(t, ws.Release())
	assert.NoDirExists(t, ws.Dir)
	assert.NoError(t, ws.Release(), "second release is a no-op")
}

func TestAcquire_RemovesStaleWorkspace(t *testing.T) {
	f := newTestFetcher(t, &fakeCloner{files: map[string]string{"new.txt": "fresh"}}, nil)
	rec := repolist.Record{Name: "owner/repo"}

	stale := WorkspaceDir(f.Root(), rec)
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "old.txt"), []byte("left by a crash"), 0o644))

	ws, err := f.Acquire(context.Background(), rec)
	require.NoError(t, err)
	defer ws.Release()

	assert.NoFileExists(t, filepath.Join(ws.Dir, "old.txt"))
	assert.FileExists(t, filepath.Join(ws.Dir, "new.txt"))
}

func TestAcquire_OwnersDoNotCollide(t *testing.T) {
	f := newTestFetcher(t, &fakeCloner{}, nil)
	a, err := f.Acquire(context.Background(), repolist.Record{Name: "alice/utils"})
	require.NoError(t, err)
	b, err := f.Acquire(context.Background(), repolist.Record{Name: "bob/utils"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Dir, b.Dir)
}

func TestAcquire_InvalidName(t *testing.T) {
	cloner := &fakeCloner{}
	f := newTestFetcher(t, cloner, nil)

	ws, err := f.Acquire(context.Background(), repolist.Record{Name: "../../etc"})
	assert.ErrorIs(t, err, repolist.ErrInvalidName)
	assert.Nil(t, ws)
	assert.Empty(t, cloner.calls)
}

func TestAcquire_RetriesTransientErrors(t *testing.T) {
	tl := logging.NewTestLogger()
	cloner := &fakeCloner{
		files: map[string]string{"README.md": "# hi"},
		errs:  []error{errors.New("connection reset"), errors.New("502 bad gateway")},
	}
	f := newTestFetcher(t, cloner, tl.Logger)

	ws, err := f.Acquire(context.Background(), repolist.Record{Name: "a/b"})
	require.NoError(t, err)
	defer ws.Release()

	assert.Len(t, cloner.calls, 3)
	assert.FileExists(t, filepath.Join(ws.Dir, "README.md"))
	tl.AssertLogged(t, zapcore.InfoLevel, "retrying clone")
}

func TestAcquire_PermanentErrorNotRetried(t *testing.T) {
	cloner := &fakeCloner{errs: []error{classifyCloneError(transport.ErrRepositoryNotFound)}}
	f := newTestFetcher(t, cloner, nil)

	ws, err := f.Acquire(context.Background(), repolist.Record{Name: "gone/away"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
	assert.Len(t, cloner.calls, 1)

	require.NotNil(t, ws, "failed acquisitions still return a releasable workspace")
	assert.NoDirExists(t, filepath.Join(ws.Dir, ".git"))
	require.NoError(t, ws.Release())
	assert.NoDirExists(t, ws.Dir)
}

func TestAcquire_GivesUp(t *testing.T) {
	boom := errors.New("network down")
	cloner := &fakeCloner{errs: []error{boom, boom, boom, boom}}
	f := newTestFetcher(t, cloner, nil)

	ws, err := f.Acquire(context.Background(), repolist.Record{Name: "a/b"})
	require.Error(t, err)
	defer ws.Release()
	assert.ErrorIs(t, err, boom)
	assert.Len(t, cloner.calls, 3)
}

func TestAcquire_Canceled(t *testing.T) {
	f := newTestFetcher(t, &fakeCloner{block: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ws, err := f.Acquire(ctx, repolist.Record{Name: "a/b"})
	defer ws.Release()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_AttemptTimeout(t *testing.T) {
	cloner := &fakeCloner{block: true}
	f := newTestFetcher(t, cloner, nil)
	f.opts.Timeout = 5 * time.Millisecond

	ws, err := f.Acquire(context.Background(), repolist.Record{Name: "slow/repo"})
	defer ws.Release()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, cloner.calls, 3, "timeouts are retried")
}

func TestClassifyCloneError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"not found", transport.ErrRepositoryNotFound, true},
		{"empty", transport.ErrEmptyRemoteRepository, true},
		{"auth required", transport.ErrAuthenticationRequired, true},
		{"forbidden", transport.ErrAuthorizationFailed, true},
		{"network", errors.New("dial tcp: i/o timeout"), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyCloneError(tt.err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	provider, err := NewGitHubProvider("", "", "")
	require.NoError(t, err)
	_, err = New(Options{Root: t.TempDir()})
	assert.Error(t, err)

	f, err := New(Options{Root: filepath.Join(t.TempDir(), "nested", "root"), Provider: provider})
	require.NoError(t, err)
	assert.DirExists(t, f.Root())
}
