// Package archive writes harvested files as zstd compressed JSON lines
// chunks in the lm_dataformat layout.
//
// A shard directory holds committed chunks named
//
//	data_<index>_time<unix>_<name>.jsonl.zst
//
// plus at most one in-progress chunk, current_chunk_incomplete, and a
// manifest.jsonl with one record per committed chunk. Only committed chunks
// are ever read back.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeharvest/internal/logging"
)

const (
	// IncompleteChunk is the file an uncommitted chunk is written to.
	IncompleteChunk = "current_chunk_incomplete"

	bufferSize = 1 << 20
)

var (
	// ErrClosed is returned by Add and Commit after Close.
	ErrClosed = errors.New("archive: writer closed")

	// ErrInvalidName is returned for archive names that cannot be part of a
	// chunk file name.
	ErrInvalidName = errors.New("archive: invalid name")

	validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Meta is the metadata stored with each file.
type Meta struct {
	RepoName     string `json:"repo_name"`
	Stars        int    `json:"stars"`
	RepoLanguage string `json:"repo_language"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
}

// Entry is one archived file.
type Entry struct {
	Text string `json:"text"`
	Meta Meta   `json:"meta"`
}

// Options configures a Writer.
type Options struct {
	// Level is one of fastest, default, better or best. Empty means default.
	Level string

	// RunID is recorded in the manifest. Empty generates one.
	RunID string

	// OnCommit, when set, is called after each chunk is durably committed.
	// It runs with the writer lock held and must not call the writer.
	OnCommit func(ManifestRecord)

	Logger *logging.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Writer appends entries to chunks in one directory. Methods are safe for
// concurrent use.
type Writer struct {
	mu sync.Mutex

	dir   string
	name  string
	level zstd.EncoderLevel
	opts  Options

	next int // index of the next chunk to commit

	f       *os.File
	bw      *bufio.Writer
	zw      *zstd.Encoder
	enc     *json.Encoder
	hasher  hash.Hash64
	written *countingWriter
	pending int

	closed bool
}

// Open prepares a writer for dir, creating it if needed. Chunk indexes
// continue after the highest committed chunk already in dir. A leftover
// incomplete chunk from an earlier crash is discarded.
func Open(dir, name string, opts Options) (*Writer, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if opts.Level == "" {
		opts.Level = "default"
	}
	ok, level := zstd.EncoderLevelFromString(strings.ToLower(opts.Level))
	if !ok {
		return nil, fmt.Errorf("archive: unknown compression level %q", opts.Level)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	stale := filepath.Join(dir, IncompleteChunk)
	if info, err := os.Stat(stale); err == nil {
		opts.Logger.Warn(context.Background(), "discarding incomplete chunk from a previous run",
			zap.String("path", stale),
			zap.Int64("bytes", info.Size()),
		)
		if err := os.Remove(stale); err != nil {
			return nil, fmt.Errorf("removing incomplete chunk: %w", err)
		}
	}

	chunks, err := Chunks(dir)
	if err != nil {
		return nil, err
	}
	next := 0
	if n := len(chunks); n > 0 {
		next = chunks[n-1].Index + 1
	}

	return &Writer{
		dir:   dir,
		name:  name,
		level: level,
		opts:  opts,
		next:  next,
	}, nil
}

// Dir returns the directory the writer commits to.
func (w *Writer) Dir() string {
	return w.dir
}

// RunID returns the id recorded in manifest records.
func (w *Writer) RunID() string {
	return w.opts.RunID
}

// Pending returns the number of entries added since the last commit.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Add appends e to the incomplete chunk. The entry is not durable until the
// next Commit.
func (w *Writer) Add(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.f == nil {
		if err := w.startChunk(); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	w.pending++
	return nil
}

func (w *Writer) startChunk() error {
	f, err := os.OpenFile(filepath.Join(w.dir, IncompleteChunk), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating chunk: %w", err)
	}
	w.hasher = xxh3.New()
	w.written = &countingWriter{}
	w.bw = bufio.NewWriterSize(io.MultiWriter(f, w.hasher, w.written), bufferSize)

	zw, err := zstd.NewWriter(w.bw, zstd.WithEncoderLevel(w.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		f.Close()
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)

	w.f, w.zw, w.enc = f, zw, enc
	return nil
}

// Commit makes every entry added so far durable: the chunk is finished,
// synced, renamed to its final name and recorded in the manifest.
// Committing with nothing pending does nothing.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.commitLocked()
}

func (w *Writer) commitLocked() error {
	if w.f == nil || w.pending == 0 {
		return nil
	}

	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("finishing zstd frame: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flushing chunk: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing chunk: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("closing chunk: %w", err)
	}

	now := w.opts.Now()
	final := chunkName(w.next, now.Unix(), w.name)
	if err := os.Rename(filepath.Join(w.dir, IncompleteChunk), filepath.Join(w.dir, final)); err != nil {
		return fmt.Errorf("renaming chunk: %w", err)
	}
	if err := syncDir(w.dir); err != nil {
		return err
	}

	rec := ManifestRecord{
		Chunk:       final,
		Entries:     w.pending,
		Bytes:       w.written.n,
		XXH3:        formatChecksum(w.hasher.Sum64()),
		RunID:       w.opts.RunID,
		CommittedAt: now.UTC(),
	}
	if err := appendManifest(w.dir, rec); err != nil {
		return err
	}

	w.opts.Logger.Debug(context.Background(), "chunk committed",
		zap.String("chunk", final),
		zap.Int("entries", rec.Entries),
		zap.Int64("bytes", rec.Bytes),
	)

	w.next++
	w.f, w.bw, w.zw, w.enc, w.hasher, w.written = nil, nil, nil, nil, nil, nil
	w.pending = 0

	if w.opts.OnCommit != nil {
		w.opts.OnCommit(rec)
	}
	return nil
}

// Close commits pending entries and releases the writer. Later calls
// return nil.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	err := w.commitLocked()
	if w.f != nil {
		// Only reached when the commit failed or nothing was encoded.
		_ = w.zw.Close()
		_ = w.f.Close()
		w.f = nil
	}
	return err
}

func chunkName(index int, unix int64, name string) string {
	return fmt.Sprintf("data_%d_time%d_%s.jsonl.zst", index, unix, name)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening archive directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing archive directory: %w", err)
	}
	return nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
