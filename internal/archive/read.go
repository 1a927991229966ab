package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Read calls fn for every entry of the committed chunks in dir, in chunk
// order. Reading stops at the first error fn returns.
func Read(dir string, fn func(Entry) error) error {
	chunks, err := Chunks(dir)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := readChunk(c.Path, fn); err != nil {
			return err
		}
	}
	return nil
}

func readChunk(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening chunk: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("opening zstd stream %s: %w", filepath.Base(path), err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var e Entry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// ShardDirs returns root itself when it holds chunks, followed by every
// subdirectory of root that holds chunks, sorted by name.
func ShardDirs(root string) ([]string, error) {
	var out []string
	if chunks, err := Chunks(root); err != nil {
		return nil, err
	} else if len(chunks) > 0 {
		out = append(out, root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	var subdirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		chunks, err := Chunks(dir)
		if err != nil {
			return nil, err
		}
		if len(chunks) > 0 {
			subdirs = append(subdirs, dir)
		}
	}
	sort.Strings(subdirs)
	return append(out, subdirs...), nil
}

// ReadAll calls fn for every committed entry under root. See ShardDirs for
// which directories are read.
func ReadAll(root string, fn func(dir string, e Entry) error) error {
	dirs, err := ShardDirs(root)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := Read(dir, func(e Entry) error { return fn(dir, e) }); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of committed entries in dir.
func Count(dir string) (int, error) {
	n := 0
	err := Read(dir, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Merge copies every committed entry under srcRoot into a new archive in
// dst, committing every `every` entries (0 means only at the end). The
// destination directory is skipped if it lies under srcRoot. It returns the
// number of entries copied.
func Merge(ctx context.Context, srcRoot, dst, name string, every int, opts Options) (int, error) {
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return 0, err
	}
	w, err := Open(dst, name, opts)
	if err != nil {
		return 0, err
	}

	copied := 0
	err = ReadAll(srcRoot, func(dir string, e Entry) error {
		if abs, err := filepath.Abs(dir); err == nil && abs == dstAbs {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Add(e); err != nil {
			return err
		}
		copied++
		if every > 0 && copied%every == 0 {
			return w.Commit()
		}
		return nil
	})
	// Entries copied before a failure are still committed.
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return copied, err
}
