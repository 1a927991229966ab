// Package selector walks a fetched repository and yields the files worth
// classifying.
package selector

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
)

// DeniedExtensions are extensions of binary, media, archive, lock and data
// files. Extensions are compared lowercase without the dot.
var DeniedExtensions = []string{
	"app", "bin", "bmp", "bz2", "class", "csv", "dat", "db", "dll", "dylib",
	"egg", "eot", "exe", "gif", "gitignore", "glif", "gradle", "gz", "ico",
	"jar", "jpeg", "jpg", "lo", "lock", "log", "mp3", "mp4", "nar", "o",
	"ogg", "otf", "p", "pdf", "png", "pickle", "pkl", "pyc", "pyd", "pyo",
	"rkt", "so", "ss", "svg", "tar", "tsv", "ttf", "war", "webm", "woff",
	"woff2", "xz", "zip", "zst",
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	".bzr":         true,
	"node_modules": true,
}

// Candidate is a file that passed name-based filtering.
type Candidate struct {
	AbsPath string
	RelPath string
	Name    string
	Repo    repolist.Record
}

// Selector applies the path rules. It is immutable and safe to share.
type Selector struct {
	denied map[string]bool
}

// New returns a selector that rejects DeniedExtensions plus extra. Entries
// in extra may carry a leading dot and may be comma separated.
func New(extra ...string) *Selector {
	denied := make(map[string]bool, len(DeniedExtensions)+len(extra))
	for _, ext := range DeniedExtensions {
		denied[ext] = true
	}
	for _, e := range extra {
		for _, ext := range strings.Split(e, ",") {
			ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
			if ext != "" {
				denied[ext] = true
			}
		}
	}
	return &Selector{denied: denied}
}

// Denied returns the effective denylist, sorted.
func (s *Selector) Denied() []string {
	out := make([]string, 0, len(s.denied))
	for ext := range s.denied {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Select lists every regular file under root that the rules keep. A symlink
// is returned only when it resolves to a regular file inside root; its
// AbsPath is then the resolved target. Symlinked directories are not
// descended into.
func (s *Selector) Select(ctx context.Context, root string, repo repolist.Record) ([]Candidate, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	var out []Candidate
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The root itself must be readable; unreadable subtrees are skipped.
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if !s.Keep(d.Name()) {
			return nil
		}
		abs := path
		if d.Type()&fs.ModeSymlink != 0 {
			target, ok := resolveInTree(realRoot, path)
			if !ok {
				return nil
			}
			abs = target
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, Candidate{
			AbsPath: abs,
			RelPath: filepath.ToSlash(rel),
			Name:    d.Name(),
			Repo:    repo,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return out, nil
}

// resolveInTree follows link and reports its target when that is a regular
// file under root and outside any skipped directory.
func resolveInTree(root, link string) (string, bool) {
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[part] {
			return "", false
		}
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return target, true
}

// Keep applies the file name rules.
func (s *Selector) Keep(name string) bool {
	switch {
	case name == "" || strings.HasPrefix(name, "."):
		return false
	case strings.Contains(name, "LICENSE"):
		return false
	case strings.Contains(name, ".min."):
		return false
	}
	if ext := Extension(name); ext != "" && s.denied[ext] {
		return false
	}
	return true
}

// Extension returns the lowercase text after the final dot, or "" when the
// name has no dot.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}
