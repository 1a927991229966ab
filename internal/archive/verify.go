package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"
)

// Problem is a chunk that does not match its manifest record.
type Problem struct {
	Chunk  string `json:"chunk"`
	Reason string `json:"reason"`
}

func (p Problem) String() string {
	return p.Chunk + ": " + p.Reason
}

// Verify recomputes the size and checksum of every chunk recorded in dir's
// manifest. It reports recorded chunks that are missing or differ, and
// committed chunks with no manifest record. An empty result means the
// directory is consistent.
func Verify(dir string) ([]Problem, error) {
	records, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	chunks, err := Chunks(dir)
	if err != nil {
		return nil, err
	}

	var problems []Problem
	recorded := make(map[string]bool, len(records))
	for _, rec := range records {
		recorded[rec.Chunk] = true

		size, sum, err := checksumFile(filepath.Join(dir, rec.Chunk))
		switch {
		case errors.Is(err, os.ErrNotExist):
			problems = append(problems, Problem{Chunk: rec.Chunk, Reason: "missing"})
			continue
		case err != nil:
			return nil, err
		}
		if size != rec.Bytes {
			problems = append(problems, Problem{
				Chunk:  rec.Chunk,
				Reason: fmt.Sprintf("size %d, manifest says %d", size, rec.Bytes),
			})
			continue
		}
		if got := formatChecksum(sum); got != rec.XXH3 {
			problems = append(problems, Problem{
				Chunk:  rec.Chunk,
				Reason: fmt.Sprintf("checksum %s, manifest says %s", got, rec.XXH3),
			})
		}
	}

	for _, c := range chunks {
		if !recorded[c.Name] {
			problems = append(problems, Problem{Chunk: c.Name, Reason: "not in manifest"})
		}
	}
	return problems, nil
}

func checksumFile(path string) (int64, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := xxh3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, fmt.Errorf("hashing %s: %w", filepath.Base(path), err)
	}
	return n, h.Sum64(), nil
}
