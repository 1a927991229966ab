package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// ManifestFile lists the committed chunks of a directory, one JSON object
// per line.
const ManifestFile = "manifest.jsonl"

var chunkPattern = regexp.MustCompile(`^data_(\d+)_time(\d+)_(.+)\.jsonl\.zst$`)

// ManifestRecord describes one committed chunk.
type ManifestRecord struct {
	Chunk       string    `json:"chunk"`
	Entries     int       `json:"entries"`
	Bytes       int64     `json:"bytes"`
	XXH3        string    `json:"xxh3"`
	RunID       string    `json:"run_id"`
	CommittedAt time.Time `json:"committed_at"`
}

// Chunk is a committed chunk file found on disk.
type Chunk struct {
	Index int
	Time  time.Time
	Name  string
	Path  string
}

// Chunks lists the committed chunks in dir ordered by index. A missing dir
// has no chunks.
func Chunks(dir string) ([]Chunk, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}

	var out []Chunk
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := chunkPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		unix, _ := strconv.ParseInt(m[2], 10, 64)
		out = append(out, Chunk{
			Index: index,
			Time:  time.Unix(unix, 0).UTC(),
			Name:  e.Name(),
			Path:  filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func appendManifest(dir string, rec ManifestRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding manifest record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(dir, ManifestFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing manifest: %w", err)
	}
	return f.Close()
}

// ReadManifest returns the manifest records of dir in commit order. A
// truncated final line, left by a crash during the append, is ignored.
func ReadManifest(dir string) ([]ManifestRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	lines := bytes.Split(data, []byte("\n"))
	truncated := len(data) > 0 && data[len(data)-1] != '\n'

	var out []ManifestRecord
	for i, raw := range lines {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var rec ManifestRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			if truncated && i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("manifest line %d: %w", i+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func formatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
