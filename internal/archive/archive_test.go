package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/codeharvest/internal/logging"
)

func entry(i int) Entry {
	return Entry{
		Text: fmt.Sprintf("package p%d\n\nfunc F() {}\n", i),
		Meta: Meta{
			RepoName:     "owner/repo",
			Stars:        42,
			RepoLanguage: "Go",
			FileName:     fmt.Sprintf("f%d.go", i),
			MimeType:     "text/plain",
		},
	}
}

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func readEntries(t *testing.T, dir string) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, Read(dir, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestWriter_CommitAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "github", Options{RunID: "run-1", Now: fixedClock(1700000000)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Add(entry(i)))
	}
	assert.Equal(t, 3, w.Pending())
	assert.FileExists(t, filepath.Join(dir, IncompleteChunk))
	assert.Empty(t, readEntries(t, dir), "uncommitted entries are not readable")

	require.NoError(t, w.Commit())
	assert.Equal(t, 0, w.Pending())
	assert.NoFileExists(t, filepath.Join(dir, IncompleteChunk))
	assert.FileExists(t, filepath.Join(dir, "data_0_time1700000000_github.jsonl.zst"))

	got := readEntries(t, dir)
	require.Len(t, got, 3)
	assert.Equal(t, entry(0), got[0])
	assert.Equal(t, entry(2), got[2])

	records, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "data_0_time1700000000_github.jsonl.zst", records[0].Chunk)
	assert.Equal(t, 3, records[0].Entries)
	assert.Equal(t, "run-1", records[0].RunID)
	assert.Len(t, records[0].XXH3, 16)

	info, err := os.Stat(filepath.Join(dir, records[0].Chunk))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), records[0].Bytes)

	require.NoError(t, w.Close())
}

func TestWriter_EmptyCommitIsNoop(t *testing.T) {
	dir := t.TempDir()
	var commits int
	w, err := Open(dir, "github", Options{OnCommit: func(ManifestRecord) { commits++ }})
	require.NoError(t, err)

	require.NoError(t, w.Commit())
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	chunks, err := Chunks(dir)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Zero(t, commits)
	assert.NoFileExists(t, filepath.Join(dir, ManifestFile))
}

func TestWriter_MultipleChunks(t *testing.T) {
	dir := t.TempDir()
	var committed []ManifestRecord
	w, err := Open(dir, "github", Options{
		Now:      fixedClock(100),
		OnCommit: func(r ManifestRecord) { committed = append(committed, r) },
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Add(entry(i)))
		if i%2 == 1 {
			require.NoError(t, w.Commit())
		}
	}
	require.NoError(t, w.Close())

	chunks, err := Chunks(dir)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, int64(100), c.Time.Unix())
	}
	require.Len(t, committed, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{committed[0].Entries, committed[1].Entries, committed[2].Entries})

	got := readEntries(t, dir)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, entry(i), e, "entries keep add order across chunks")
	}
}

func TestWriter_ReopenContinuesIndex(t *testing.T) {
	dir := t.TempDir()
	for run := 0; run < 2; run++ {
		w, err := Open(dir, "github", Options{Now: fixedClock(int64(run))})
		require.NoError(t, err)
		require.NoError(t, w.Add(entry(run)))
		require.NoError(t, w.Close())
	}

	chunks, err := Chunks(dir)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "data_0_time0_github.jsonl.zst", chunks[0].Name)
	assert.Equal(t, "data_1_time1_github.jsonl.zst", chunks[1].Name)
	assert.Len(t, readEntries(t, dir), 2)
}

func TestWriter_CrashLosesOnlyUncommitted(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "github", Options{})
	require.NoError(t, err)
	require.NoError(t, w.Add(entry(0)))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Add(entry(1)))
	// Simulate a crash: the writer is abandoned without Close.

	tl := logging.NewTestLogger()
	w2, err := Open(dir, "github", Options{Logger: tl.Logger})
	require.NoError(t, err)
	defer w2.Close()

	tl.AssertLogged(t, zapcore.WarnLevel, "discarding incomplete chunk from a previous run")
	assert.NoFileExists(t, filepath.Join(dir, IncompleteChunk))
	assert.Equal(t, []Entry{entry(0)}, readEntries(t, dir))
}

func TestWriter_Closed(t *testing.T) {
	w, err := Open(t.TempDir(), "github", Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.ErrorIs(t, w.Add(entry(0)), ErrClosed)
	assert.ErrorIs(t, w.Commit(), ErrClosed)
}

func TestWriter_ConcurrentAdd(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "shared", Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, w.Add(entry(g*100+i)))
				if i%10 == 0 {
					assert.NoError(t, w.Commit())
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	n, err := Count(dir)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(t.TempDir(), "bad/name", Options{})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Open(t.TempDir(), "github", Options{Level: "ultra"})
	assert.Error(t, err)

	for _, level := range []string{"fastest", "default", "better", "best", "BEST"} {
		w, err := Open(t.TempDir(), "github", Options{Level: level})
		require.NoError(t, err, level)
		require.NoError(t, w.Close())
	}
}

func TestWriter_EscapesNothingButJSON(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "github", Options{})
	require.NoError(t, err)
	e := Entry{Text: "<html>&amp; \"quoted\"\n\tünïcødé 世界", Meta: Meta{FileName: "index.html"}}
	require.NoError(t, w.Add(e))
	require.NoError(t, w.Close())
	assert.Equal(t, []Entry{e}, readEntries(t, dir))
}

func TestChunks_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"notes.txt", "data_x_time1_a.jsonl.zst", IncompleteChunk, ManifestFile, "data_10_time5_a.jsonl.zst", "data_2_time5_a.jsonl.zst"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	chunks, err := Chunks(dir)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[0].Index)
	assert.Equal(t, 10, chunks[1].Index, "indexes sort numerically")

	missing, err := Chunks(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestReadManifest_TruncatedTail(t *testing.T) {
	dir := t.TempDir()
	content := `{"chunk":"data_0_time1_a.jsonl.zst","entries":1,"bytes":10,"xxh3":"00","run_id":"r","committed_at":"2024-01-01T00:00:00Z"}` + "\n" + `{"chunk":"data_1_ti`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0o644))

	records, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "data_0_time1_a.jsonl.zst", records[0].Chunk)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("garbage\n{}\n"), 0o644))
	_, err = ReadManifest(dir)
	assert.Error(t, err, "corruption before the tail is an error")
}

func writeShard(t *testing.T, dir string, from, n int) {
	t.Helper()
	w, err := Open(dir, "github", Options{})
	require.NoError(t, err)
	for i := from; i < from+n; i++ {
		require.NoError(t, w.Add(entry(i)))
	}
	require.NoError(t, w.Close())
}

func TestReadAllAndMerge(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "shard-00"), 0, 3)
	writeShard(t, filepath.Join(root, "shard-01"), 3, 2)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	dirs, err := ShardDirs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "shard-00"), filepath.Join(root, "shard-01")}, dirs)

	perDir := map[string]int{}
	require.NoError(t, ReadAll(root, func(dir string, _ Entry) error {
		perDir[filepath.Base(dir)]++
		return nil
	}))
	assert.Equal(t, map[string]int{"shard-00": 3, "shard-01": 2}, perDir)

	dst := filepath.Join(t.TempDir(), "merged")
	n, err := Merge(context.Background(), root, dst, "merged", 2, Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	chunks, err := Chunks(dst)
	require.NoError(t, err)
	assert.Len(t, chunks, 3, "commits every 2 entries plus the remainder")
	assert.Len(t, readEntries(t, dst), 5)

	problems, err := Verify(dst)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestMerge_SkipsDestinationUnderSource(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "shard-00"), 0, 2)
	dst := filepath.Join(root, "merged")
	writeShard(t, dst, 100, 1)

	n, err := Merge(context.Background(), root, dst, "merged", 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := Count(dst)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMerge_Canceled(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "shard-00"), 0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Merge(ctx, root, t.TempDir(), "merged", 0, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "github", Options{Now: fixedClock(1)})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Add(entry(i)))
		require.NoError(t, w.Commit())
	}
	require.NoError(t, w.Close())

	problems, err := Verify(dir)
	require.NoError(t, err)
	assert.Empty(t, problems)

	// Corrupt chunk 0 without changing its size, drop chunk 1, and add a
	// committed-looking chunk the manifest does not know.
	p0 := filepath.Join(dir, "data_0_time1_github.jsonl.zst")
	data, err := os.ReadFile(p0)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p0, data, 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "data_1_time1_github.jsonl.zst")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data_9_time1_github.jsonl.zst"), []byte("x"), 0o644))

	problems, err = Verify(dir)
	require.NoError(t, err)
	require.Len(t, problems, 3)
	assert.Equal(t, "data_0_time1_github.jsonl.zst", problems[0].Chunk)
	assert.Contains(t, problems[0].Reason, "checksum")
	assert.Equal(t, Problem{Chunk: "data_1_time1_github.jsonl.zst", Reason: "missing"}, problems[1])
	assert.Equal(t, Problem{Chunk: "data_9_time1_github.jsonl.zst", Reason: "not in manifest"}, problems[2])
}
