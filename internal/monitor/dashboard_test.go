package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codeharvest/internal/events"
	"github.com/fyrsmithlabs/codeharvest/internal/harvest"
)

type stubSource struct {
	snap harvest.Snapshot
	err  error
}

func (s stubSource) Fetch(context.Context) (harvest.Snapshot, error) { return s.snap, s.err }
func (stubSource) Describe() string { return "stub" }

func TestNewModel(t *testing.T) {
	model := NewModel(stubSource{}, 5*time.Second)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)

	assert.Equal(t, time.Second, NewModel(stubSource{}, 0).interval)
}

func TestModel_Init(t *testing.T) {
	assert.NotNil(t, NewModel(stubSource{}, time.Second).Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	updated, cmd := NewModel(stubSource{}, time.Second).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.View())
}

func TestModel_Update_RefreshKeyFetches(t *testing.T) {
	src := stubSource{snap: harvest.Snapshot{RunID: "run-1", Total: 3}}
	_, cmd := NewModel(src, time.Second).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	require.NotNil(t, cmd)

	msg, ok := cmd().(snapshotMsg)
	require.True(t, ok)
	assert.Equal(t, "run-1", msg.snap.RunID)
}

func TestModel_Update_TickMsg(t *testing.T) {
	updated, cmd := NewModel(stubSource{}, time.Second).Update(tickMsg(time.Now()))
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_SnapshotRates(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	model := NewModel(stubSource{}, time.Second)

	updated, cmd := model.Update(snapshotMsg{
		snap: harvest.Snapshot{RunID: "run-1", Done: 10, BytesArchived: 1000},
		at:   start,
	})
	assert.Nil(t, cmd)
	m := updated.(Model)
	assert.Empty(t, m.repoHistory, "first sample has no rate")

	updated, _ = m.Update(snapshotMsg{
		snap: harvest.Snapshot{RunID: "run-1", Done: 40, BytesArchived: 7000},
		at:   start.Add(30 * time.Second),
	})
	m = updated.(Model)
	assert.InDelta(t, 60.0, m.repoRate, 1e-9)
	assert.InDelta(t, 12000.0, m.byteRate, 1e-9)
	assert.Equal(t, []float64{60}, m.repoHistory)
	assert.Equal(t, start.Add(30*time.Second), m.lastUpdate)

	// A new run resets the baseline.
	updated, _ = m.Update(snapshotMsg{
		snap: harvest.Snapshot{RunID: "run-2", Done: 1},
		at:   start.Add(time.Minute),
	})
	assert.Len(t, updated.(Model).repoHistory, 1)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	src := stubSource{err: errors.New("connection refused")}
	msg := fetchSnapshot(src)()

	updated, cmd := NewModel(src, time.Second).Update(msg)
	m := updated.(Model)
	require.Error(t, m.err)
	assert.Contains(t, m.err.Error(), "connection refused")
	assert.Nil(t, cmd)

	view := m.View()
	assert.Contains(t, view, "Cannot read run status")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, "stub")
	assert.Contains(t, view, "[q] quit  [r] retry")
}

func TestAppendToHistory_Bounded(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}

func TestModel_View_WithSnapshot(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	model := NewModel(stubSource{}, 2*time.Second)
	model.snap = harvest.Snapshot{
		RunID:         "7f3c9a1e-0000",
		StartedAt:     started,
		Total:         4,
		Done:          2,
		Fetched:       1,
		FetchFailed:   1,
		FilesSeen:     10,
		FilesAccepted: 4,
		BytesArchived: 2048,
		Commits:       3,
		Workers: []harvest.WorkerStatus{
			{Shard: 0, State: harvest.WorkerRunning, Assigned: 2, Done: 1, Current: "octo/cat"},
			{Shard: 1, State: harvest.WorkerFailed, Assigned: 2, Done: 1, Error: "disk full"},
		},
		Recent: []events.RepoEvent{
			{Repo: "octo/dog", Status: events.StatusFetched, FilesSeen: 10, FilesAccepted: 4, Bytes: 2048},
		},
	}
	model.lastUpdate = started.Add(90 * time.Second)

	view := model.View()

	assert.Contains(t, view, "codeharvest Monitor")
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "7f3c9a1…")
	assert.Contains(t, view, "1m 30s")
	assert.Contains(t, view, "12:01:30")
	assert.Contains(t, view, "2/4")
	assert.Contains(t, view, "40.0%")
	assert.Contains(t, view, "2.0 KB")
	assert.Contains(t, view, "shard-00")
	assert.Contains(t, view, "octo/cat")
	assert.Contains(t, view, "disk full")
	assert.Contains(t, view, "octo/dog")
	assert.Contains(t, view, "4/10 files, 2.0 KB")
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "Auto: 2s")
}

func TestModel_View_Finished(t *testing.T) {
	model := NewModel(stubSource{}, time.Second)
	done := time.Now()
	model.snap = harvest.Snapshot{RunID: "r", StartedAt: done.Add(-time.Minute), Total: 2, Done: 2, FinishedAt: &done}
	assert.Contains(t, model.View(), "DONE")

	model.snap.Done = 1
	assert.Contains(t, model.View(), "STOPPED")
}

func TestModel_View_NoData(t *testing.T) {
	view := NewModel(stubSource{}, time.Second).View()
	assert.Contains(t, view, "codeharvest Monitor")
	assert.Contains(t, view, "WAITING")
	assert.Contains(t, view, "no data")
}
