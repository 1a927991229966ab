package harvest

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/codeharvest/internal/events"
)

// WorkerState is the lifecycle state of one worker.
type WorkerState string

const (
	WorkerPending  WorkerState = "pending"
	WorkerRunning  WorkerState = "running"
	WorkerFinished WorkerState = "finished"
	WorkerFailed   WorkerState = "failed"
)

// WorkerStatus is a point in time view of one worker.
type WorkerStatus struct {
	Shard         int         `json:"shard"`
	State         WorkerState `json:"state"`
	Assigned      int         `json:"assigned"`
	Done          int         `json:"done"`
	Current       string      `json:"current,omitempty"`
	FilesAccepted int         `json:"files_accepted"`
	Commits       int         `json:"commits"`
	Error         string      `json:"error,omitempty"`
}

// Snapshot is a point in time view of a run.
type Snapshot struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Total         int            `json:"total"`
	Done          int            `json:"done"`
	Fetched       int            `json:"fetched"`
	FetchFailed   int            `json:"fetch_failed"`
	Interrupted   int            `json:"interrupted"`
	FilesSeen     int            `json:"files_seen"`
	FilesAccepted int            `json:"files_accepted"`
	BytesArchived int64          `json:"bytes_archived"`
	Commits       int            `json:"commits"`
	Workers       []WorkerStatus `json:"workers"`
	// Recent holds the last few finished repositories, newest first.
	Recent []events.RepoEvent `json:"recent"`
}

// Progress returns the finished fraction of the run, in [0, 1].
func (s Snapshot) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Total)
}

const recentEvents = 10

// Tracker aggregates run progress for the status server and dashboard. It is
// safe for concurrent use; the zero value is not usable, call NewTracker.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) start(runID string, shards []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = Snapshot{RunID: runID, StartedAt: t.now()}
	t.snap.Workers = make([]WorkerStatus, len(shards))
	for i, n := range shards {
		t.snap.Workers[i] = WorkerStatus{Shard: i, State: WorkerPending, Assigned: n}
		t.snap.Total += n
	}
}

func (t *Tracker) workerStarted(shard int) {
	t.update(shard, func(w *WorkerStatus) { w.State = WorkerRunning })
}

func (t *Tracker) repoStarted(shard int, repo string) {
	t.update(shard, func(w *WorkerStatus) { w.Current = repo })
}

func (t *Tracker) repoFinished(ev events.RepoEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.snap
	s.Done++
	switch ev.Status {
	case events.StatusFetched:
		s.Fetched++
	case events.StatusFetchFailed:
		s.FetchFailed++
	case events.StatusInterrupted:
		s.Interrupted++
	}
	s.FilesSeen += ev.FilesSeen
	s.FilesAccepted += ev.FilesAccepted
	s.BytesArchived += ev.Bytes

	if ev.Shard >= 0 && ev.Shard < len(s.Workers) {
		w := &s.Workers[ev.Shard]
		w.Done++
		w.Current = ""
		w.FilesAccepted += ev.FilesAccepted
	}

	s.Recent = append([]events.RepoEvent{ev}, s.Recent...)
	if len(s.Recent) > recentEvents {
		s.Recent = s.Recent[:recentEvents]
	}
}

func (t *Tracker) committed(shard int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Commits++
	if shard >= 0 && shard < len(t.snap.Workers) {
		t.snap.Workers[shard].Commits++
	}
}

func (t *Tracker) workerFinished(shard int, err error) {
	t.update(shard, func(w *WorkerStatus) {
		w.Current = ""
		if err != nil {
			w.State = WorkerFailed
			w.Error = err.Error()
			return
		}
		w.State = WorkerFinished
	})
}

func (t *Tracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.snap.FinishedAt = &now
}

func (t *Tracker) update(shard int, fn func(*WorkerStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if shard >= 0 && shard < len(t.snap.Workers) {
		fn(&t.snap.Workers[shard])
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.snap
	s.Workers = append([]WorkerStatus(nil), t.snap.Workers...)
	s.Recent = append([]events.RepoEvent(nil), t.snap.Recent...)
	if t.snap.FinishedAt != nil {
		f := *t.snap.FinishedAt
		s.FinishedAt = &f
	}
	return s
}
