package store

import (
	"testing"
	"time"

	"github.com/alphacore/vmvalidate/pkg/types"
)

func TestStore_InsertAndGet(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer st.Close()

	rec := &types.JobRecord{
		JobID:    "job-1",
		TaskID:   "task-1",
		MinerUID: "miner-1",
		Phase:    types.PhaseQueued,
		QueuedAt: time.Now().UTC(),
		LogPath:  "/tmp/job-1.log",
	}
	if err := st.InsertQueued(rec); err != nil {
		t.Fatalf("InsertQueued() error: %v", err)
	}

	got, err := st.Get("job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil {
		t.Fatalf("Get() = nil, want a record")
	}
	if got.TaskID != "task-1" {
		t.Fatalf("TaskID = %q, want task-1", got.TaskID)
	}
	if got.Phase != string(types.PhaseQueued) {
		t.Fatalf("Phase = %q, want %q", got.Phase, types.PhaseQueued)
	}
}

func TestStore_MarkRunningThenTerminal(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer st.Close()

	rec := &types.JobRecord{JobID: "job-2", TaskID: "task-2", QueuedAt: time.Now().UTC()}
	if err := st.InsertQueued(rec); err != nil {
		t.Fatalf("InsertQueued() error: %v", err)
	}

	startedAt := time.Now().UTC()
	if err := st.MarkRunning("job-2", startedAt); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}

	finishedAt := startedAt.Add(time.Second)
	result := &types.JobResult{ReturnCode: 0, Summary: map[string]any{"status": "pass", "score": 1.0}}
	if err := st.MarkTerminal("job-2", types.PhaseDone, finishedAt, result, ""); err != nil {
		t.Fatalf("MarkTerminal() error: %v", err)
	}

	got, err := st.Get("job-2")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Phase != string(types.PhaseDone) {
		t.Fatalf("Phase = %q, want %q", got.Phase, types.PhaseDone)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected both StartedAt and FinishedAt to be set")
	}
}

func TestStore_ByTask(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer st.Close()

	for _, id := range []string{"job-a", "job-b"} {
		rec := &types.JobRecord{JobID: id, TaskID: "shared-task", QueuedAt: time.Now().UTC()}
		if err := st.InsertQueued(rec); err != nil {
			t.Fatalf("InsertQueued(%s) error: %v", id, err)
		}
	}

	got, err := st.ByTask("shared-task")
	if err != nil {
		t.Fatalf("ByTask() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ByTask() returned %d records, want 2", len(got))
	}
}

func TestStore_UnsyncedEventsAndMarkSynced(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer st.Close()

	rec := &types.JobRecord{JobID: "job-3", TaskID: "task-3", QueuedAt: time.Now().UTC()}
	if err := st.InsertQueued(rec); err != nil {
		t.Fatalf("InsertQueued() error: %v", err)
	}

	events, err := st.UnsyncedEvents(10)
	if err != nil {
		t.Fatalf("UnsyncedEvents() error: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one unsynced event from InsertQueued")
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if err := st.MarkEventsSynced(ids); err != nil {
		t.Fatalf("MarkEventsSynced() error: %v", err)
	}

	remaining, err := st.UnsyncedEvents(10)
	if err != nil {
		t.Fatalf("UnsyncedEvents() second call error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no unsynced events after marking synced, got %d", len(remaining))
	}
}
