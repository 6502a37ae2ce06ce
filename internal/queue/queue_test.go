package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alphacore/vmvalidate/internal/store"
	"github.com/alphacore/vmvalidate/pkg/types"
)

type fakeRunner struct {
	result *types.JobResult
	err    error
	delay  time.Duration
}

func (f *fakeRunner) RunOne(ctx context.Context, job *types.Job, logPath string) (*types.JobResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func newTestQueue(t *testing.T, runner Runner, queueSize int) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := New(Config{DataDir: t.TempDir(), QueueSize: queueSize}, st, runner)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx, 2)
	return q, st
}

func writeFakeZip(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "workspace.zip")
	if err := os.WriteFile(path, []byte("PK\x03\x04"), 0o644); err != nil {
		t.Fatalf("write fake zip: %v", err)
	}
	return path
}

func TestSubmit_PassingJob(t *testing.T) {
	runner := &fakeRunner{result: &types.JobResult{ReturnCode: 0, Summary: map[string]any{"status": "pass"}}}
	q, _ := newTestQueue(t, runner, 4)

	zip := writeFakeZip(t, t.TempDir())
	rec, err := q.Submit(context.Background(), SubmitParams{TaskID: "t1", WorkspaceZipPath: zip, TimeoutS: 5})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if rec.Phase != types.PhaseDone {
		t.Fatalf("Phase = %q, want done", rec.Phase)
	}
	if rec.Result == nil || rec.Result.Status() != "pass" {
		t.Fatalf("expected passing result, got %+v", rec.Result)
	}
}

func TestSubmit_NoWorkspace_BadSubmission(t *testing.T) {
	q, _ := newTestQueue(t, &fakeRunner{}, 4)

	_, err := q.Submit(context.Background(), SubmitParams{TaskID: "t1"})
	if err == nil {
		t.Fatalf("expected an error for missing workspace")
	}
	if _, ok := err.(*ErrBadSubmission); !ok {
		t.Fatalf("error type = %T, want *ErrBadSubmission", err)
	}
}

func TestSubmit_ArchiveEscape_FlaggedDistinctly(t *testing.T) {
	runner := &fakeRunner{}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	archiveRoot := t.TempDir()
	q := New(Config{DataDir: t.TempDir(), ArchiveRoot: archiveRoot, QueueSize: 4}, st, runner)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx, 2)

	zip := writeFakeZip(t, t.TempDir())
	_, err = q.Submit(context.Background(), SubmitParams{TaskID: "t1", WorkspaceZipPath: zip, TimeoutS: 5})
	if err == nil {
		t.Fatalf("expected an error for a path outside the archive root")
	}
	badSub, ok := err.(*ErrBadSubmission)
	if !ok {
		t.Fatalf("error type = %T, want *ErrBadSubmission", err)
	}
	if !badSub.ArchiveEscape {
		t.Fatalf("expected ArchiveEscape = true")
	}
}

func TestSubmit_MissingFile_BadSubmission(t *testing.T) {
	q, _ := newTestQueue(t, &fakeRunner{}, 4)

	_, err := q.Submit(context.Background(), SubmitParams{TaskID: "t1", WorkspaceZipPath: "/no/such/file.zip"})
	if err == nil {
		t.Fatalf("expected an error for nonexistent submission file")
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	runner := &fakeRunner{result: &types.JobResult{Summary: map[string]any{"status": "pass"}}, delay: 200 * time.Millisecond}
	q, _ := newTestQueue(t, runner, 1)

	dir := t.TempDir()
	zip1 := writeFakeZip(t, dir)

	// Occupy both dispatchers with slow jobs, then saturate the one-slot
	// channel before any of them has a chance to drain. Submit blocks until
	// its job finishes, so the extra submissions run concurrently.
	go func() {
		_, _ = q.Submit(context.Background(), SubmitParams{TaskID: "t1", WorkspaceZipPath: zip1, TimeoutS: 5})
	}()
	time.Sleep(20 * time.Millisecond)

	zip := filepath.Join(dir, "extra.zip")
	_ = os.WriteFile(zip, []byte("PK\x03\x04"), 0o644)
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := q.Submit(context.Background(), SubmitParams{TaskID: "t1", WorkspaceZipPath: zip, TimeoutS: 5})
			errs <- err
		}()
	}
	var lastErr error
	for i := 0; i < 5; i++ {
		if err := <-errs; err == ErrQueueFull {
			lastErr = err
		}
	}
	if lastErr != ErrQueueFull {
		t.Skip("queue did not saturate under test timing; dispatch loop drained faster than submissions arrived")
	}
}

func TestSubmit_PersistsSubmissionWithMetadata(t *testing.T) {
	runner := &fakeRunner{result: &types.JobResult{Summary: map[string]any{"status": "pass"}}}
	q, _ := newTestQueue(t, runner, 4)

	zip := writeFakeZip(t, t.TempDir())
	rec, err := q.Submit(context.Background(), SubmitParams{TaskID: "t2", MinerUID: "miner-1", WorkspaceZipPath: zip, TimeoutS: 5})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if rec.StoredSubmissionPath == "" {
		t.Fatalf("expected a stored submission path")
	}
	if _, err := os.Stat(rec.StoredSubmissionPath); err != nil {
		t.Fatalf("stored submission missing: %v", err)
	}
	if _, err := os.Stat(rec.StoredSubmissionPath + ".json"); err != nil {
		t.Fatalf("stored submission metadata missing: %v", err)
	}
}

func TestByTask_ReturnsMatchingJobs(t *testing.T) {
	runner := &fakeRunner{result: &types.JobResult{Summary: map[string]any{"status": "pass"}}}
	q, _ := newTestQueue(t, runner, 4)

	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		zip := writeFakeZip(t, dir)
		_, err := q.Submit(context.Background(), SubmitParams{TaskID: "shared", WorkspaceZipPath: zip, TimeoutS: 5})
		if err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}

	got := q.ByTask("shared")
	if len(got) != 2 {
		t.Fatalf("ByTask() returned %d jobs, want 2", len(got))
	}
}
