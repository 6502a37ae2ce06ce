package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alphacore/vmvalidate/internal/credentials"
	"github.com/alphacore/vmvalidate/internal/queue"
	"github.com/alphacore/vmvalidate/internal/store"
	"github.com/alphacore/vmvalidate/pkg/types"
)

// fakeRunner completes every job instantly with a passing result.
type fakeRunner struct{}

func (fakeRunner) RunOne(ctx context.Context, job *types.Job, logPath string) (*types.JobResult, error) {
	return &types.JobResult{ReturnCode: 0, Summary: map[string]any{"status": "pass", "score": 1.0}}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(queue.Config{DataDir: t.TempDir(), QueueSize: 4}, st, fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx, 2)

	creds := credentials.New(credentials.Config{EnvVar: "TEST_TOKEN_VAR"})
	t.Setenv("TEST_TOKEN_VAR", "test-token")
	if err := creds.Start(ctx); err != nil {
		t.Fatalf("creds.Start: %v", err)
	}
	t.Cleanup(creds.Stop)

	return New(Config{APIKey: ""}, q, nil, creds)
}

func TestHealth_ReportsReady(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitValidation_MissingWorkspace_BadRequest(t *testing.T) {
	s := newTestServer(t)

	body := `{"task_json": {"task_id": "t1"}, "timeout_s": 5}`
	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitValidation_Success(t *testing.T) {
	s := newTestServer(t)

	ws := t.TempDir() + "/workspace.zip"
	writeDummyFile(t, ws)

	body := `{"workspace_zip_path": "` + ws + `", "task_json": {"task_id": "t1"}, "timeout_s": 5}`
	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.echo.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("submitValidation timed out")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitValidation_TokenNotReady_ServiceUnavailable(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(queue.Config{DataDir: t.TempDir(), QueueSize: 4}, st, fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx, 2)

	// No EnvVar, CredsFile, or DevTokenSecret configured: Ready() stays false.
	creds := credentials.New(credentials.Config{})
	if err := creds.Start(ctx); err != nil {
		t.Fatalf("creds.Start: %v", err)
	}
	t.Cleanup(creds.Stop)

	s := New(Config{APIKey: ""}, q, nil, creds)

	ws := t.TempDir() + "/workspace.zip"
	writeDummyFile(t, ws)
	body := `{"workspace_zip_path": "` + ws + `", "task_json": {"task_id": "t1"}, "timeout_s": 5}`
	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitValidation_ArchiveEscape_Forbidden(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	archiveRoot := t.TempDir()
	q := queue.New(queue.Config{DataDir: t.TempDir(), ArchiveRoot: archiveRoot, QueueSize: 4}, st, fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx, 2)

	creds := credentials.New(credentials.Config{EnvVar: "TEST_TOKEN_VAR_ESCAPE"})
	t.Setenv("TEST_TOKEN_VAR_ESCAPE", "test-token")
	if err := creds.Start(ctx); err != nil {
		t.Fatalf("creds.Start: %v", err)
	}
	t.Cleanup(creds.Stop)

	s := New(Config{APIKey: ""}, q, nil, creds)

	// Outside archiveRoot entirely, so the path-escape check trips.
	ws := t.TempDir() + "/workspace.zip"
	writeDummyFile(t, ws)
	body := `{"workspace_zip_path": "` + ws + `", "task_json": {"task_id": "t1"}, "timeout_s": 5}`
	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body: %s", rec.Code, rec.Body.String())
	}
}

func TestListActive_EmptyInitially(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/validate/active", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/validate/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func writeDummyFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("PK\x03\x04"), 0o644); err != nil {
		t.Fatalf("write dummy workspace zip: %v", err)
	}
}
