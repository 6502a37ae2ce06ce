// Package queue implements the Job Queue & Record Store: it admits
// submissions, persists them for audit, dispatches them to a runner, and
// exposes their lifecycle state to the HTTP boundary.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alphacore/vmvalidate/internal/metrics"
	"github.com/alphacore/vmvalidate/internal/store"
	"github.com/alphacore/vmvalidate/pkg/types"
)

// ArchiveMirror is the collaborator that copies a finished job's submission
// and log to durable off-host storage. Optional; nil disables mirroring.
type ArchiveMirror interface {
	MirrorJob(ctx context.Context, jobID, submissionPath, logPath string) error
}

// ErrQueueFull is returned by Submit when the bounded dispatch channel has
// no free slot. Callers should surface this as a retryable error.
var ErrQueueFull = fmt.Errorf("queue: full")

// ErrBadSubmission is returned for malformed submissions (missing file,
// path escaping the archive root). ArchiveEscape distinguishes the latter,
// which §6.1 maps to 403 rather than 400.
type ErrBadSubmission struct {
	Reason        string
	ArchiveEscape bool
}

func (e *ErrBadSubmission) Error() string { return "queue: bad submission: " + e.Reason }

// Runner is the collaborator that actually executes an admitted job. The
// worker pool implements this.
type Runner interface {
	RunOne(ctx context.Context, job *types.Job, logPath string) (*types.JobResult, error)
}

// Config configures a Queue.
type Config struct {
	DataDir     string // root for logs/ and submissions/
	ArchiveRoot string // zip paths must resolve beneath this; empty disables the check
	QueueSize   int
}

// pending is the bookkeeping the queue keeps for one admitted job beyond
// what's in the audit store — specifically the one-shot result channel and
// the in-memory fields HTTP lookups read without hitting SQLite.
type pending struct {
	record *types.JobRecord
	job    *types.Job
	done   chan struct{}
	mu     sync.Mutex
}

// Queue is the bounded FIFO admission/dispatch/record component.
type Queue struct {
	cfg    Config
	store  *store.Store
	runner Runner
	mirror ArchiveMirror

	ch chan string // job ids awaiting dispatch

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a Queue backed by the given audit store and runner.
func New(cfg Config, st *store.Store, runner Runner) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	q := &Queue{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		ch:      make(chan string, cfg.QueueSize),
		pending: make(map[string]*pending),
	}
	return q
}

// SetArchiveMirror wires an optional off-host archive mirror. Every job
// dispatched after this call mirrors its submission and log on completion,
// in a detached goroutine so mirroring latency never blocks a caller
// awaiting Submit.
func (q *Queue) SetArchiveMirror(m ArchiveMirror) {
	q.mirror = m
}

// Start spawns the dispatch loop that pulls admitted job ids and invokes
// the runner. dispatchers goroutines pull concurrently; the runner itself
// (the worker pool) is what actually bounds concurrency.
func (q *Queue) Start(ctx context.Context, dispatchers int) {
	if dispatchers <= 0 {
		dispatchers = 1
	}
	for i := 0; i < dispatchers; i++ {
		go q.dispatchLoop(ctx)
	}
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	for {
		select {
		case jobID, ok := <-q.ch:
			if !ok {
				return
			}
			q.dispatchOne(ctx, jobID)
		case <-ctx.Done():
			return
		}
	}
}

// SubmitParams is the caller-facing request shape for admitting one job.
type SubmitParams struct {
	TaskID           string
	MinerUID         string
	WorkspaceZipPath string
	WorkspaceDirPath string
	TaskManifest     map[string]any
	TimeoutS         int
	NetChecks        bool
	StreamLog        bool
	QuietKernel      bool
	Credentials      map[string]string
}

// Submit admits a job: validates the submission, persists it to the audit
// store and archive directory, enqueues it for dispatch, then awaits the
// terminal result up to timeout_s + 30s. Returns ErrQueueFull if the
// dispatch channel has no room.
func (q *Queue) Submit(ctx context.Context, p SubmitParams) (*types.JobRecord, error) {
	if p.WorkspaceZipPath == "" && p.WorkspaceDirPath == "" {
		return nil, &ErrBadSubmission{Reason: "no workspace_zip_path or workspace_dir_path given"}
	}

	var storedPath string
	var err error
	if p.WorkspaceZipPath != "" {
		if err := q.checkArchiveRoot(p.WorkspaceZipPath); err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(p.WorkspaceZipPath); statErr != nil {
			return nil, &ErrBadSubmission{Reason: fmt.Sprintf("submission file not found: %v", statErr)}
		}
	} else {
		if _, statErr := os.Stat(p.WorkspaceDirPath); statErr != nil {
			return nil, &ErrBadSubmission{Reason: fmt.Sprintf("submission dir not found: %v", statErr)}
		}
	}

	jobID := uuid.NewString()
	taskID := p.TaskID
	if taskID == "" {
		taskID = "untitled"
	}

	if p.WorkspaceZipPath != "" {
		storedPath, err = q.persistSubmission(jobID, taskID, p.MinerUID, p.WorkspaceZipPath)
		if err != nil {
			return nil, fmt.Errorf("persist submission: %w", err)
		}
	}

	logPath := q.logPath(taskID, jobID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	job := &types.Job{
		JobID:        jobID,
		TaskID:       taskID,
		MinerUID:     p.MinerUID,
		TaskManifest: p.TaskManifest,
		TimeoutS:     p.TimeoutS,
		NetChecks:    p.NetChecks,
		StreamLog:    p.StreamLog,
		QuietKernel:  p.QuietKernel,
		Credentials:  p.Credentials,
		QueuedAt:     time.Now().UTC(),
	}
	if p.WorkspaceZipPath != "" {
		job.Workspace = types.WorkspaceSource{ZipPath: storedPath}
	} else {
		job.Workspace = types.WorkspaceSource{DirPath: p.WorkspaceDirPath}
	}

	rec := &types.JobRecord{
		JobID:                jobID,
		TaskID:               taskID,
		MinerUID:             p.MinerUID,
		Phase:                types.PhaseQueued,
		QueuedAt:             job.QueuedAt,
		LogPath:              logPath,
		StoredSubmissionPath: storedPath,
	}

	if err := q.store.InsertQueued(rec); err != nil {
		return nil, fmt.Errorf("insert queued record: %w", err)
	}
	q.bestEffortIndex(taskID, p.MinerUID, jobID, logPath, storedPath)

	pend := &pending{record: rec, job: job, done: make(chan struct{})}
	q.mu.Lock()
	q.pending[jobID] = pend
	q.mu.Unlock()

	metrics.QueueDepth.Inc()

	select {
	case q.ch <- jobID:
	default:
		q.mu.Lock()
		delete(q.pending, jobID)
		q.mu.Unlock()
		metrics.QueueDepth.Dec()
		return nil, ErrQueueFull
	}

	deadline := time.Duration(p.TimeoutS+30) * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case <-pend.done:
		return q.Get(jobID)
	case <-waitCtx.Done():
		rec, _ := q.Get(jobID)
		return rec, fmt.Errorf("await timeout: job %s still running", jobID)
	}
}

func (q *Queue) dispatchOne(ctx context.Context, jobID string) {
	q.mu.Lock()
	pend, ok := q.pending[jobID]
	q.mu.Unlock()
	if !ok {
		return
	}
	metrics.QueueDepth.Dec()

	startedAt := time.Now().UTC()
	pend.mu.Lock()
	pend.record.Phase = types.PhaseRunning
	pend.record.StartedAt = &startedAt
	pend.mu.Unlock()
	_ = q.store.MarkRunning(jobID, startedAt)

	metrics.JobsInFlight.Inc()
	result, err := q.runner.RunOne(ctx, pend.job, pend.record.LogPath)
	metrics.JobsInFlight.Dec()

	finishedAt := time.Now().UTC()
	phase := types.PhaseDone
	errMsg := ""
	if err != nil {
		phase = types.PhaseFailed
		errMsg = err.Error()
	}

	pend.mu.Lock()
	pend.record.Phase = phase
	pend.record.FinishedAt = &finishedAt
	pend.record.Result = result
	pend.record.Error = errMsg
	pend.mu.Unlock()

	if err := q.store.MarkTerminal(jobID, phase, finishedAt, result, errMsg); err != nil {
		log.Printf("queue: mark terminal for job %s: %v", jobID, err)
	}

	status := "fail"
	if result != nil {
		status = result.Status()
	}
	metrics.JobsTotal.WithLabelValues(status).Inc()
	metrics.JobDuration.WithLabelValues(status).Observe(finishedAt.Sub(startedAt).Seconds())

	q.UnlinkActive(pend.record.LogPath)

	if q.mirror != nil {
		jobID, submissionPath, logPath := pend.record.JobID, pend.record.StoredSubmissionPath, pend.record.LogPath
		go func() {
			if err := q.mirror.MirrorJob(context.Background(), jobID, submissionPath, logPath); err != nil {
				log.Printf("queue: archive mirror for job %s: %v", jobID, err)
			}
		}()
	}

	close(pend.done)
}

// Get returns the current in-memory view of a job's record, or nil if
// unknown to this process (a fully persisted lookup would hit the store).
func (q *Queue) Get(jobID string) (*types.JobRecord, error) {
	q.mu.Lock()
	pend, ok := q.pending[jobID]
	q.mu.Unlock()
	if !ok {
		return nil, nil
	}
	pend.mu.Lock()
	defer pend.mu.Unlock()
	cp := *pend.record
	return &cp, nil
}

// Active lists non-terminal jobs.
func (q *Queue) Active() []*types.JobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.JobRecord
	for _, pend := range q.pending {
		pend.mu.Lock()
		if pend.record.Phase == types.PhaseQueued || pend.record.Phase == types.PhaseRunning {
			cp := *pend.record
			out = append(out, &cp)
		}
		pend.mu.Unlock()
	}
	return out
}

// ByTask returns every in-memory job record for the given task id.
func (q *Queue) ByTask(taskID string) []*types.JobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.JobRecord
	for _, pend := range q.pending {
		pend.mu.Lock()
		if pend.record.TaskID == taskID {
			cp := *pend.record
			out = append(out, &cp)
		}
		pend.mu.Unlock()
	}
	return out
}

func (q *Queue) checkArchiveRoot(path string) error {
	if q.cfg.ArchiveRoot == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return &ErrBadSubmission{Reason: fmt.Sprintf("resolve path: %v", err)}
	}
	root, err := filepath.Abs(q.cfg.ArchiveRoot)
	if err != nil {
		return &ErrBadSubmission{Reason: fmt.Sprintf("resolve archive root: %v", err)}
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return &ErrBadSubmission{Reason: "path escapes archive root", ArchiveEscape: true}
	}
	return nil
}

func (q *Queue) logPath(taskID, jobID string) string {
	return filepath.Join(q.cfg.DataDir, "logs", fmt.Sprintf("%s__%s.log", taskID, jobID))
}

func (q *Queue) submissionPath(taskID, jobID string) string {
	return filepath.Join(q.cfg.DataDir, "submissions", fmt.Sprintf("%s__%s.zip", taskID, jobID))
}

// persistSubmission hardlinks (falling back to a copy) the submitted zip
// into the stable archive directory, computes its SHA-256, and writes a
// sibling metadata file.
func (q *Queue) persistSubmission(jobID, taskID, minerUID, srcPath string) (string, error) {
	dest := q.submissionPath(taskID, jobID)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create submissions dir: %w", err)
	}

	if err := os.Link(srcPath, dest); err != nil {
		if err := copyFile(srcPath, dest); err != nil {
			return "", fmt.Errorf("copy submission: %w", err)
		}
	}

	sum, size, err := sha256File(dest)
	if err != nil {
		return "", fmt.Errorf("hash submission: %w", err)
	}

	meta := map[string]any{
		"job_id":      jobID,
		"task_id":     taskID,
		"miner_uid":   minerUID,
		"original":    srcPath,
		"stored_path": dest,
		"sha256":      sum,
		"bytes":       size,
		"stored_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(dest+".json", metaJSON, 0644); err != nil {
		log.Printf("queue: write submission metadata for %s: %v", jobID, err)
	}

	return dest, nil
}

// bestEffortIndex creates symlinks grouping a job's log and submission by
// task_id and miner_uid. Every failure here is logged, never returned:
// secondary indexes must never fail a submission.
func (q *Queue) bestEffortIndex(taskID, minerUID, jobID, logPath, storedPath string) {
	linkDirs := []struct {
		base string
		key  string
	}{
		{"by_task", taskID},
		{"by_miner", minerUID},
	}

	for _, dir := range linkDirs {
		if dir.key == "" {
			continue
		}
		logIdxDir := filepath.Join(q.cfg.DataDir, "logs", dir.base, dir.key)
		if err := os.MkdirAll(logIdxDir, 0755); err == nil {
			link := filepath.Join(logIdxDir, filepath.Base(logPath))
			_ = os.Symlink(logPath, link)
		} else {
			log.Printf("queue: best-effort log index %s: %v", dir.base, err)
		}

		if storedPath != "" {
			subIdxDir := filepath.Join(q.cfg.DataDir, "submissions", dir.base, dir.key)
			if err := os.MkdirAll(subIdxDir, 0755); err == nil {
				link := filepath.Join(subIdxDir, filepath.Base(storedPath))
				_ = os.Symlink(storedPath, link)
			} else {
				log.Printf("queue: best-effort submission index %s: %v", dir.base, err)
			}
		}
	}

	activeDir := filepath.Join(q.cfg.DataDir, "logs", "active")
	if err := os.MkdirAll(activeDir, 0755); err == nil {
		link := filepath.Join(activeDir, filepath.Base(logPath))
		_ = os.Symlink(logPath, link)
	}
}

// UnlinkActive removes the active-job symlink once a job reaches a
// terminal phase. Best-effort.
func (q *Queue) UnlinkActive(logPath string) {
	activeDir := filepath.Join(q.cfg.DataDir, "logs", "active")
	_ = os.Remove(filepath.Join(activeDir, filepath.Base(logPath)))
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
