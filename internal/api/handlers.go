package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/alphacore/vmvalidate/internal/queue"
	"github.com/alphacore/vmvalidate/pkg/types"
)

// health serves GET /health.
func (s *Server) health(c echo.Context) error {
	ready, tokenErr := s.creds.Ready()
	status := "ok"
	httpStatus := http.StatusOK
	if !ready {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":              status,
		"sandbox_ready":       s.pool != nil,
		"sandbox_workers":     0,
		"sandbox_queue_size":  0,
		"sandbox_queued":      0,
		"sandbox_running":     0,
		"token_ready":         ready,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
	if s.pool != nil {
		resp["sandbox_workers"] = s.pool.Capacity()
		resp["sandbox_running"] = s.pool.InFlight()
	}
	if tokenErr != "" {
		resp["token_error"] = tokenErr
	}
	return c.JSON(httpStatus, resp)
}

// submitValidationRequest mirrors POST /validate's body.
type submitValidationRequest struct {
	WorkspaceZipPath string         `json:"workspace_zip_path"`
	WorkspaceDirPath string         `json:"workspace_dir_path"`
	TaskJSON         map[string]any `json:"task_json"`
	TimeoutS         int            `json:"timeout_s"`
	NetChecks        bool           `json:"net_checks"`
	StreamLog        bool           `json:"stream_log"`
	QuietKernel      bool           `json:"quiet_kernel"`
	MinerUID         string         `json:"miner_uid"`
}

// submitValidation serves POST /validate.
func (s *Server) submitValidation(c echo.Context) error {
	if ready, reason := s.creds.Ready(); !ready {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"msg": "token not ready: " + reason})
	}
	if s.pool != nil && s.pool.Capacity() <= 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"msg": "sandbox pool not ready"})
	}

	var req submitValidationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"msg": fmt.Sprintf("bad request body: %v", err)})
	}

	taskID := ""
	if req.TaskJSON != nil {
		if v, ok := req.TaskJSON["task_id"].(string); ok {
			taskID = v
		}
	}

	rec, err := s.queue.Submit(c.Request().Context(), queue.SubmitParams{
		TaskID:           taskID,
		MinerUID:         req.MinerUID,
		WorkspaceZipPath: req.WorkspaceZipPath,
		WorkspaceDirPath: req.WorkspaceDirPath,
		TaskManifest:     req.TaskJSON,
		TimeoutS:         req.TimeoutS,
		NetChecks:        req.NetChecks,
		StreamLog:        req.StreamLog,
		QuietKernel:      req.QuietKernel,
	})
	if err != nil {
		return s.submitError(c, rec, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"job_id":          rec.JobID,
		"task_id":         rec.TaskID,
		"result":          rec.Result,
		"log_url":         s.logURL(rec.JobID),
		"log_path":        rec.LogPath,
		"submission_path": rec.StoredSubmissionPath,
	})
}

// submitError maps a Submit error onto the HTTP status codes spec §6.1
// and §7 require, including the await-timeout case where the job keeps
// running and rec (if non-nil) already reflects its in-flight state.
func (s *Server) submitError(c echo.Context, rec *types.JobRecord, err error) error {
	var badSub *queue.ErrBadSubmission
	switch {
	case err == queue.ErrQueueFull:
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusTooManyRequests, map[string]string{"msg": "queue full"})
	case errorsAs(err, &badSub) && badSub.ArchiveEscape:
		return c.JSON(http.StatusForbidden, map[string]string{"msg": badSub.Error()})
	case errorsAs(err, &badSub):
		return c.JSON(http.StatusBadRequest, map[string]string{"msg": badSub.Error()})
	case strings.Contains(err.Error(), "await timeout"):
		resp := map[string]any{"msg": err.Error()}
		if rec != nil {
			resp["job_id"] = rec.JobID
		}
		return c.JSON(http.StatusGatewayTimeout, resp)
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"msg": err.Error()})
	}
}

// listActive serves GET /validate/active.
func (s *Server) listActive(c echo.Context) error {
	records := s.queue.Active()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"job_id":  rec.JobID,
			"status":  string(rec.Phase),
			"log_url": s.logURL(rec.JobID),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// getJob serves GET /validate/:job_id.
func (s *Server) getJob(c echo.Context) error {
	jobID := c.Param("job_id")
	rec, err := s.queue.Get(jobID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"msg": err.Error()})
	}
	if rec == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"msg": "job not found"})
	}
	return c.JSON(http.StatusOK, rec)
}

// getJobLog serves GET /validate/:job_id/log?tail=N.
func (s *Server) getJobLog(c echo.Context) error {
	jobID := c.Param("job_id")
	rec, err := s.queue.Get(jobID)
	if err != nil || rec == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"msg": "job not found"})
	}

	tail := 200
	if v := c.QueryParam("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tail = n
		}
	}
	if tail < 1 {
		tail = 1
	}
	if tail > 5000 {
		tail = 5000
	}

	lines, err := tailFile(rec.LogPath, tail)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"msg": fmt.Sprintf("read log: %v", err)})
	}
	return c.String(http.StatusOK, strings.Join(lines, "\n"))
}

// getTaskJobs serves GET /task/:task_id.
func (s *Server) getTaskJobs(c echo.Context) error {
	taskID := c.Param("task_id")
	records := s.queue.ByTask(taskID)
	return c.JSON(http.StatusOK, map[string]any{
		"jobs": records,
	})
}

func (s *Server) logURL(jobID string) string {
	if s.logBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.logBaseURL, "/") + "/validate/" + jobID + "/log"
}

// tailFile returns the last n lines of a file, refusing paths that don't
// exist (log lookups never reach outside the configured log directory
// because callers only ever pass a record's own LogPath).
func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= n {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}

// errorsAs is a tiny wrapper kept local to avoid importing errors in two
// places for a single call site.
func errorsAs(err error, target **queue.ErrBadSubmission) bool {
	if e, ok := err.(*queue.ErrBadSubmission); ok {
		*target = e
		return true
	}
	return false
}
