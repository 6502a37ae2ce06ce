package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/alphacore/vmvalidate/pkg/types"
)

// BuildResult turns the guest's raw result artifacts (either may be absent)
// plus the VM's exit code and output tail into the host-facing JobResult,
// applying the §6.3 normalization rule.
func BuildResult(returnCode int, successJSON, errorJSON []byte, stdoutTail []string, logPath string) (*types.JobResult, error) {
	summary, err := parseSummary(successJSON, errorJSON, returnCode)
	if err != nil {
		return nil, err
	}

	return &types.JobResult{
		ReturnCode: returnCode,
		Summary:    summary,
		StdoutTail: joinTail(stdoutTail),
		LogPath:    logPath,
	}, nil
}

func parseSummary(successJSON, errorJSON []byte, returnCode int) (map[string]any, error) {
	var summary map[string]any

	switch {
	case len(successJSON) > 0:
		if err := json.Unmarshal(successJSON, &summary); err != nil {
			return nil, fmt.Errorf("parse success.json: %w", err)
		}
	case len(errorJSON) > 0:
		if err := json.Unmarshal(errorJSON, &summary); err != nil {
			return nil, fmt.Errorf("parse error.json: %w", err)
		}
	case returnCode == 0:
		summary = map[string]any{"status": "pass", "score": 1.0}
	default:
		summary = map[string]any{"status": "fail", "msg": "missing result", "score": 0}
	}

	normalizeStatus(summary, returnCode)
	return summary, nil
}

// normalizeStatus applies the host-side rule resolving the two open
// questions in the guest result contract: a status value outside {pass,
// fail} falls back to the VM's exit code, and an "error" status (as well as
// a fail with no msg but an error field) collapses to "fail" with msg
// populated from error.
func normalizeStatus(summary map[string]any, returnCode int) {
	status, _ := summary["status"].(string)

	switch status {
	case "pass", "fail":
		// already normalized
	case "error":
		summary["status"] = "fail"
	default:
		if returnCode == 0 {
			summary["status"] = "pass"
		} else {
			summary["status"] = "fail"
		}
	}

	if summary["status"] == "fail" {
		if _, hasMsg := summary["msg"]; !hasMsg {
			if errVal, hasErr := summary["error"]; hasErr {
				summary["msg"] = errVal
			}
		}
	}
}

func joinTail(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
