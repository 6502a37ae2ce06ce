// Package guestrunner implements the in-VM control flow: run Terraform
// (unless skipped), run the Validator, and always leave either
// success.json or error.json under the results directory before the VM
// is reaped by the host.
package guestrunner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alphacore/vmvalidate/internal/terraform"
)

// Env mirrors the guest environment contract (spec §6.4).
type Env struct {
	WorkDir       string
	ResultsDir    string
	ValidatorDir  string
	TaskJSONPath  string
	TFStatePath   string
	SkipTF        bool
	TokenVarName  string
	TokenValue    string
	TerraformBin     string // bundled bin dir for internal/terraform.Config.BinDir
	TerraformRC      string
	TerraformVersion string // required version of the bundled binary, e.g. "1.7.5"
	HostProxyURL     string
}

// EnvFromOS reads Env from the process's environment, applying the
// documented defaults.
func EnvFromOS(tokenVarName string) Env {
	e := Env{
		WorkDir:      getenvDefault("WORKDIR", "/workspace"),
		ResultsDir:   getenvDefault("RESULTS_DIR", "/run/results"),
		ValidatorDir: getenvDefault("VALIDATOR_DIR", "/tmp/validator"),
		TaskJSONPath: os.Getenv("TASK_JSON_PATH"),
		TFStatePath:  os.Getenv("TFSTATE_PATH"),
		SkipTF:       os.Getenv("SKIP_TF") == "1",
		TokenVarName: tokenVarName,
		TokenValue:   os.Getenv(tokenVarName),
		TerraformBin:     getenvDefault("TERRAFORM_BIN_DIR", "/opt/terraform/bin"),
		TerraformRC:      os.Getenv("TF_CLI_CONFIG_FILE"),
		TerraformVersion: os.Getenv("TERRAFORM_VERSION"),
		HostProxyURL:     os.Getenv("http_proxy"),
	}
	return e
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// successResult is the wire shape of success.json.
type successResult struct {
	Status string         `json:"status"`
	Score  float64        `json:"score"`
	Extra  map[string]any `json:"-"`
}

// errorResult is the wire shape of error.json.
type errorResult struct {
	Status string  `json:"status"`
	Msg    string  `json:"msg"`
	Score  float64 `json:"score"`
}

// Run executes the full guest control flow described in spec §4.3 and
// returns the process exit code the guest init should use.
func Run(env Env) int {
	defer sync()

	if env.TokenValue == "" {
		writeError(env, "error", "Missing token", 0)
		return 1
	}

	secrets := []string{env.TokenValue}

	if !env.SkipTF {
		if err := runTerraformStage(env, secrets); err != nil {
			if !resultExists(env) {
				writeError(env, "error", redact(err.Error(), secrets), 0)
			}
			return 1
		}
	}

	validatorPath := filepath.Join(env.ValidatorDir, "validate.py")
	if _, statErr := os.Stat(validatorPath); statErr != nil {
		writeError(env, "error", fmt.Sprintf("validator not found at %s", validatorPath), 0)
		return 1
	}

	if err := runValidator(env, validatorPath, secrets); err != nil {
		if !resultExists(env) {
			writeError(env, "error", redact(err.Error(), secrets), 0)
		}
		return 1
	}

	return 0
}

// runTerraformStage locates terraform_runner in the workspace and runs it,
// falling back to the bundled internal/terraform driver when the
// workspace provides no runner of its own.
func runTerraformStage(env Env, secrets []string) error {
	runnerPath := filepath.Join(env.WorkDir, "terraform_runner")
	if _, err := os.Stat(runnerPath); err == nil {
		return runWorkspaceTerraformRunner(runnerPath, env, secrets)
	}

	drv := terraform.New(terraform.Config{
		BinDir:        env.TerraformBin,
		CLIConfigPath: env.TerraformRC,
		WorkingDir:    env.WorkDir,
		ProxyURL:      env.HostProxyURL,
		Version:       env.TerraformVersion,
	})
	stage, result, err := drv.RunInitAndApply()
	if err != nil {
		msg := fmt.Sprintf("terraform %s failed (exit %d): %s", stage, result.ExitCode, tail(result.Stderr, 800))
		return errors.New(redact(msg, secrets))
	}
	return nil
}

// runWorkspaceTerraformRunner runs a task-supplied terraform_runner
// executable, streaming output with a 50-line tail buffer per stream.
func runWorkspaceTerraformRunner(runnerPath string, env Env, secrets []string) error {
	cmd := exec.Command(runnerPath)
	cmd.Dir = env.WorkDir
	cmd.Env = os.Environ()

	var stderrTail tailLines
	stderrTail.max = 50
	var stdoutTail tailLines
	stdoutTail.max = 50

	cmd.Stdout = io.MultiWriter(os.Stdout, &stdoutTail)
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderrTail)

	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("terraform_runner failed: %s; stderr tail: %s", err, tail(stderrTail.String(), 800))
		return errors.New(redact(msg, secrets))
	}
	return nil
}

// runValidator invokes validate.py with arguments pointing at the task
// manifest, tfstate file, and desired result output paths.
func runValidator(env Env, validatorPath string, secrets []string) error {
	successPath := filepath.Join(env.ResultsDir, "success.json")
	errorPath := filepath.Join(env.ResultsDir, "error.json")

	args := []string{
		validatorPath,
		"--task-json", env.TaskJSONPath,
		"--tfstate", env.TFStatePath,
		"--success-path", successPath,
		"--error-path", errorPath,
	}
	cmd := exec.Command("python3", args...)
	cmd.Dir = env.WorkDir
	cmd.Env = os.Environ()

	var stderrTail tailLines
	stderrTail.max = 50
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderrTail)

	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("validator failed: %s; stderr tail: %s", err, tail(stderrTail.String(), 800))
		return errors.New(redact(msg, secrets))
	}
	return nil
}

func resultExists(env Env) bool {
	for _, name := range []string{"success.json", "error.json"} {
		if _, err := os.Stat(filepath.Join(env.ResultsDir, name)); err == nil {
			return true
		}
	}
	return false
}

func writeError(env Env, status, msg string, score float64) {
	if err := os.MkdirAll(env.ResultsDir, 0o755); err != nil {
		return
	}
	res := errorResult{Status: status, Msg: msg, Score: score}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(env.ResultsDir, "error.json"), data, 0o644)
}

// sync flushes filesystem buffers so the host observes results after
// reaping the VM.
func sync() {
	f, err := os.Open("/")
	if err != nil {
		return
	}
	defer f.Close()
	_ = f.Sync()
}

func redact(s string, secrets []string) string {
	for _, sec := range secrets {
		if sec == "" {
			continue
		}
		s = strings.ReplaceAll(s, sec, "[REDACTED]")
	}
	return s
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// tailLines keeps only the last max lines written to it.
type tailLines struct {
	max   int
	lines []string
	cur   strings.Builder
}

func (t *tailLines) Write(p []byte) (int, error) {
	n := len(p)
	for _, b := range p {
		if b == '\n' {
			t.push(t.cur.String())
			t.cur.Reset()
			continue
		}
		t.cur.WriteByte(b)
	}
	return n, nil
}

func (t *tailLines) push(line string) {
	t.lines = append(t.lines, line)
	if t.max > 0 && len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailLines) String() string {
	return strings.Join(t.lines, "\n")
}
