// Package terraform is the guest-side Terraform driver: it scopes PATH to
// the bundled binaries, points Terraform's automation env vars at the
// sandbox, and runs the two fixed commands the Guest Runner needs —
// `init` and `apply -refresh-only` — reporting the failing stage and its
// result on any non-zero exit. It writes no result artifact itself.
package terraform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	hcinstall "github.com/hashicorp/hc-install"
	"github.com/hashicorp/hc-install/fs"
	"github.com/hashicorp/hc-install/product"
	"github.com/hashicorp/hc-install/src"
	goversion "github.com/hashicorp/go-version"
)

// Config describes where the bundled Terraform binary and its config file
// live, and what proxy the guest should default to.
type Config struct {
	BinDir        string // directory containing the terraform binary
	CLIConfigPath string // terraform.rc bundled alongside it
	WorkingDir    string // the workspace root terraform runs in
	ProxyURL      string // http://<host-ip>:8888, used only if unset in env

	// Version, if set, is the exact Terraform version the bundled binary
	// must satisfy (e.g. "1.7.5"). RunInitAndApply resolves and verifies
	// it via hc-install's fs source, searching the process PATH plus
	// BinDir — this is a local lookup, never a network fetch, since the
	// guest has no egress to
	// HashiCorp's release servers by design.
	Version string
}

// Result is the outcome of one driver invocation.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver runs `terraform init` then `terraform apply -refresh-only`
// against WorkingDir, streaming both commands' output through tail
// buffers of bounded size.
type Driver struct {
	cfg Config

	// resolvedBin is set by RunInitAndApply once the bundled binary's
	// version has been located/verified; binPath falls back to the
	// unverified default path until then.
	resolvedBin string
}

// New builds a Driver from cfg.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// binPath is the scoped path to the bundled terraform executable.
func (d *Driver) binPath() string {
	if d.resolvedBin != "" {
		return d.resolvedBin
	}
	return filepath.Join(d.cfg.BinDir, "terraform")
}

// resolveVersion verifies the bundled binary satisfies cfg.Version using
// hc-install's fs source over the process PATH plus BinDir — a local lookup
// for an already-installed binary, not a release download. Skipped when Version is
// unset (defaults to the unverified bundled path).
func (d *Driver) resolveVersion(ctx context.Context) error {
	if d.cfg.Version == "" {
		return nil
	}

	ver, err := goversion.NewVersion(d.cfg.Version)
	if err != nil {
		return fmt.Errorf("parse configured terraform version %q: %w", d.cfg.Version, err)
	}

	execPath, err := hcinstall.NewInstaller().Ensure(ctx, []src.Source{&fs.ExactVersion{
		Product:    product.Terraform,
		Version:    ver,
		ExtraPaths: []string{d.cfg.BinDir},
	}})
	if err != nil {
		return fmt.Errorf("locate terraform %s under %s: %w", d.cfg.Version, d.cfg.BinDir, err)
	}

	d.resolvedBin = execPath
	return nil
}

// env builds the minimal environment: PATH restricted to the bundle dir
// plus system binaries, TF_IN_AUTOMATION set, TF_CLI_CONFIG_FILE pointed
// at the bundled rc file, and a default proxy if the caller didn't
// already set one.
func (d *Driver) env() []string {
	path := d.cfg.BinDir + ":/usr/bin:/bin"
	env := []string{
		"PATH=" + path,
		"TF_IN_AUTOMATION=1",
		"HOME=/tmp",
	}
	if d.cfg.CLIConfigPath != "" {
		env = append(env, "TF_CLI_CONFIG_FILE="+d.cfg.CLIConfigPath)
	}

	hasProxy := os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	if !hasProxy && d.cfg.ProxyURL != "" {
		env = append(env, "http_proxy="+d.cfg.ProxyURL, "https_proxy="+d.cfg.ProxyURL)
	} else {
		if v := os.Getenv("http_proxy"); v != "" {
			env = append(env, "http_proxy="+v)
		}
		if v := os.Getenv("https_proxy"); v != "" {
			env = append(env, "https_proxy="+v)
		}
	}
	return env
}

// run executes the bundled terraform binary with args, streaming
// stdout/stderr and keeping a bounded tail (maxTailLines) of each.
func (d *Driver) run(maxTailLines int, args ...string) Result {
	cmd := exec.Command(d.binPath(), args...)
	cmd.Dir = d.cfg.WorkingDir
	cmd.Env = d.env()

	var stdoutBuf, stderrBuf tailBuffer
	stdoutBuf.max = maxTailLines
	stderrBuf.max = maxTailLines
	cmd.Stdout = io.MultiWriter(os.Stdout, &stdoutBuf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderrBuf)

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	return Result{
		Success:  err == nil,
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}
}

// Init runs `terraform init -input=false -backend=false -no-color`.
func (d *Driver) Init() Result {
	return d.run(50, "init", "-input=false", "-backend=false", "-no-color")
}

// ApplyRefreshOnly runs `terraform apply -refresh-only -auto-approve -no-color`.
func (d *Driver) ApplyRefreshOnly() Result {
	return d.run(50, "apply", "-refresh-only", "-auto-approve", "-no-color")
}

// RunInitAndApply runs both fixed commands in order, stopping at the
// first failure. On failure it returns the failing command's name
// alongside its result, for the caller to translate into error.json.
func (d *Driver) RunInitAndApply() (stage string, result Result, err error) {
	if err := d.resolveVersion(context.Background()); err != nil {
		return "init", Result{ExitCode: 1}, err
	}

	if _, statErr := os.Stat(d.binPath()); statErr != nil {
		return "init", Result{ExitCode: 1}, fmt.Errorf("terraform binary not found at %s: %w", d.binPath(), statErr)
	}

	initResult := d.Init()
	if !initResult.Success {
		return "init", initResult, fmt.Errorf("terraform init exited %d", initResult.ExitCode)
	}

	applyResult := d.ApplyRefreshOnly()
	if !applyResult.Success {
		return "apply", applyResult, fmt.Errorf("terraform apply -refresh-only exited %d", applyResult.ExitCode)
	}

	return "", applyResult, nil
}

// tailBuffer keeps only the last `max` lines written to it.
type tailBuffer struct {
	max   int
	lines []string
	cur   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	for _, b := range p {
		if b == '\n' {
			t.pushLine(t.cur.String())
			t.cur.Reset()
			continue
		}
		t.cur.WriteByte(b)
	}
	return n, nil
}

func (t *tailBuffer) pushLine(line string) {
	t.lines = append(t.lines, line)
	if t.max > 0 && len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	out := t.lines
	if t.cur.Len() > 0 {
		out = append(out, t.cur.String())
	}
	s := ""
	for i, l := range out {
		if i > 0 {
			s += "\n"
		}
		s += l
	}
	return s
}
