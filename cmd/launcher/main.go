// Command launcher is the CLI launcher (spec §6.2): it runs one or more
// validation jobs directly against a local worker pool without going
// through the HTTP API, for ad hoc or scripted use.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/alphacore/vmvalidate/internal/config"
	"github.com/alphacore/vmvalidate/internal/credentials"
	"github.com/alphacore/vmvalidate/internal/firecracker"
	"github.com/alphacore/vmvalidate/internal/sandbox"
	"github.com/alphacore/vmvalidate/internal/worker"
	"github.com/alphacore/vmvalidate/pkg/types"
)

var (
	workers      int
	workspaceDir string
	workspaceZip string
	credsFile    string
	jobs         int
)

var rootCmd = &cobra.Command{
	Use:   "vmvalidate-launcher",
	Short: "Run Terraform validation jobs against a local worker pool",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVar(&workers, "workers", 1, "number of concurrent workers")
	rootCmd.Flags().StringVar(&workspaceDir, "workspace-dir", "", "path to an already-extracted workspace directory")
	rootCmd.Flags().StringVar(&workspaceZip, "workspace-zip", "", "path to a workspace zip file")
	rootCmd.Flags().StringVar(&credsFile, "creds-file", "", "optional credential key file")
	rootCmd.Flags().IntVar(&jobs, "jobs", 1, "number of times to replicate the job")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if workspaceDir == "" && workspaceZip == "" {
		return fmt.Errorf("one of --workspace-dir or --workspace-zip is required")
	}
	if workspaceDir != "" && workspaceZip != "" {
		return fmt.Errorf("--workspace-dir and --workspace-zip are mutually exclusive")
	}
	if jobs < 1 {
		jobs = 1
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if os.Getenv(cfg.AccessTokenEnvVar) == "" {
		return fmt.Errorf("access token env var %s is required", cfg.AccessTokenEnvVar)
	}

	ctx := context.Background()

	if iface := firecracker.DetectDefaultInterface(); iface != "" {
		fmt.Printf("launcher: guest egress will route via host interface %s\n", iface)
	} else {
		fmt.Println("launcher: could not detect the host's default network interface")
	}

	creds := credentials.New(credentials.Config{
		EnvVar:    cfg.AccessTokenEnvVar,
		CredsFile: credsFile,
	})
	if err := creds.Start(ctx); err != nil {
		return fmt.Errorf("start credential provider: %w", err)
	}
	defer creds.Stop()

	launcher := sandbox.NewLauncher(sandbox.Config{
		FirecrackerBin:   cfg.FirecrackerBin,
		JailerBin:        cfg.JailerBin,
		KernelPath:       cfg.KernelPath,
		RootfsImagesDir:  cfg.RootfsImagesDir,
		RootfsFlavor:     cfg.RootfsFlavor,
		JailerChrootBase: cfg.JailerChrootBase,
		ProxyPort:        cfg.ProxyPort,
		DNSPort:          cfg.DNSPort,
		LaunchGraceS:     cfg.LaunchGraceS,
	})
	pool := worker.New(worker.Config{MaxWorkers: workers}, launcher)

	logDir := filepath.Join(cfg.DataDir, "logs", "launcher")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	failures := 0
	for i := 0; i < jobs; i++ {
		job := &types.Job{
			JobID:    fmt.Sprintf("launcher-%d-%d", time.Now().UnixNano(), i),
			TaskID:   "launcher",
			TimeoutS: cfg.DefaultTimeoutS,
			QueuedAt: time.Now().UTC(),
		}
		if workspaceZip != "" {
			job.Workspace = types.WorkspaceSource{ZipPath: workspaceZip}
		} else {
			job.Workspace = types.WorkspaceSource{DirPath: workspaceDir}
		}

		logPath := filepath.Join(logDir, job.JobID+".log")
		runCtx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutS+30)*time.Second)
		result, err := pool.RunOne(runCtx, job, logPath)
		cancel()

		if err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "job %d/%d (%s): %v\n", i+1, jobs, job.JobID, err)
			continue
		}

		status := "fail"
		if result != nil {
			status = result.Status()
		}
		fmt.Printf("job %d/%d (%s): %s\n", i+1, jobs, job.JobID, status)
		if status != "pass" {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d/%d jobs did not pass", failures, jobs)
	}
	return nil
}
