// Package worker implements the bounded Worker Pool: it caps concurrency on
// VM launches at maxWorkers and mediates access to the shared slot pool
// (tap device, static IPs, jailer uid/gid) the Sandbox Launcher needs per
// invocation.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/alphacore/vmvalidate/internal/sandbox"
	"github.com/alphacore/vmvalidate/pkg/types"
)

// Pool serializes Sandbox Launcher invocations to at most len(slots)
// concurrent VMs. The slot channel doubles as the counting semaphore and
// as the source of the deterministic per-slot networking/uid the launcher
// needs — acquiring a slot id IS acquiring a worker.
type Pool struct {
	launcher *sandbox.Launcher
	slots    chan int
	capacity int
}

// Config configures a Pool.
type Config struct {
	MaxWorkers int
}

// New creates a Pool with a pre-filled slot channel sized MaxWorkers,
// slots numbered 0..MaxWorkers-1.
func New(cfg Config, launcher *sandbox.Launcher) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	slots := make(chan int, cfg.MaxWorkers)
	for i := 0; i < cfg.MaxWorkers; i++ {
		slots <- i
	}
	return &Pool{
		launcher: launcher,
		slots:    slots,
		capacity: cfg.MaxWorkers,
	}
}

// Capacity returns the configured max concurrency.
func (p *Pool) Capacity() int {
	return p.capacity
}

// InFlight returns the number of slots currently checked out.
func (p *Pool) InFlight() int {
	return p.capacity - len(p.slots)
}

// RunOne blocks until a slot is available, then invokes the Sandbox
// Launcher with a scratch directory unique to this job. The slot is
// guaranteed released on every exit path, including context cancellation.
// Per §4.1, this method never returns an error that escapes as a raised
// exception: launcher failures are already folded into a failing
// JobResult by internal/sandbox, and a panic inside the launcher is
// recovered here into a failing JobResult, so the only error this returns
// is context cancellation while waiting for a slot.
func (p *Pool) RunOne(ctx context.Context, job *types.Job, logPath string) (result *types.JobResult, err error) {
	var slot int
	select {
	case slot = <-p.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("worker pool: %w waiting for a free slot", ctx.Err())
	}
	defer func() { p.slots <- slot }()
	defer func() {
		if r := recover(); r != nil {
			result = &types.JobResult{
				ReturnCode: 1,
				Summary:    map[string]any{"status": "fail", "msg": fmt.Sprintf("launcher panic: %v", r), "score": 0},
				LogPath:    logPath,
			}
			err = nil
		}
	}()

	launchCtx := ctx
	if job.TimeoutS > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutS)*time.Second+30*time.Second)
		defer cancel()
	}

	return p.launcher.Launch(launchCtx, job, slot, logPath)
}
