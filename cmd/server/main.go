// Command server is the vmvalidate host core: it admits Terraform
// validation submissions over HTTP, runs each inside a Firecracker
// microVM under a bounded worker pool, and exposes job state and logs.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alphacore/vmvalidate/internal/api"
	"github.com/alphacore/vmvalidate/internal/archive"
	"github.com/alphacore/vmvalidate/internal/config"
	"github.com/alphacore/vmvalidate/internal/credentials"
	"github.com/alphacore/vmvalidate/internal/events"
	"github.com/alphacore/vmvalidate/internal/metrics"
	"github.com/alphacore/vmvalidate/internal/netpolicy"
	"github.com/alphacore/vmvalidate/internal/queue"
	"github.com/alphacore/vmvalidate/internal/sandbox"
	"github.com/alphacore/vmvalidate/internal/store"
	"github.com/alphacore/vmvalidate/internal/telemetry"
	"github.com/alphacore/vmvalidate/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("server: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := credentials.New(credentials.Config{
		EnvVar:         cfg.AccessTokenEnvVar,
		CredsFile:      cfg.CredsFile,
		DevTokenSecret: cfg.DevTokenSecret,
		RefreshSkew:    time.Duration(cfg.RefreshSkewS) * time.Second,
	})
	if err := creds.Start(ctx); err != nil {
		log.Printf("server: credential provider start: %v", err)
	}
	defer creds.Stop()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("server: open audit store: %v", err)
	}
	defer st.Close()

	// Postgres mirror and its JetStream consumer are both best-effort: the
	// host core never blocks admission or dispatch on either being up.
	var pgMirror *store.Mirror
	if cfg.DatabaseURL != "" {
		pgMirror, err = store.NewMirror(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("server: postgres mirror unavailable, continuing without it: %v", err)
		} else {
			defer pgMirror.Close()
			log.Printf("server: postgres mirror enabled")
		}
	}

	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL, st)
		if err != nil {
			log.Printf("server: event publisher unavailable, continuing without it: %v", err)
		} else {
			publisher.Start()
			defer publisher.Stop()
			log.Printf("server: event publisher enabled on %s", cfg.NATSURL)

			if pgMirror != nil {
				consumer, err := events.NewMirrorConsumer(pgMirror, cfg.NATSURL)
				if err != nil {
					log.Printf("server: postgres mirror consumer unavailable: %v", err)
				} else if err := consumer.Start(); err != nil {
					log.Printf("server: postgres mirror consumer start: %v", err)
				} else {
					defer consumer.Stop()
					log.Printf("server: postgres mirror consumer enabled")
				}
			}
		}
	}

	var s3Mirror *archive.Mirror
	if cfg.S3Bucket != "" {
		s3Mirror, err = archive.NewMirror(archive.Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Printf("server: s3 archive mirror unavailable, continuing without it: %v", err)
		} else {
			log.Printf("server: s3 archive mirror enabled on bucket %s", cfg.S3Bucket)
		}
	}

	allowList := netpolicy.NewAllowList([]string{
		"*.googleapis.com",
		"googleapis.com",
	})

	if resolver, err := netpolicy.NewResolver("0.0.0.0:"+strconv.Itoa(cfg.DNSPort), "8.8.8.8:53", allowList); err != nil {
		log.Printf("server: dns resolver unavailable, continuing without it: %v", err)
	} else {
		defer resolver.Close()
		log.Printf("server: dns allowlist resolver listening on port %d", cfg.DNSPort)
	}

	if forwardProxy, err := netpolicy.NewForwardProxy("0.0.0.0:"+strconv.Itoa(cfg.ProxyPort), allowList); err != nil {
		log.Printf("server: forward proxy unavailable, continuing without it: %v", err)
	} else {
		defer forwardProxy.Close()
		log.Printf("server: forward proxy listening on port %d", cfg.ProxyPort)
	}

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

	pool := worker.New(worker.Config{MaxWorkers: cfg.MaxWorkers}, launcher)

	q := queue.New(queue.Config{
		DataDir:     cfg.DataDir,
		ArchiveRoot: cfg.ArchiveRoot,
		QueueSize:   cfg.QueueSize,
	}, st, pool)
	if s3Mirror != nil {
		q.SetArchiveMirror(s3Mirror)
	}
	q.Start(ctx, cfg.MaxWorkers)

	if cfg.RedisURL != "" {
		heartbeat, err := telemetry.NewPoolHeartbeat(cfg.RedisURL, "default")
		if err != nil {
			log.Printf("server: pool heartbeat unavailable, continuing without it: %v", err)
		} else {
			defer heartbeat.Stop()
			heartbeat.Start(func() (capacity, inFlight, queueDepth int, cpuPct, memPct float64) {
				return pool.Capacity(), pool.InFlight(), 0, 0, 0
			})
			log.Printf("server: pool heartbeat enabled on %s", cfg.RedisURL)
		}
	}

	srv := api.New(api.Config{
		APIKey:     cfg.APIKey,
		LogBaseURL: "http://localhost:" + strconv.Itoa(cfg.Port),
	}, q, pool, creds)

	metricsServer := metrics.StartMetricsServer(":9090")
	defer metricsServer.Shutdown(context.Background())

	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: http server: %v", err)
		}
	}()
	log.Printf("server: listening on :%d", cfg.Port)

	<-ctx.Done()
	log.Printf("server: shutting down")

	if err := srv.Close(); err != nil {
		log.Printf("server: http server shutdown: %v", err)
	}
}
