// Package telemetry publishes pool-health heartbeats to Redis so external
// monitors can watch slot saturation without polling the HTTP API.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type heartbeatPayload struct {
	PoolID     string  `json:"pool_id"`
	Capacity   int     `json:"capacity"`
	InFlight   int     `json:"in_flight"`
	QueueDepth int     `json:"queue_depth"`
	CPUPct     float64 `json:"cpu_pct"`
	MemPct     float64 `json:"mem_pct"`
}

// PoolHeartbeat publishes periodic heartbeats to Redis describing the
// worker pool's current saturation. Each heartbeat:
//  1. SETs pool:{id} with a 30s TTL (auto-expires if the pool dies)
//  2. PUBLISHes to pool:heartbeat for real-time subscribers
type PoolHeartbeat struct {
	rdb      *redis.Client
	poolID   string
	getStats func() (capacity, inFlight, queueDepth int, cpuPct, memPct float64)
	stop     chan struct{}
}

// NewPoolHeartbeat creates a new heartbeat publisher.
func NewPoolHeartbeat(redisURL, poolID string) (*PoolHeartbeat, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &PoolHeartbeat{
		rdb:    rdb,
		poolID: poolID,
		stop:   make(chan struct{}),
	}, nil
}

// Start begins publishing heartbeats every 10 seconds.
func (h *PoolHeartbeat) Start(getStats func() (capacity, inFlight, queueDepth int, cpuPct, memPct float64)) {
	h.getStats = getStats

	go func() {
		h.publish()

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.publish()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *PoolHeartbeat) publish() {
	capacity, inFlight, queueDepth, cpuPct, memPct := h.getStats()

	payload := heartbeatPayload{
		PoolID:     h.poolID,
		Capacity:   capacity,
		InFlight:   inFlight,
		QueueDepth: queueDepth,
		CPUPct:     cpuPct,
		MemPct:     memPct,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("telemetry: marshal heartbeat: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "pool:" + h.poolID
	if err := h.rdb.Set(ctx, key, data, 30*time.Second).Err(); err != nil {
		log.Printf("telemetry: redis SET failed: %v", err)
	}
	if err := h.rdb.Publish(ctx, "pool:heartbeat", data).Err(); err != nil {
		log.Printf("telemetry: redis PUBLISH failed: %v", err)
	}
}

// Stop stops the heartbeat publisher and closes the Redis connection.
func (h *PoolHeartbeat) Stop() {
	close(h.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.rdb.Del(ctx, "pool:"+h.poolID)

	h.rdb.Close()
	log.Println("telemetry: heartbeat stopped")
}
