package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alphacore/vmvalidate/internal/store"
)

// MirrorConsumer reads job events from NATS JetStream and folds them into
// the Postgres mirror. It runs only when DATABASE_URL is configured.
type MirrorConsumer struct {
	mirror *store.Mirror
	nc     *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewMirrorConsumer connects to NATS and ensures the JOB_EVENTS stream exists.
func NewMirrorConsumer(mirror *store.Mirror, natsURL string) (*MirrorConsumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}

	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     "JOB_EVENTS",
		Subjects: []string{"jobs.events.>"},
		MaxAge:   7 * 24 * time.Hour,
	})

	return &MirrorConsumer{
		mirror: mirror,
		nc:     nc,
		js:     js,
		stop:   make(chan struct{}),
	}, nil
}

// Start subscribes to jobs.events.> with a durable consumer, mirroring each
// message into Postgres and acking regardless of mirror success — the
// mirror is best-effort and must never stall the stream.
func (c *MirrorConsumer) Start() error {
	sub, err := c.js.Subscribe("jobs.events.>", c.handleMessage,
		nats.Durable("postgres-mirror"),
		nats.AckExplicit(),
		nats.MaxAckPending(256),
	)
	if err != nil {
		return fmt.Errorf("subscribe jobs.events.>: %w", err)
	}
	c.sub = sub
	log.Println("events: mirror consumer subscribed to jobs.events.>")
	return nil
}

// Stop unsubscribes and closes the NATS connection.
func (c *MirrorConsumer) Stop() {
	close(c.stop)
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.wg.Wait()
	c.nc.Close()
}

func (c *MirrorConsumer) handleMessage(msg *nats.Msg) {
	var je JobEvent
	if err := json.Unmarshal(msg.Data, &je); err != nil {
		log.Printf("events: unmarshal job event: %v", err)
		msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := store.Event{
		ID:        je.ID,
		JobID:     je.JobID,
		Type:      je.Type,
		Payload:   string(je.Payload),
		CreatedAt: je.CreatedAt,
	}
	if err := c.mirror.UpsertEvent(ctx, ev); err != nil {
		log.Printf("events: mirror upsert for job %s: %v", je.JobID, err)
	}

	msg.Ack()
}
