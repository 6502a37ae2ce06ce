// Package events publishes job-lifecycle events from the local SQLite audit
// log to NATS JetStream, and consumes them back into the optional Postgres
// mirror. Both ends are best-effort: the host core's job-handling path never
// blocks on either.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alphacore/vmvalidate/internal/store"
)

// JobEvent is the JSON payload published to NATS for one audit-log event.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// Publisher drains unsynced rows from the SQLite audit log and republishes
// them to NATS JetStream, every sync interval.
type Publisher struct {
	nc    *nats.Conn
	js    nats.JetStreamContext
	store *store.Store
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewPublisher connects to NATS and ensures the JOB_EVENTS stream exists.
func NewPublisher(natsURL string, st *store.Store) (*Publisher, error) {
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

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "JOB_EVENTS",
		Subjects: []string{"jobs.events.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		log.Printf("events: stream setup: %v", err)
	}

	return &Publisher{
		nc:    nc,
		js:    js,
		store: st,
		stop:  make(chan struct{}),
	}, nil
}

// Start begins the sync loop, draining unsynced events every 2 seconds.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.syncOnce()
			case <-p.stop:
				p.syncOnce()
				return
			}
		}
	}()
}

// Stop drains the sync loop and closes the NATS connection.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.nc.Close()
}

func (p *Publisher) syncOnce() {
	events, err := p.store.UnsyncedEvents(200)
	if err != nil {
		log.Printf("events: fetch unsynced: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	var synced []int64
	for _, e := range events {
		subject := fmt.Sprintf("jobs.events.%s", e.Type)
		je := JobEvent{
			ID:        e.ID,
			JobID:     e.JobID,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		}
		data, _ := json.Marshal(je)

		if _, err := p.js.Publish(subject, data); err != nil {
			log.Printf("events: publish error for job %s: %v", e.JobID, err)
			continue
		}
		synced = append(synced, e.ID)
	}

	if err := p.store.MarkEventsSynced(synced); err != nil {
		log.Printf("events: mark synced: %v", err)
		return
	}
	log.Printf("events: synced %d events to nats", len(synced))
}
