// Package dispatch runs fire-and-forget side-effect jobs: confirmation
// emails, payment-failure notices, membership sync broadcasts. Job
// failures are logged and counted, never propagated — a failed email must
// not fail a webhook.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/hylozoic/entitlements/internal/metrics"
)

// JobType identifies a background job.
type JobType string

const (
	JobPurchaseConfirmation JobType = "purchase_confirmation"
	JobPaymentFailedNotice  JobType = "payment_failed_notice"
	JobSubscriptionEnded    JobType = "subscription_ended"
	JobMembershipSync       JobType = "membership_sync"
)

// Job is a queued side effect. Payload is job-type specific JSON.
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// NewJob builds a job with a fresh ULID and the payload marshaled.
func NewJob(jobType JobType, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:         ulid.Make().String(),
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler executes a single job.
type Handler func(ctx context.Context, job Job) error

// Dispatcher is the in-process Queue: a bounded channel drained by a
// single worker. Suitable for single-node deployments; the Kafka queue
// replaces it when brokers are configured.
type Dispatcher struct {
	jobs     chan Job
	handlers map[JobType]Handler
	stopChan chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		jobs:     make(chan Job, buffer),
		handlers: make(map[JobType]Handler),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a job type. Must be called before
// Start.
func (d *Dispatcher) RegisterHandler(jobType JobType, h Handler) {
	d.handlers[jobType] = h
}

// Start launches the worker.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop drains nothing; queued jobs not yet picked up are dropped. Fire
// and forget means shutdown never blocks on the backlog.
func (d *Dispatcher) Stop() {
	close(d.stopChan)
	<-d.done
}

// Enqueue queues a job without blocking. A full buffer drops the job with
// a warning rather than stalling event processing.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	select {
	case d.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(string(job.Type)).Inc()
		return nil
	default:
		log.Warn().
			Str("jobId", job.ID).
			Str("type", string(job.Type)).
			Msg("Job queue full, dropping job")
		metrics.SideEffectFailures.WithLabelValues("queue_full").Inc()
		return nil
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stopChan:
			return
		case job := <-d.jobs:
			d.execute(job)
		}
	}
}

func (d *Dispatcher) execute(job Job) {
	h, ok := d.handlers[job.Type]
	if !ok {
		log.Warn().
			Str("jobId", job.ID).
			Str("type", string(job.Type)).
			Msg("No handler registered for job type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := h(ctx, job); err != nil {
		log.Error().
			Err(err).
			Str("jobId", job.ID).
			Str("type", string(job.Type)).
			Dur("elapsed", time.Since(start)).
			Msg("Job failed")
		metrics.SideEffectFailures.WithLabelValues(string(job.Type)).Inc()
		return
	}
	log.Debug().
		Str("jobId", job.ID).
		Str("type", string(job.Type)).
		Dur("elapsed", time.Since(start)).
		Msg("Job completed")
}
