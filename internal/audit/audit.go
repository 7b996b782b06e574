// Package audit records one durable row per completed request. Persistence
// happens off the critical path: records are queued to a worker with a
// bounded buffer, retried once on failure, then dropped with a counter so a
// slow store never blocks responses.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/omnibridge/omnibridge/internal/store"
	"github.com/omnibridge/omnibridge/pkg/models"
)

// DefaultQueueSize is the default bound on the pending-record buffer.
const DefaultQueueSize = 256

// Recorder writes audit records asynchronously.
type Recorder struct {
	sink  store.AuditStore
	queue chan *models.AuditRecord

	dropped atomic.Int64
	written atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the recorder's worker goroutine.
func NewRecorder(sink store.AuditStore, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		sink:  sink,
		queue: make(chan *models.AuditRecord, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues a completed request descriptor. It never blocks: when
// the queue is full the record is dropped and counted.
func (r *Recorder) Record(rec *models.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Add(1)
		log.Error().
			Str("user", rec.UserID).
			Int64("dropped_total", n).
			Msg("Audit queue full, record dropped")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.persist(rec)
	}
}

// persist writes one record with a single retry on failure.
func (r *Recorder) persist(rec *models.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.sink.CreateAuditRecord(ctx, rec)
	if err != nil {
		time.Sleep(500 * time.Millisecond)
		err = r.sink.CreateAuditRecord(ctx, rec)
	}
	if err != nil {
		n := r.dropped.Add(1)
		log.Error().
			Err(err).
			Str("user", rec.UserID).
			Str("status", rec.Status).
			Int64("dropped_total", n).
			Msg("Audit record lost after retry")
		return
	}
	r.written.Add(1)
}

// Dropped returns how many records were lost to backpressure or storage
// failure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many records were persisted.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Close drains the queue and stops the worker.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
	})
}
