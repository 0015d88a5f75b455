// Package usage records one metering event per completed request and keeps
// the usage log bounded. Recording is fire-and-forget relative to response
// delivery: the request path enqueues a job and returns; workers perform the
// durable write.
package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/credential"
	"github.com/apimeter/apimeter/internal/metrics"
	"github.com/apimeter/apimeter/internal/models"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 4
	writeTimeout     = 5 * time.Second
)

// Job is one pending usage event handed off from the request path.
type Job struct {
	Digest      string
	Endpoint    string
	Method      string
	StatusCode  int
	ErrorDetail datatypes.JSON
	Timestamp   time.Time
}

// Recorder appends usage events to durable storage through a bounded queue
// and worker pool. Enqueueing never blocks; a full queue drops the job with a
// warning rather than holding up response delivery.
type Recorder struct {
	db       *gorm.DB
	resolver *credential.Resolver

	jobs    chan Job
	workers int
	wg      sync.WaitGroup

	// closeMu orders Record against Close: senders hold the read lock for
	// the duration of the enqueue, so the channel never closes under them.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewRecorder constructs a Recorder. Zero queueSize or workers select defaults.
func NewRecorder(conn *gorm.DB, resolver *credential.Resolver, queueSize, workers int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Recorder{
		db:       conn,
		resolver: resolver,
		jobs:     make(chan Job, queueSize),
		workers:  workers,
	}
}

// Start launches the worker pool.
func (r *Recorder) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	log.Infof("usage recorder started (workers=%d queue=%d)", r.workers, cap(r.jobs))
}

// Record enqueues a usage event and returns immediately. It reports whether
// the job was accepted; drops are logged and counted, never retried.
func (r *Recorder) Record(job Job) bool {
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now().UTC()
	}
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		metrics.UsageEventsDropped.Inc()
		log.Warnf("usage recorder: closed, dropping event for %s %s", job.Method, job.Endpoint)
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		metrics.UsageEventsDropped.Inc()
		log.Warnf("usage recorder: queue full, dropping event for %s %s", job.Method, job.Endpoint)
		return false
	}
}

// Close stops accepting jobs and waits for queued events to be written.
// Record calls racing Close see the closed flag and drop instead of sending
// on a closed channel.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		r.closeMu.Unlock()
		close(r.jobs)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for job := range r.jobs {
		r.write(job)
	}
}

// write attributes the event to its owning organization and persists it.
// Attribution goes through the durable store path, not the cache, since
// correctness matters more than latency off the request path. Events whose
// digest has no credential are dropped: there is nothing to bill.
func (r *Recorder) write(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	identity, errLookup := r.resolver.LookupStore(ctx, job.Digest)
	if errLookup == credential.ErrNotFound {
		return
	}
	if errLookup != nil {
		metrics.UsageEventsDropped.Inc()
		log.Warnf("usage recorder: credential lookup failed, dropping event: %v", errLookup)
		return
	}

	row := models.UsageLog{
		OrgID:          identity.OrgID,
		APIKeyID:       identity.APIKeyID,
		Endpoint:       job.Endpoint,
		Method:         job.Method,
		StatusCode:     job.StatusCode,
		CostMultiplier: 1.0,
		ErrorDetail:    job.ErrorDetail,
		Timestamp:      job.Timestamp,
	}
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		metrics.UsageEventsDropped.Inc()
		log.Warnf("usage recorder: insert failed, dropping event: %v", errCreate)
		return
	}
	metrics.UsageEventsRecorded.Inc()
}
