// Package pool runs feed jobs on a bounded set of workers with inline retry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/rs/zerolog"
)

// Job actions.
const (
	ActionBan   = "ban"
	ActionUnban = "unban"
)

// Job is one ban or unban to apply to the Atomic Store.
type Job struct {
	Action string
	IP     string
	// Duration is the remaining lifetime of the upstream decision. Zero lets
	// the ban policy choose.
	Duration time.Duration
	Origin   string
	Scenario string
}

// JobHandler processes a single Job. A returned error triggers a retry unless
// it is wrapped with Permanent.
type JobHandler func(ctx context.Context, job Job) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a fixed-size worker pool fed by a buffered channel.
type Pool struct {
	cfg      Config
	jobs     chan Job
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1–64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4096
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start launches the workers. ctx bounds retries and in-flight handlers.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. It returns false when the queue is
// full and the job was dropped.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("ip", job.IP).Str("action", job.Action).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the queue and waits for workers to exit. Jobs still queued are
// processed first unless the Start context has been cancelled.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Depth returns the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			p.process(ctx, job, log)
		}
	}
}

// process retries inline so a failing job is never sent back to a channel
// that Stop may already have closed.
func (p *Pool) process(ctx context.Context, job Job, log zerolog.Logger) {
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.backoff(attempt - 1)
			log.Warn().Str("ip", job.IP).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying job")
			select {
			case <-ctx.Done():
				metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
				return
			case <-time.After(wait):
			}
		}

		err := p.handler(ctx, job)
		if err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
			return
		}
		var perm permanentError
		if errors.As(err, &perm) {
			metrics.JobsProcessed.WithLabelValues(job.Action, "rejected").Inc()
			log.Warn().Err(err).Str("ip", job.IP).Msg("job rejected")
			return
		}
		if attempt < p.cfg.MaxRetries {
			metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()
			continue
		}
		metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
		log.Error().Err(err).Str("ip", job.IP).Int("max_retries", p.cfg.MaxRetries).Msg("job failed: max retries exceeded")
	}
}

func (p *Pool) backoff(retries int) time.Duration {
	d := time.Duration(float64(p.cfg.RetryBase) * math.Pow(2, float64(retries)))
	if limit := 5 * time.Minute; d > limit {
		d = limit
	}
	return d
}
