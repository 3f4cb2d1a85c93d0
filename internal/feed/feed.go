// Package feed mirrors CrowdSec LAPI decisions into the Atomic Store so the
// gate refuses clients the wider CrowdSec network has already banned.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/immune-gate/internal/admission"
	"github.com/developingchet/immune-gate/internal/capabilities"
	"github.com/developingchet/immune-gate/internal/decision"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/pool"
	"github.com/rs/zerolog"
)

// Config configures the decision stream.
type Config struct {
	LAPIURL      string
	LAPIKey      string
	VerifyTLS    bool
	PollInterval time.Duration
	Version      string
	Filter       decision.FilterConfig
	Pool         pool.Config
}

// decisionStream is the subset of csbouncer.StreamBouncer the feed drives.
type decisionStream interface {
	Init() error
	Run(ctx context.Context)
	Decisions() chan *models.DecisionsStreamResponse
}

type lapiStream struct{ *csbouncer.StreamBouncer }

func (s lapiStream) Decisions() chan *models.DecisionsStreamResponse { return s.Stream }

// Feed wires the LAPI stream, the filter pipeline and the worker pool.
type Feed struct {
	cfg    Config
	stream decisionStream
	pool   *pool.Pool
	log    zerolog.Logger
}

// New builds a Feed that writes through banner. usage may be nil.
func New(cfg Config, banner *admission.Banner, usage admission.UsageRecorder, log zerolog.Logger) (*Feed, error) {
	if cfg.LAPIURL == "" || cfg.LAPIKey == "" {
		return nil, errors.New("feed: lapi url and key are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	skipVerify := !cfg.VerifyTLS
	sb := &csbouncer.StreamBouncer{
		APIKey:              cfg.LAPIKey,
		APIUrl:              cfg.LAPIURL,
		TickerInterval:      cfg.PollInterval.String(),
		InsecureSkipVerify:  &skipVerify,
		UserAgent:           capabilities.UserAgent(cfg.Version),
		RetryInitialConnect: true,
	}
	return newFeed(cfg, lapiStream{sb}, NewJobHandler(banner, usage, log), log)
}

func newFeed(cfg Config, stream decisionStream, handler pool.JobHandler, log zerolog.Logger) (*Feed, error) {
	p, err := pool.New(cfg.Pool, handler, log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return &Feed{cfg: cfg, stream: stream, pool: p, log: log}, nil
}

// Pool exposes the worker pool so the janitor can report its depth.
func (f *Feed) Pool() *pool.Pool { return f.pool }

// Run consumes the stream until ctx is cancelled, then drains queued jobs.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.stream.Init(); err != nil {
		return fmt.Errorf("init CrowdSec stream: %w", err)
	}
	f.pool.Start(ctx)
	defer f.pool.Stop()

	f.log.Info().Str("lapi_url", f.cfg.LAPIURL).Dur("poll_interval", f.cfg.PollInterval).Msg("decision feed started")
	return f.processStream(ctx)
}

func (f *Feed) processStream(ctx context.Context) error {
	// Run returns when ctx is cancelled
	go f.stream.Run(ctx)

	decisions := f.stream.Decisions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-decisions:
			if !ok {
				return errors.New("CrowdSec stream closed")
			}
			f.handleDecisionBlock(block)
		}
	}
}

func (f *Feed) handleDecisionBlock(block *models.DecisionsStreamResponse) {
	if block == nil {
		return
	}
	const source = "stream"

	for _, d := range block.New {
		res := decision.Filter(d, f.cfg.Filter, f.log)
		if !res.Passed {
			continue
		}
		metrics.DecisionsProcessed.WithLabelValues(pool.ActionBan, source).Inc()
		f.enqueue(pool.Job{
			Action:   pool.ActionBan,
			IP:       res.IP,
			Duration: res.Duration,
			Origin:   res.Origin,
			Scenario: res.Scenario,
		})
	}

	for _, d := range block.Deleted {
		res := decision.FilterDeletion(d, f.cfg.Filter, f.log)
		if !res.Passed {
			continue
		}
		metrics.DecisionsProcessed.WithLabelValues(pool.ActionUnban, source).Inc()
		f.enqueue(pool.Job{
			Action:   pool.ActionUnban,
			IP:       res.IP,
			Origin:   res.Origin,
			Scenario: res.Scenario,
		})
	}
}

func (f *Feed) enqueue(job pool.Job) {
	// Enqueue counts and logs drops.
	_ = f.pool.Enqueue(job)
}
