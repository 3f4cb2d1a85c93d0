// Package gateway assembles the admission pipeline, the HTTP surfaces and
// the background workers from a loaded Config.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/immune-gate/internal/admission"
	"github.com/developingchet/immune-gate/internal/api"
	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/config"
	"github.com/developingchet/immune-gate/internal/decision"
	"github.com/developingchet/immune-gate/internal/feed"
	lapimetrics "github.com/developingchet/immune-gate/internal/lapi_metrics"
	"github.com/developingchet/immune-gate/internal/pool"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/developingchet/immune-gate/internal/threat"
	"github.com/developingchet/immune-gate/internal/trust"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Gateway holds every wired component.
type Gateway struct {
	cfg   *config.Config
	store storage.Store
	log   zerolog.Logger

	Keys       storage.Keys
	Audit      *audit.Log
	Reader     *audit.Reader
	Banner     *admission.Banner
	Flags      *admission.Flags
	Admin      *admission.Admin
	Controller *admission.Controller
	Challenges *challenge.Engine
	Bypass     *trust.Evaluator

	// Feed and Reporter are nil unless the CrowdSec feed is enabled.
	Feed     *feed.Feed
	Reporter *lapimetrics.Reporter
	Janitor  *feed.Janitor
}

// Components builds the store-backed core shared by the daemon and the
// operator subcommands.
func Components(cfg *config.Config, store storage.Store, now func() time.Time, log zerolog.Logger) *Gateway {
	if now == nil {
		now = time.Now
	}
	keys := storage.Keys{Prefix: cfg.StorePrefix}
	auditLog := audit.NewLog(store, keys, cfg.AuditMaxEntries, log)
	banner := admission.NewBanner(store, keys, auditLog, admission.BanPolicy{
		BaseTTL:    cfg.BanBaseTTL,
		Escalation: cfg.BanEscalation,
		MaxTTL:     cfg.BanMaxTTL,
		HistoryTTL: cfg.BanHistoryTTL,
	}, now, log)
	flags := admission.NewFlags(store, keys, cfg.ConfigCacheTTL)

	g := &Gateway{
		cfg:    cfg,
		store:  store,
		log:    log,
		Keys:   keys,
		Audit:  auditLog,
		Banner: banner,
		Flags:  flags,
		Admin:  admission.NewAdmin(store, keys, banner, flags, auditLog, cfg.UnbanImmunityTTL, now, log),
		Reader: audit.NewReader(store, keys, audit.HealthThresholds{
			CriticalBans:   int64(cfg.HealthCriticalBans),
			CriticalAlerts: cfg.HealthCriticalAlerts,
			WarningBans:    int64(cfg.HealthWarningBans),
			WarningAlerts:  cfg.HealthWarningAlerts,
		}, now, log),
	}
	g.Challenges = challenge.NewEngine(store, keys, auditLog, challenge.Config{
		TTL:           cfg.ChallengeTTL,
		MinDifficulty: cfg.ChallengeMinDifficulty,
		MaxDifficulty: cfg.ChallengeMaxDifficulty,
		ImmunityTTL:   cfg.VerifiedImmunityTTL,
		IssueLimit:    cfg.ChallengeIssueLimit,
		IssueWindow:   cfg.ChallengeIssueWindow,
	}, log, challenge.WithClock(now))
	g.Bypass = trust.NewEvaluator(store, keys, g.Challenges, auditLog, trust.Config{
		DailyQuota:          cfg.BypassDailyQuota,
		MinTrust:            cfg.BypassMinTrust,
		HighTrust:           cfg.BypassHighTrust,
		ImmunityTTL:         cfg.BypassImmunityTTL,
		LowTrustImmunityTTL: cfg.BypassLowTrustImmunityTTL,
	}, log, trust.WithClock(now))
	return g
}

// New wires the full daemon: admission controller, decision feed, janitor
// and usage reporter.
func New(cfg *config.Config, store storage.Store, version string, log zerolog.Logger) (*Gateway, error) {
	g := Components(cfg, store, time.Now, log)

	resolver, err := admission.NewIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	allow, err := admission.NewNetSet(cfg.AdmissionAllow)
	if err != nil {
		return nil, fmt.Errorf("parse admission allowlist: %w", err)
	}

	var usage admission.UsageRecorder
	if cfg.CrowdSecEnabled {
		g.Reporter = lapimetrics.NewReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey, version, cfg.LAPIMetricsPushInterval, log)
		usage = g.Reporter

		whitelist, err := decision.ParseWhitelist(cfg.BlockWhitelist)
		if err != nil {
			return nil, fmt.Errorf("parse whitelist: %w", err)
		}
		filterCfg := decision.NewFilterConfig()
		filterCfg.BlockScenarioExclude = cfg.BlockScenarioExclude
		filterCfg.AllowedOrigins = cfg.CrowdSecOrigins
		filterCfg.Whitelist = whitelist
		filterCfg.MinBanDuration = cfg.BlockMinDuration

		g.Feed, err = feed.New(feed.Config{
			LAPIURL:      cfg.CrowdSecLAPIURL,
			LAPIKey:      cfg.CrowdSecLAPIKey,
			VerifyTLS:    cfg.CrowdSecLAPIVerifyTLS,
			PollInterval: cfg.CrowdSecPollInterval,
			Version:      version,
			Filter:       filterCfg,
			Pool: pool.Config{
				Workers:    cfg.PoolWorkers,
				QueueDepth: cfg.PoolQueueDepth,
				MaxRetries: cfg.PoolMaxRetries,
				RetryBase:  cfg.PoolRetryBase,
			},
		}, g.Banner, usage, log.With().Str("component", "feed").Logger())
		if err != nil {
			return nil, fmt.Errorf("build decision feed: %w", err)
		}
	}

	g.Controller = admission.NewController(admission.Deps{
		Store: store,
		Keys:  g.Keys,
		Classifier: threat.New(threat.Options{
			VelocityThreshold:     cfg.VelocityThreshold,
			OversizedPayloadBytes: cfg.OversizedPayloadBytes,
		}),
		Challenges: g.Challenges,
		Banner:     g.Banner,
		Flags:      g.Flags,
		Audit:      g.Audit,
		Resolver:   resolver,
		Allowlist:  allow,
		Usage:      usage,
		Log:        log.With().Str("component", "admission").Logger(),
	}, controllerConfig(cfg))

	var workerPool *pool.Pool
	if g.Feed != nil {
		workerPool = g.Feed.Pool()
	}
	g.Janitor = feed.NewJanitor(store, g.Keys, workerPool, cfg.JanitorInterval, nil, log.With().Str("component", "janitor").Logger())
	return g, nil
}

func controllerConfig(cfg *config.Config) admission.Config {
	return admission.Config{
		ExemptPrefixes:        cfg.ExemptPrefixes,
		ChallengePath:         cfg.ChallengePath,
		FailOpen:              cfg.FailMode == "open",
		StoreOpTimeout:        cfg.StoreOpTimeout,
		RateLimitWindow:       cfg.RateLimitWindow,
		RateLimitMax:          int64(cfg.RateLimitMax),
		RateLimitStrikes:      int64(cfg.RateLimitStrikes),
		RateLimitStrikeWindow: cfg.RateLimitStrikeWindow,
		MaxBodyBytes:          cfg.MaxBodyBytes,
		Policy: threat.Policy{
			Normal:   threat.Thresholds{Challenge: cfg.ChallengeThreshold, Ban: cfg.BanThreshold},
			Paranoid: threat.Thresholds{Challenge: cfg.ParanoidChallengeThreshold, Ban: cfg.ParanoidBanThreshold},
		},
	}
}

// Run serves every listener and background worker until ctx is cancelled or
// one of them fails.
func (g *Gateway) Run(ctx context.Context) error {
	upstream, err := api.NewUpstream(g.cfg.UpstreamURL, g.log)
	if err != nil {
		return err
	}
	handler := api.NewHandler(api.Deps{
		Store:      g.store,
		Controller: g.Controller,
		Admin:      g.Admin,
		Challenges: g.Challenges,
		Bypass:     g.Bypass,
		Reader:     g.Reader,
		Upstream:   upstream,
		Log:        g.log,
	}, api.Options{
		AdminAPIKey:    g.cfg.AdminAPIKey,
		AdminRateLimit: g.cfg.AdminRateLimit,
		AdminRateBurst: g.cfg.AdminRateBurst,
	})

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return api.Serve(gctx, "gateway", g.cfg.ListenAddr, handler, g.cfg.ReadHeaderTimeout, g.log)
	})

	// Health endpoints
	eg.Go(func() error {
		return api.Serve(gctx, "health", g.cfg.HealthAddr, api.HealthHandler(g.store), g.cfg.ReadHeaderTimeout, g.log)
	})

	// Prometheus metrics server
	if g.cfg.MetricsEnabled {
		eg.Go(func() error {
			return api.Serve(gctx, "metrics", g.cfg.MetricsAddr, api.MetricsHandler(), g.cfg.ReadHeaderTimeout, g.log)
		})
	}

	eg.Go(func() error {
		return g.Janitor.Run(gctx)
	})

	if g.Feed != nil {
		eg.Go(func() error {
			return g.Feed.Run(gctx)
		})
	}
	if g.Reporter != nil {
		eg.Go(func() error {
			g.Reporter.Run(gctx)
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
