package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/developingchet/immune-gate/internal/admission"
	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/pool"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/rs/zerolog"
)

// NewJobHandler applies feed jobs through banner. Bans never replace a live
// ban, and unbans only lift bans the feed itself created. usage may be nil.
func NewJobHandler(banner *admission.Banner, usage admission.UsageRecorder, log zerolog.Logger) pool.JobHandler {
	return func(ctx context.Context, job pool.Job) error {
		if admission.CanonicalIP(job.IP) != job.IP {
			return pool.Permanent(fmt.Errorf("job ip %q is not canonical", job.IP))
		}

		current, err := banner.Current(ctx, job.IP)
		exists := err == nil
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case errors.Is(err, audit.ErrCorrupt):
			// Unreadable but live: it still bans the client.
			exists = true
		case err != nil:
			return fmt.Errorf("load ban for %s: %w", job.IP, err)
		}

		switch job.Action {
		case pool.ActionBan:
			if exists {
				metrics.JobsDropped.WithLabelValues("already_banned").Inc()
				log.Debug().Str("ip", job.IP).Msg("skipping: already banned")
				return nil
			}
			rec, err := banner.Ban(ctx, admission.BanRequest{
				IP:       job.IP,
				Reason:   audit.ReasonCrowdSec,
				NodeType: audit.NodeSuspicious,
				Actor:    actorFor(job),
				Duration: job.Duration,
			})
			if err != nil {
				return err
			}
			if usage != nil {
				usage.RecordRemediation(job.Origin, "ban")
			}
			log.Info().Str("ip", job.IP).Str("origin", job.Origin).Str("scenario", job.Scenario).
				Time("expires_at", rec.ExpiresAt).Msg("feed ban applied")
			return nil

		case pool.ActionUnban:
			if !exists {
				metrics.JobsDropped.WithLabelValues("not_found").Inc()
				log.Debug().Str("ip", job.IP).Msg("skipping: not banned")
				return nil
			}
			if current.Reason != audit.ReasonCrowdSec {
				metrics.JobsDropped.WithLabelValues("local_ban").Inc()
				log.Debug().Str("ip", job.IP).Str("reason", string(current.Reason)).Msg("skipping: ban was not issued by the feed")
				return nil
			}
			if _, err := banner.Lift(ctx, job.IP); err != nil {
				return err
			}
			metrics.Unbans.WithLabelValues("crowdsec").Inc()
			log.Info().Str("ip", job.IP).Msg("feed ban lifted")
			return nil
		}
		return pool.Permanent(fmt.Errorf("unknown job action %q", job.Action))
	}
}

func actorFor(job pool.Job) string {
	if job.Origin == "" {
		return "crowdsec"
	}
	return "crowdsec/" + job.Origin
}
