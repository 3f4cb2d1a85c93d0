package feed

import (
	"context"
	"time"

	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/pool"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: pruning the ban index and expired
// keys, and refreshing the gauges.
type Janitor struct {
	store    storage.Store
	keys     storage.Keys
	pool     *pool.Pool
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewJanitor creates a Janitor. workerPool and now may be nil.
func NewJanitor(store storage.Store, keys storage.Keys, workerPool *pool.Pool, interval time.Duration, now func() time.Time, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Janitor{
		store:    store,
		keys:     keys,
		pool:     workerPool,
		interval: interval,
		now:      now,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	// Backends without native TTLs sweep expired keys here.
	if m, ok := j.store.(storage.Maintainer); ok {
		pruned, err := m.PruneExpired(ctx)
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: prune expired keys failed")
		} else if pruned > 0 {
			j.log.Info().Int("count", pruned).Msg("janitor: pruned expired keys")
		}

		size, err := m.SizeBytes()
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	nowMs := float64(j.now().UnixMilli())
	if n, err := j.store.ZRemBelow(ctx, j.keys.ActiveBans(), nowMs); err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune ban index failed")
	} else if n > 0 {
		j.log.Debug().Int64("count", n).Msg("janitor: pruned expired bans from index")
	}

	if active, err := j.store.ZCount(ctx, j.keys.ActiveBans(), nowMs); err != nil {
		j.log.Warn().Err(err).Msg("janitor: count active bans failed")
	} else {
		metrics.ActiveBans.Set(float64(active))
	}

	if j.pool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.pool.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
