package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/posdesk/posdesk/internal/catalog"
	"github.com/posdesk/posdesk/internal/domain"
	"github.com/posdesk/posdesk/internal/snapshot"
)

// Metrics receives loop observations. Implemented by the HTTP metrics
// registry; nil-safe via noopMetrics.
type Metrics interface {
	TickCompleted(d time.Duration)
	TickSkipped(reason string)
	BreachCounts(critical, warning, info int)
	SnapshotsDropped(n int64)
}

type noopMetrics struct{}

func (noopMetrics) TickCompleted(time.Duration) {}
func (noopMetrics) TickSkipped(string) {}
func (noopMetrics) BreachCounts(int, int, int) {}
func (noopMetrics) SnapshotsDropped(int64) {}

// LoopConfig controls the ingestion cadence.
type LoopConfig struct {
	Interval time.Duration `yaml:"interval"` // default 3s, per-tick budget
}

// DefaultLoopConfig returns the production cadence.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{Interval: 3 * time.Second}
}

// Loop is the single-writer ingestion loop: one pass builds exactly one
// snapshot, published atomically by reference swap.
type Loop struct {
	cfg       LoopConfig
	feed      Feed
	pipeline  *Pipeline
	store     *catalog.Store
	publisher *snapshot.Publisher
	mirror    *snapshot.RedisMirror
	metrics   Metrics
	breaker   *gobreaker.CircuitBreaker

	lastDropped int64
}

// NewLoop wires the loop. mirror and metrics may be nil.
func NewLoop(cfg LoopConfig, feed Feed, pipeline *Pipeline, store *catalog.Store, publisher *snapshot.Publisher, mirror *snapshot.RedisMirror, metrics Metrics) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLoopConfig().Interval
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Loop{
		cfg:       cfg,
		feed:      feed,
		pipeline:  pipeline,
		store:     store,
		publisher: publisher,
		mirror:    mirror,
		metrics:   metrics,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "positions-feed",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("feed circuit breaker state change")
			},
		}),
	}
}

// Run ticks until ctx is cancelled. Cancellation lets the in-flight tick
// finish; the active snapshot is never left half-updated because publication
// is a single pointer swap at the end of the tick.
func (l *Loop) Run(ctx context.Context) {
	log.Info().Dur("interval", l.cfg.Interval).Msg("ingestion loop starting")
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("ingestion loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one ingestion pass. Any failure skips the tick: the previous
// snapshot stays current and the failure is reported, never swallowed and
// never rendered as an empty portfolio.
func (l *Loop) tick(ctx context.Context) {
	start := time.Now()

	if err := l.store.Err(); err != nil {
		l.metrics.TickSkipped("catalog_unserviceable")
		log.Error().Err(err).Msg("tick skipped: catalog store unserviceable")
		return
	}

	data, err := l.fetch(ctx)
	if err != nil {
		l.metrics.TickSkipped("feed_error")
		log.Error().Err(err).Msg("tick skipped: feed fetch failed")
		return
	}

	snap, err := l.buildSnapshot(data, start)
	if err != nil {
		l.metrics.TickSkipped("pipeline_error")
		log.Error().Err(err).Msg("tick skipped: pipeline failed")
		return
	}

	l.publisher.Publish(snap)
	l.metrics.TickCompleted(time.Since(start))
	l.metrics.BreachCounts(snap.Counters.Critical, snap.Counters.Warning, snap.Counters.Info)
	if dropped := l.publisher.Dropped(); dropped > l.lastDropped {
		l.metrics.SnapshotsDropped(dropped - l.lastDropped)
		l.lastDropped = dropped
	}

	if l.mirror != nil {
		if err := l.mirror.Store(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("snapshot mirror write failed")
		}
	}

	log.Debug().
		Int("stocks", len(snap.Positions.Stocks)).
		Int("combos", len(snap.Positions.Combos)).
		Int("orphans", len(snap.Positions.Orphans)).
		Int("breaches", snap.Counters.Total).
		Dur("elapsed", time.Since(start)).
		Msg("tick published")
}

func (l *Loop) fetch(ctx context.Context) (FeedData, error) {
	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.feed.Fetch(ctx)
	})
	if err != nil {
		return FeedData{}, err
	}
	return out.(FeedData), nil
}

// buildSnapshot isolates pipeline panics so a malformed tick can never kill
// the loop.
func (l *Loop) buildSnapshot(data FeedData, now time.Time) (snap *domain.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snap, err = nil, fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	active := l.store.Active()
	return l.pipeline.Run(data, active.Catalog, now.UTC()), nil
}
