package rates

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule refreshes rates every ten minutes.
const DefaultSchedule = "@every 10m"

// Refresher periodically fetches rates and records them.
type Refresher struct {
	service  *Service
	fetchers []Fetcher
	schedule string
	logger   *slog.Logger
	running  atomic.Bool
}

// NewRefresher creates a refresher. An empty schedule uses DefaultSchedule.
func NewRefresher(service *Service, schedule string, logger *slog.Logger, fetchers ...Fetcher) *Refresher {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Refresher{
		service:  service,
		fetchers: fetchers,
		schedule: schedule,
		logger:   logger,
	}
}

// Start refreshes once, then on the schedule until ctx is done or Stop is
// called. It blocks.
func (r *Refresher) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() { r.RefreshAll(ctx) }); err != nil {
		return fmt.Errorf("invalid rate schedule %q: %w", r.schedule, err)
	}
	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.Info("rate refresher started", "schedule", r.schedule, "fetchers", len(r.fetchers))
	r.RefreshAll(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("rate refresher stopped")
	return nil
}

// Running reports whether the refresher loop is active.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// RefreshAll fetches every pair once. Failures keep the previous rate.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, f := range r.fetchers {
		pair := f.Pair().String()
		fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		rate, err := f.Fetch(fctx)
		cancel()
		if err != nil {
			rateFetchesTotal.WithLabelValues(pair, "error").Inc()
			r.logger.Warn("rate fetch failed", "pair", pair, "error", err)
			continue
		}
		if err := r.service.Record(ctx, rate); err != nil {
			rateFetchesTotal.WithLabelValues(pair, "error").Inc()
			r.logger.Error("failed to record rate", "pair", pair, "error", err)
			continue
		}
		rateFetchesTotal.WithLabelValues(pair, "ok").Inc()
		r.logger.Debug("rate recorded", "pair", pair, "value", rate.Value.String(), "source", rate.Source)
	}
}
