package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"

	"voxscribe/pkg/logger"
)

// DefaultPruneInterval is how often expired heal records are dropped.
const DefaultPruneInterval = time.Minute

const pruneJobName = "prune-heal-records"

// Pruner drops expired records and reports how many went.
type Pruner interface {
	Prune() int
}

// Maintenance runs periodic housekeeping for every session.
type Maintenance struct {
	scheduler gocron.Scheduler
	interval  time.Duration
	pruners   map[string]Pruner
	keys      []string
	log       *slog.Logger
}

// NewMaintenance schedules pruning of pruners, keyed by session.
func NewMaintenance(interval time.Duration, pruners map[string]Pruner, log *slog.Logger) (*Maintenance, error) {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "gateway.maintenance")

	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger.Scheduler(log)),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	keys := make([]string, 0, len(pruners))
	for key := range pruners {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &Maintenance{
		scheduler: scheduler,
		interval:  interval,
		pruners:   pruners,
		keys:      keys,
		log:       log,
	}, nil
}

// PruneAll prunes every session once and returns the total removed.
func (m *Maintenance) PruneAll() int {
	total := 0
	for _, key := range m.keys {
		removed := m.pruners[key].Prune()
		if removed > 0 {
			m.log.Debug("Pruned heal records", "session", key, "removed", removed)
		}
		total += removed
	}

	return total
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.PruneAll() }),
		gocron.WithName(pruneJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = m.scheduler.Shutdown()
		return fmt.Errorf("schedule %s: %w", pruneJobName, err)
	}

	m.scheduler.Start()
	m.log.Info("Maintenance scheduled", "job", pruneJobName, "interval", m.interval.String(), "sessions", len(m.keys))

	<-ctx.Done()

	if err := m.scheduler.Shutdown(); err != nil && !errors.Is(err, gocron.ErrStopSchedulerTimedOut) {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}

	return nil
}
