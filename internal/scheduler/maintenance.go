package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"shoprank/internal/metrics"
	"shoprank/pkg/types"
)

// MaintenanceStore is the persistence surface used by maintenance jobs.
type MaintenanceStore interface {
	ListTrackedItems(ctx context.Context) ([]types.TrackedItem, error)
	ListTracks(ctx context.Context, itemID int64, start, end time.Time) ([]types.Track, error)
	ComputeStatistics(ctx context.Context, itemID int64, period types.PeriodKind, start, end time.Time) (*types.StatSummary, error)
	SaveStatistic(ctx context.Context, sum *types.StatSummary) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (types.PurgeSummary, error)
}

// Specs are five-field cron expressions evaluated in the maintenance timezone.
type Specs struct {
	Daily   string
	Weekly  string
	Monthly string
	Yearly  string
}

// MaintenanceOptions configure the calendar jobs.
type MaintenanceOptions struct {
	Location     *time.Location
	Retention    time.Duration
	SnapshotDays int
	Specs        Specs
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// StatsRun summarises one statistics pass.
type StatsRun struct {
	Period  types.PeriodKind `json:"period"`
	Start   time.Time        `json:"start"`
	End     time.Time        `json:"end"`
	Items   int              `json:"items"`
	Saved   int              `json:"saved"`
	Empty   int              `json:"empty"`
	Failed  int              `json:"failed"`
	Elapsed time.Duration    `json:"elapsed"`
}

// Maintenance owns the purge and statistics jobs.
type Maintenance struct {
	store   MaintenanceStore
	opts    MaintenanceOptions
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	parser cron.Parser
}

// NewMaintenance builds the jobs. Call Start to register them.
func NewMaintenance(store MaintenanceStore, opts MaintenanceOptions) *Maintenance {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Retention <= 0 {
		opts.Retention = 3 * 365 * 24 * time.Hour
	}
	if opts.SnapshotDays <= 0 {
		opts.SnapshotDays = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Maintenance{
		store:   store,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		parser:  parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(opts.Location),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
	}
}

// Start registers the configured jobs and starts the cron runner.
func (m *Maintenance) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"daily", m.opts.Specs.Daily, func(ctx context.Context) error {
			_, purgeErr := m.Purge(ctx)
			_, statsErr := m.RunStatistics(ctx, types.PeriodDaily)
			return errors.Join(purgeErr, statsErr)
		}},
		{"weekly", m.opts.Specs.Weekly, m.statsJob(types.PeriodWeekly)},
		{"monthly", m.opts.Specs.Monthly, m.statsJob(types.PeriodMonthly)},
		{"yearly", m.opts.Specs.Yearly, m.statsJob(types.PeriodYearly)},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		schedule, err := m.parser.Parse(job.spec)
		if err != nil {
			return fmt.Errorf("parse %s spec %q: %w", job.name, job.spec, err)
		}
		m.cron.Schedule(schedule, cron.FuncJob(func() {
			if err := job.run(m.ctx); err != nil {
				m.logger.Error("maintenance job finished with errors", "job", job.name, "error", err)
			}
		}))
		m.logger.Info("maintenance job scheduled", "job", job.name, "spec", job.spec,
			"next_run", schedule.Next(m.opts.Now().In(m.opts.Location)).Format(time.RFC3339))
	}
	m.cron.Start()
	return nil
}

// Stop halts the runner and waits for running jobs.
func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.cron.Stop().Done()
}

func (m *Maintenance) statsJob(period types.PeriodKind) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := m.RunStatistics(ctx, period)
		return err
	}
}

// Purge removes history older than the retention window.
func (m *Maintenance) Purge(ctx context.Context) (types.PurgeSummary, error) {
	cutoff := m.opts.Now().Add(-m.opts.Retention)
	summary, err := m.store.PurgeOlderThan(ctx, cutoff)
	m.metrics.ObserveMaintenance("purge", err)
	if err != nil {
		m.logger.Error("history purge failed", "cutoff", cutoff, "error", err)
		return summary, fmt.Errorf("purge history: %w", err)
	}
	m.logger.Info("history purged", "cutoff", cutoff.Format(time.RFC3339),
		"tracks_deleted", summary.TracksDeleted, "stats_deleted", summary.StatsDeleted)
	return summary, nil
}

// RunStatistics recomputes period statistics for every item over the period
// that ended at the most recent boundary. A failing item is logged and
// skipped; the returned error reports how many failed.
func (m *Maintenance) RunStatistics(ctx context.Context, period types.PeriodKind) (StatsRun, error) {
	started := time.Now()
	start, end := PeriodWindow(period, m.opts.Now(), m.opts.Location)
	run := StatsRun{Period: period, Start: start, End: end}
	job := "stats_" + string(period)

	items, err := m.store.ListTrackedItems(ctx)
	if err != nil {
		m.metrics.ObserveMaintenance(job, err)
		return run, fmt.Errorf("list tracked items: %w", err)
	}
	run.Items = len(items)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		saved, err := m.itemStatistics(ctx, item.ID, period, start, end)
		switch {
		case err != nil:
			run.Failed++
			m.logger.Error("statistics failed", "item_id", item.ID, "period", period, "error", err)
		case saved:
			run.Saved++
		default:
			run.Empty++
		}
	}
	run.Elapsed = time.Since(started)

	var runErr error
	if run.Failed > 0 {
		runErr = fmt.Errorf("%d of %d items failed", run.Failed, run.Items)
	}
	if ctx.Err() != nil {
		runErr = errors.Join(runErr, ctx.Err())
	}
	m.metrics.ObserveMaintenance(job, runErr)
	m.logger.Info("statistics computed", "period", period, "start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly), "items", run.Items, "saved", run.Saved, "empty", run.Empty,
		"failed", run.Failed, "latency_ms", run.Elapsed.Milliseconds())
	return run, runErr
}

func (m *Maintenance) itemStatistics(ctx context.Context, itemID int64, period types.PeriodKind, start, end time.Time) (bool, error) {
	sum, err := m.store.ComputeStatistics(ctx, itemID, period, start, end)
	if err != nil {
		return false, err
	}
	if sum == nil {
		return false, nil
	}
	snapStart := end.AddDate(0, 0, -m.opts.SnapshotDays)
	tracks, err := m.store.ListTracks(ctx, itemID, snapStart, end)
	if err != nil {
		return false, fmt.Errorf("load snapshot tracks: %w", err)
	}
	sum.Snapshot = types.Snapshot(tracks, end, m.opts.SnapshotDays, m.opts.Location)
	if err := m.store.SaveStatistic(ctx, sum); err != nil {
		return false, err
	}
	return true, nil
}

// PeriodWindow returns the [start, end) window of the period that ended at
// or before now. Weeks end at the local midnight of now's day.
func PeriodWindow(period types.PeriodKind, now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	switch period {
	case types.PeriodWeekly:
		return midnight.AddDate(0, 0, -7), midnight
	case types.PeriodMonthly:
		end := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return end.AddDate(0, -1, 0), end
	case types.PeriodYearly:
		end := time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return end.AddDate(-1, 0, 0), end
	default:
		return midnight.AddDate(0, 0, -1), midnight
	}
}

// cronLogger routes cron runner messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
