package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultMonitorInterval = time.Second

// ScheduleMonitor is the background loop of the polled backend: each
// tick it claims every due entry from the sorted index and hands it to
// the Task Executor. Claiming removes the entry atomically, so a
// failed publish re-arms it for the next tick instead of leaving a
// window where another replica could dispatch it too.
//
// One monitor runs per process; it lives until Stop or context
// cancellation.
type ScheduleMonitor struct {
	provider PolledProvider
	executor TaskExecutor
	interval time.Duration
	metrics  *metrics
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewScheduleMonitor(ctx context.Context, provider PolledProvider, executor TaskExecutor, interval time.Duration, log zerolog.Logger) *ScheduleMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	ctx, cancel := context.WithCancel(ctx)

	m := newMetrics()

	return &ScheduleMonitor{
		provider: provider,
		executor: executor,
		interval: interval,
		metrics:  &m,
		log:      log.With().Str("component", "schedule_monitor").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *ScheduleMonitor) Run() {
	go func() {
		m.log.Info().Dur("interval", m.interval).Msg("starting schedule monitor")

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				m.log.Info().Msg("schedule monitor stopped")
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

func (m *ScheduleMonitor) Stop() {
	m.cancel()
}

// Tick runs a single poll cycle. Exported for tests and manual
// triggering.
func (m *ScheduleMonitor) Tick() {
	m.tick()
}

func (m *ScheduleMonitor) tick() {
	entries, err := m.provider.ClaimDue(m.ctx, time.Now())

	if err != nil {
		m.log.Error().Err(err).Msg("failed to claim due schedules")
		return
	}

	if len(entries) == 0 {
		return
	}

	m.log.Info().Int("count", len(entries)).Msg("claimed due schedules")

	for _, entry := range entries {
		if m.executor.Execute(m.ctx, entry) {
			// The claim already removed the index member; this clears
			// the metadata key.
			if err := m.provider.DeleteSchedule(m.ctx, entry.Name); err != nil {
				m.log.Warn().Err(err).Str("schedule", entry.Name).Msg("failed to clean up dispatched schedule")
			}

			m.metrics.Op()
			continue
		}

		if err := m.provider.Rearm(m.ctx, entry); err != nil {
			m.log.Error().Err(err).Str("schedule", entry.Name).Msg("failed to re-arm schedule after publish failure")
			continue
		}

		m.log.Warn().Str("schedule", entry.Name).Msg("publish failed, schedule re-armed for next tick")
	}

	m.log.Info().Int64("ops", m.metrics.Ops()).Float64("op_rate", m.metrics.OpRate()).Msg("dispatch throughput")
}
