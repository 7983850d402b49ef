package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/speedwagon-io/tankwatch/internal/analyser"
	"github.com/speedwagon-io/tankwatch/internal/buffer"
	"github.com/speedwagon-io/tankwatch/internal/config"
	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
	"github.com/speedwagon-io/tankwatch/internal/observability"
	"github.com/speedwagon-io/tankwatch/internal/sender"
)

const pendingBatchSize = 100

// targetedSender can deliver a report to a subset of its sinks.
type targetedSender interface {
	SendTo(ctx context.Context, report *model.Report, sinks []string) error
}

// CycleRunner runs one collect/analyse/report/publish cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*model.Report, error)
}

type Manager struct {
	log       *slog.Logger
	cfg       *config.Config
	siteCfg   *config.SiteConfig
	runner    CycleRunner
	collector Collector
	sender    sender.Sender
	buffer    buffer.Buffer
	metrics   *observability.Metrics
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	bufferEnabled bool
}

func NewManager(
	log *slog.Logger,
	cfg *config.Config,
	siteCfg *config.SiteConfig,
	runner CycleRunner,
	collector Collector,
	sender sender.Sender,
	buffer buffer.Buffer,
	metrics *observability.Metrics,
) *Manager {
	return &Manager{
		log:           log,
		cfg:           cfg,
		siteCfg:       siteCfg,
		runner:        runner,
		collector:     collector,
		sender:        sender,
		buffer:        buffer,
		metrics:       metrics,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		bufferEnabled: cfg.Buffer.Enabled && buffer != nil,
	}
}

// Start runs one cycle immediately, then schedules cycles every polling
// interval. It blocks until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	defer close(m.done)

	m.log.Info("starting collector manager",
		slog.String("site_id", m.siteCfg.SiteID),
		slog.String("collector", m.collector.Name()),
		slog.Duration("interval", m.siteCfg.Polling.Interval),
		slog.Bool("buffer", m.bufferEnabled),
	)

	logger := cronLogger{log: m.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(every(m.siteCfg.Polling.Interval), func() { m.RunOnce(ctx) }); err != nil {
		return err
	}
	if m.bufferEnabled {
		if _, err := c.AddFunc(every(m.cfg.Buffer.RetryInterval), func() { m.ProcessBuffered(ctx) }); err != nil {
			return err
		}
	}

	m.RunOnce(ctx)
	c.Start()

	select {
	case <-ctx.Done():
		m.log.Info("context cancelled, stopping manager")
	case <-m.stopCh:
		m.log.Info("stop signal received, stopping manager")
	}

	// wait for running jobs
	<-c.Stop().Done()
	return nil
}

// Stop ends Start, waits for in-flight jobs and closes the collector.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
	if err := m.collector.Close(); err != nil {
		m.log.Error("failed to close collector", sl.Err(err))
	}
}

// RunOnce runs a single cycle and buffers the report if publishing failed.
func (m *Manager) RunOnce(ctx context.Context) {
	report, err := m.runner.RunCycle(ctx)
	if err == nil {
		m.log.Debug("report published",
			slog.String("report_id", report.ID),
			slog.String("max_tank", report.MaxTank),
			slog.String("min_tank", report.MinTank),
		)
		return
	}

	if !errors.Is(err, analyser.ErrSink) || report == nil {
		m.log.Error("analysis cycle failed", sl.Err(err))
		return
	}

	if !m.bufferEnabled {
		return
	}

	// only the sinks that rejected the report are retried
	sinks := sender.FailedSinks(err)
	if bufErr := m.buffer.Store(ctx, report, sinks); bufErr != nil {
		m.log.Error("failed to buffer report",
			slog.String("report_id", report.ID),
			sl.Err(bufErr),
		)
		return
	}
	m.log.Info("report buffered for later retry",
		slog.String("report_id", report.ID),
		slog.Any("sinks", sinks),
	)
	m.updateBuffered(ctx)
}

// ProcessBuffered resends pending reports oldest first and stops at the first
// failure so ordering is preserved.
func (m *Manager) ProcessBuffered(ctx context.Context) {
	if !m.bufferEnabled {
		return
	}

	pending, err := m.buffer.GetPending(ctx, pendingBatchSize)
	if err != nil {
		m.log.Error("failed to get pending reports from buffer", sl.Err(err))
		return
	}

	if len(pending) > 0 {
		m.log.Info("processing buffered reports", slog.Int("count", len(pending)))

		var sentIDs []string
		for _, p := range pending {
			if err := m.replay(ctx, p); err != nil {
				m.log.Debug("failed to send buffered report",
					slog.String("report_id", p.Report.ID),
					sl.Err(err),
				)
				if failed := sender.FailedSinks(err); len(failed) > 0 && len(failed) != len(p.Sinks) {
					if err := m.buffer.Store(ctx, p.Report, failed); err != nil {
						m.log.Error("failed to update buffered sinks", sl.Err(err))
					}
				}
				break
			}
			sentIDs = append(sentIDs, p.Report.ID)
		}

		if len(sentIDs) > 0 {
			if err := m.buffer.MarkSent(ctx, sentIDs); err != nil {
				m.log.Error("failed to mark buffered reports as sent", sl.Err(err))
			} else {
				m.log.Info("buffered reports sent", slog.Int("count", len(sentIDs)))
			}
		}
	}

	if err := m.buffer.Cleanup(ctx, m.cfg.Buffer.MaxAge); err != nil {
		m.log.Error("failed to cleanup old buffer entries", sl.Err(err))
	}
	m.updateBuffered(ctx)
}

// replay resends a buffered report to the sinks that have not accepted it.
func (m *Manager) replay(ctx context.Context, p *buffer.Pending) error {
	if ts, ok := m.sender.(targetedSender); ok && len(p.Sinks) > 0 {
		return ts.SendTo(ctx, p.Report, p.Sinks)
	}
	return m.sender.Send(ctx, p.Report)
}

func (m *Manager) updateBuffered(ctx context.Context) {
	n, err := m.buffer.Count(ctx)
	if err != nil {
		m.log.Warn("failed to count buffered reports", sl.Err(err))
		return
	}
	m.metrics.SetBuffered(n)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's key/value logging into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{sl.Err(err)}, keysAndValues...)...)
}
