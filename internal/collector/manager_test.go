package collector_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/tankwatch/internal/analyser"
	"github.com/speedwagon-io/tankwatch/internal/buffer"
	"github.com/speedwagon-io/tankwatch/internal/collector"
	"github.com/speedwagon-io/tankwatch/internal/config"
	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
	"github.com/speedwagon-io/tankwatch/internal/observability"
	"github.com/speedwagon-io/tankwatch/internal/sender"
)

type stubRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *stubRunner) RunCycle(_ context.Context) (*model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	report := model.NewReport("site", "Site", time.Now(), []model.TankLevel{{Tag: "A", Fullness: 50}})
	return report, r.err
}

func (r *stubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubCollector struct {
	closed bool
}

func (c *stubCollector) Collect(context.Context, *config.SourceConfig) (float64, error) { return 0, nil }
func (c *stubCollector) Name() string                                                  { return "stub" }
func (c *stubCollector) Close() error                                                  { c.closed = true; return nil }

type stubSender struct {
	failAfter int
	sent      []string
}

func (s *stubSender) Send(_ context.Context, r *model.Report) error {
	if s.failAfter >= 0 && len(s.sent) >= s.failAfter {
		return errors.New("sink down")
	}
	s.sent = append(s.sent, r.ID)
	return nil
}
func (s *stubSender) Health(context.Context) error { return nil }
func (s *stubSender) Name() string                 { return "stub" }

type memBuffer struct {
	reports  []*buffer.Pending
	cleanups int
	storeErr error
}

func (b *memBuffer) Store(_ context.Context, r *model.Report, sinks []string) error {
	if b.storeErr != nil {
		return b.storeErr
	}
	for _, p := range b.reports {
		if p.Report.ID == r.ID {
			p.Sinks = sinks
			return nil
		}
	}
	b.reports = append(b.reports, &buffer.Pending{Report: r, Sinks: sinks})
	return nil
}

func (b *memBuffer) GetPending(_ context.Context, limit int) ([]*buffer.Pending, error) {
	if limit > len(b.reports) {
		limit = len(b.reports)
	}
	return append([]*buffer.Pending(nil), b.reports[:limit]...), nil
}

func (b *memBuffer) MarkSent(_ context.Context, ids []string) error {
	sent := make(map[string]bool, len(ids))
	for _, id := range ids {
		sent[id] = true
	}
	kept := b.reports[:0]
	for _, p := range b.reports {
		if !sent[p.Report.ID] {
			kept = append(kept, p)
		}
	}
	b.reports = kept
	return nil
}

func (b *memBuffer) Cleanup(context.Context, time.Duration) error { b.cleanups++; return nil }
func (b *memBuffer) Count(context.Context) (int64, error)         { return int64(len(b.reports)), nil }
func (b *memBuffer) Close() error                                  { return nil }

type fixture struct {
	manager   *collector.Manager
	runner    *stubRunner
	collector *stubCollector
	sender    *stubSender
	buffer    *memBuffer
	metrics   *observability.Metrics
}

func newFixture(bufferEnabled bool) *fixture {
	cfg := &config.Config{Buffer: config.BufferConfig{
		Enabled:       bufferEnabled,
		MaxAge:        24 * time.Hour,
		RetryInterval: time.Hour,
	}}
	site := &config.SiteConfig{SiteID: "site", Polling: config.PollingConfig{Interval: time.Hour}}

	f := &fixture{
		runner:    &stubRunner{},
		collector: &stubCollector{},
		sender:    &stubSender{failAfter: -1},
		buffer:    &memBuffer{},
		metrics:   observability.NewMetricsForTesting(),
	}
	f.manager = collector.NewManager(sl.Discard(), cfg, site, f.runner, f.collector, f.sender, f.buffer, f.metrics)
	return f
}

func TestRunOnce_BuffersOnSinkFailure(t *testing.T) {
	f := newFixture(true)
	f.runner.err = fmt.Errorf("%w: sink down", analyser.ErrSink)

	f.manager.RunOnce(context.Background())

	require.Len(t, f.buffer.reports, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BufferedReports))
}

func TestRunOnce_SuccessDoesNotBuffer(t *testing.T) {
	f := newFixture(true)

	f.manager.RunOnce(context.Background())

	assert.Empty(t, f.buffer.reports)
	assert.Equal(t, 1, f.runner.Calls())
}

func TestRunOnce_NonSinkErrorDoesNotBuffer(t *testing.T) {
	f := newFixture(true)
	f.runner.err = errors.New("unexpected")

	f.manager.RunOnce(context.Background())

	assert.Empty(t, f.buffer.reports)
}

func TestRunOnce_BufferDisabled(t *testing.T) {
	f := newFixture(false)
	f.runner.err = fmt.Errorf("%w: sink down", analyser.ErrSink)

	f.manager.RunOnce(context.Background())

	assert.Empty(t, f.buffer.reports)
}

func TestProcessBuffered_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(true)
	f.runner.err = fmt.Errorf("%w: sink down", analyser.ErrSink)
	for i := 0; i < 3; i++ {
		f.manager.RunOnce(context.Background())
	}
	require.Len(t, f.buffer.reports, 3)
	first := f.buffer.reports[0].Report.ID
	last := f.buffer.reports[2].Report.ID

	f.sender.failAfter = 2
	f.manager.ProcessBuffered(context.Background())

	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, first, f.sender.sent[0])
	require.Len(t, f.buffer.reports, 1)
	assert.Equal(t, last, f.buffer.reports[0].Report.ID)
	assert.Equal(t, 1, f.buffer.cleanups)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BufferedReports))
}

func TestProcessBuffered_EmptyStillCleansUp(t *testing.T) {
	f := newFixture(true)

	f.manager.ProcessBuffered(context.Background())

	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 1, f.buffer.cleanups)
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	f := newFixture(true)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.manager.Start(ctx) }()

	require.Eventually(t, func() bool { return f.runner.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStop_ClosesCollector(t *testing.T) {
	f := newFixture(false)

	go func() { _ = f.manager.Start(context.Background()) }()
	require.Eventually(t, func() bool { return f.runner.Calls() == 1 }, time.Second, 5*time.Millisecond)

	f.manager.Stop()
	f.manager.Stop()

	assert.True(t, f.collector.closed)
}

func TestRunOnce_BuffersOnlyFailedSinks(t *testing.T) {
	f := newFixture(true)
	sendErr := sender.NewMultiSender(sl.Discard(),
		&flakySink{name: "thingspeak", down: true},
		&flakySink{name: "file"},
	).Send(context.Background(), model.NewReport("site", "Site", time.Now(), nil))
	f.runner.err = fmt.Errorf("%w: %w", analyser.ErrSink, sendErr)

	f.manager.RunOnce(context.Background())

	require.Len(t, f.buffer.reports, 1)
	assert.Equal(t, []string{"thingspeak"}, f.buffer.reports[0].Sinks)
}

func TestStart_LogsCollectorName(t *testing.T) {
	var out bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&out, nil))

	cfg := &config.Config{}
	site := &config.SiteConfig{SiteID: "site", Polling: config.PollingConfig{Interval: time.Hour}}
	m := collector.NewManager(log, cfg, site, &stubRunner{}, &stubCollector{}, &stubSender{failAfter: -1}, nil,
		observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Start(ctx))

	assert.Contains(t, out.String(), `"collector":"stub"`)
}

// flakySink fails while down and records what it accepted.
type flakySink struct {
	name     string
	down     bool
	accepted []*model.Report
}

func (s *flakySink) Name() string                  { return s.name }
func (s *flakySink) Health(context.Context) error { return nil }

func (s *flakySink) Send(_ context.Context, r *model.Report) error {
	if s.down {
		return errors.New("service unavailable")
	}
	s.accepted = append(s.accepted, r)
	return nil
}

type distanceFetcher struct {
	distance float64
}

func (f *distanceFetcher) Collect(context.Context, *config.SourceConfig) (float64, error) {
	return f.distance, nil
}

func TestProcessBuffered_ReplaysOnlyToFailedSinks(t *testing.T) {
	dir := t.TempDir()
	fullnessPath := filepath.Join(dir, "fullness.txt")
	analysisPath := filepath.Join(dir, "analysis.txt")

	files := sender.NewFileSender(sl.Discard(), analysisPath, fullnessPath)
	remote := &flakySink{name: "thingspeak", down: true}
	multi := sender.NewMultiSender(sl.Discard(), files, remote)

	fetcher := &distanceFetcher{distance: 20}
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC))
	an, err := analyser.New(sl.Discard(),
		[]config.TankConfig{{Tag: "A", Depth: 100}},
		[]config.SourceConfig{{ChannelID: "100", Field: 1}},
		fetcher, multi,
		analyser.WithClock(clock),
	)
	require.NoError(t, err)

	buf, err := buffer.NewSQLiteBuffer(sl.Discard(), filepath.Join(dir, "buffer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	cfg := &config.Config{Buffer: config.BufferConfig{Enabled: true, MaxAge: 24 * time.Hour, RetryInterval: time.Hour}}
	site := &config.SiteConfig{SiteID: "site", Polling: config.PollingConfig{Interval: time.Hour}}
	m := collector.NewManager(sl.Discard(), cfg, site, an, &stubCollector{}, multi, buf,
		observability.NewMetricsForTesting())
	ctx := context.Background()

	m.RunOnce(ctx)
	first := an.Latest()
	readFile := func() string {
		data, err := os.ReadFile(fullnessPath)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "A 80\n", readFile())

	remote.down = false
	fetcher.distance = 80
	clock.Advance(15 * time.Second)
	m.RunOnce(ctx)
	assert.Equal(t, "A 20\n", readFile())

	m.ProcessBuffered(ctx)

	assert.Equal(t, "A 20\n", readFile())
	require.Len(t, remote.accepted, 2)
	assert.Equal(t, first.ID, remote.accepted[1].ID)

	count, err := buf.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
