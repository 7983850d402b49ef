// Package analyser turns raw ultrasonic distance readings from a set of
// storage tanks into fullness percentages and per-cycle reports.
package analyser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/speedwagon-io/tankwatch/internal/config"
	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
	"github.com/speedwagon-io/tankwatch/internal/observability"
	"github.com/speedwagon-io/tankwatch/internal/tank"
)

const (
	DefaultRangeTolerance = 1.05
	DefaultFetchTimeout   = 5 * time.Second
)

// Fetcher returns the latest raw distance for a tank's data source.
type Fetcher interface {
	Collect(ctx context.Context, source *config.SourceConfig) (float64, error)
}

// Publisher receives every finished report.
type Publisher interface {
	Send(ctx context.Context, report *model.Report) error
}

type tankState struct {
	tank   *tank.Tank
	source config.SourceConfig

	lastRawDistance float64
	lastFullness    float64
	seen            bool
	fresh           bool
}

// Analyser owns the tanks of one site and their latest readings. A cycle is
// Collect, Analyse, Report; RunCycle runs all three under one lock.
type Analyser struct {
	log       *slog.Logger
	fetcher   Fetcher
	publisher Publisher
	metrics   *observability.Metrics
	clock     clockwork.Clock

	siteID       string
	siteName     string
	tolerance    float64
	fetchTimeout time.Duration

	mu     sync.Mutex
	tanks  []*tankState
	latest atomic.Pointer[model.Report]
}

type Option func(*Analyser)

func WithClock(c clockwork.Clock) Option {
	return func(a *Analyser) { a.clock = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(a *Analyser) { a.metrics = m }
}

func WithRangeTolerance(tolerance float64) Option {
	return func(a *Analyser) { a.tolerance = tolerance }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(a *Analyser) { a.fetchTimeout = d }
}

func WithSite(id, name string) Option {
	return func(a *Analyser) {
		a.siteID = id
		a.siteName = name
	}
}

// New pairs tanks with sources by position. Any inconsistency is reported as
// ErrConfig.
func New(
	log *slog.Logger,
	tanks []config.TankConfig,
	sources []config.SourceConfig,
	fetcher Fetcher,
	publisher Publisher,
	opts ...Option,
) (*Analyser, error) {
	a := &Analyser{
		log:          log,
		fetcher:      fetcher,
		publisher:    publisher,
		clock:        clockwork.NewRealClock(),
		tolerance:    DefaultRangeTolerance,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	if fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher", ErrConfig)
	}
	if len(tanks) == 0 {
		return nil, fmt.Errorf("%w: no tanks configured", ErrConfig)
	}
	if len(tanks) != len(sources) {
		return nil, fmt.Errorf("%w: %d tanks but %d sources", ErrConfig, len(tanks), len(sources))
	}
	if math.IsNaN(a.tolerance) || a.tolerance < 1 {
		return nil, fmt.Errorf("%w: range tolerance must be at least 1, got %v", ErrConfig, a.tolerance)
	}
	if a.fetchTimeout <= 0 {
		return nil, fmt.Errorf("%w: fetch timeout must be positive", ErrConfig)
	}

	seen := make(map[string]struct{}, len(tanks))
	a.tanks = make([]*tankState, 0, len(tanks))
	for i, tc := range tanks {
		t, err := tank.New(tc)
		if err != nil {
			return nil, fmt.Errorf("%w: tank #%d: %w", ErrConfig, i+1, err)
		}
		if _, dup := seen[t.Tag()]; dup {
			return nil, fmt.Errorf("%w: duplicate tank tag %q", ErrConfig, t.Tag())
		}
		seen[t.Tag()] = struct{}{}

		if err := sources[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: source for tank %q: %w", ErrConfig, t.Tag(), err)
		}

		a.tanks = append(a.tanks, &tankState{tank: t, source: sources[i]})
	}

	return a, nil
}

// Collect fetches one reading per tank. Failed fetches and rejected readings
// leave that tank's last accepted distance in place; the joined per-tank
// errors are returned for inspection only.
func (a *Analyser) Collect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collect(ctx)
}

func (a *Analyser) Analyse() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyse()
}

func (a *Analyser) Report() *model.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.report()
}

// RunCycle performs a complete cycle and hands the report to the publisher.
// The report is always produced; a publish failure is returned wrapped in
// ErrSink and does not touch the in-memory state.
func (a *Analyser) RunCycle(ctx context.Context) (*model.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.clock.Now()

	if err := a.collect(ctx); err != nil {
		a.log.Debug("cycle completed with tank errors", sl.Err(err))
	}
	a.analyse()
	report := a.report()

	err := a.publish(ctx, report)

	a.metrics.CycleCompleted(a.clock.Since(start).Seconds())
	return report, err
}

// Latest returns the report of the most recent cycle, or nil before the first.
func (a *Analyser) Latest() *model.Report {
	return a.latest.Load()
}

// CheckReadiness reports whether at least one cycle has completed.
func (a *Analyser) CheckReadiness(_ context.Context) error {
	if a.latest.Load() == nil {
		return errors.New("no analysis cycle has completed yet")
	}
	return nil
}

func (a *Analyser) Len() int { return len(a.tanks) }

type fetchResult struct {
	distance float64
	err      error
}

func (a *Analyser) collect(ctx context.Context) error {
	results := make([]fetchResult, len(a.tanks))

	var wg sync.WaitGroup
	for i, st := range a.tanks {
		wg.Add(1)
		go func(i int, st *tankState) {
			defer wg.Done()
			d, err := a.fetch(ctx, st)
			results[i] = fetchResult{distance: d, err: err}
		}(i, st)
	}
	wg.Wait()

	var errs []error
	for i, st := range a.tanks {
		st.fresh = false
		res := results[i]
		tag := st.tank.Tag()

		if res.err != nil {
			a.log.Warn("failed to fetch reading, keeping last value",
				slog.String("tank", tag),
				sl.Err(res.err),
			)
			a.metrics.FetchFailed(tag)
			errs = append(errs, &TankError{Tag: tag, Err: fmt.Errorf("%w: %w", ErrFetch, res.err)})
			continue
		}

		if err := st.tank.InRange(res.distance, a.tolerance); err != nil {
			reason := "range"
			if errors.Is(err, ErrInvalidReading) {
				reason = "invalid"
			}
			a.log.Warn("distance reading rejected, keeping last value",
				slog.String("tank", tag),
				slog.Float64("distance", res.distance),
				slog.Float64("depth", st.tank.Depth()),
				slog.String("reason", reason),
			)
			a.metrics.ReadingRejected(tag, reason)
			errs = append(errs, &TankError{Tag: tag, Value: res.distance, Err: err})
			continue
		}

		st.lastRawDistance = res.distance
		st.seen = true
		st.fresh = true
	}

	return errors.Join(errs...)
}

// fetch bounds a single fetch by the per-tank timeout even if the fetcher
// ignores its context.
func (a *Analyser) fetch(ctx context.Context, st *tankState) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		d, err := a.fetcher.Collect(ctx, &st.source)
		ch <- fetchResult{distance: d, err: err}
	}()

	select {
	case res := <-ch:
		return res.distance, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (a *Analyser) analyse() {
	for _, st := range a.tanks {
		st.lastFullness = st.tank.CalculateFullness(st.lastRawDistance)
		a.metrics.SetFullness(st.tank.Tag(), st.lastFullness)
	}
}

func (a *Analyser) report() *model.Report {
	levels := make([]model.TankLevel, 0, len(a.tanks))
	for _, st := range a.tanks {
		quality := model.QualityGood
		switch {
		case !st.seen:
			quality = model.QualityUnknown
		case !st.fresh:
			quality = model.QualityStale
		}

		levels = append(levels, model.TankLevel{
			Tag:         st.tank.Tag(),
			RawDistance: st.lastRawDistance,
			Fullness:    st.lastFullness,
			Band:        tank.BandOf(st.lastFullness),
			Quality:     quality,
		})
	}

	report := model.NewReport(a.siteID, a.siteName, a.clock.Now(), levels)
	a.latest.Store(report)
	return report
}

func (a *Analyser) publish(ctx context.Context, report *model.Report) error {
	if a.publisher == nil {
		return nil
	}

	if err := a.publisher.Send(ctx, report); err != nil {
		a.metrics.SinkFailed()
		a.log.Error("failed to publish report",
			slog.String("report_id", report.ID),
			sl.Err(err),
		)
		return fmt.Errorf("%w: %w", ErrSink, err)
	}

	a.log.Debug("report published",
		slog.String("report_id", report.ID),
		slog.String("max_tank", report.MaxTank),
		slog.String("min_tank", report.MinTank),
	)
	return nil
}
