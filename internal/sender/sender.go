package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
)

// Sender publishes finished reports somewhere outside the process.
type Sender interface {
	Send(ctx context.Context, report *model.Report) error
	Health(ctx context.Context) error
	Name() string
}

// MultiSender fans a report out to every sink. A report counts as sent only
// if every sink accepted it.
type MultiSender struct {
	log     *slog.Logger
	senders []Sender
}

func NewMultiSender(log *slog.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{log: log, senders: senders}
}

func (m *MultiSender) Name() string {
	return "multi"
}

func (m *MultiSender) Len() int {
	return len(m.senders)
}

func (m *MultiSender) Send(ctx context.Context, report *model.Report) error {
	return m.send(ctx, report, m.senders)
}

// SendTo delivers report only to the named sinks. Names that no longer match
// a configured sink are skipped.
func (m *MultiSender) SendTo(ctx context.Context, report *model.Report, names []string) error {
	if len(names) == 0 {
		return m.Send(ctx, report)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	targets := make([]Sender, 0, len(names))
	for _, s := range m.senders {
		if wanted[s.Name()] {
			targets = append(targets, s)
			delete(wanted, s.Name())
		}
	}
	for n := range wanted {
		m.log.Warn("buffered sink is no longer configured", slog.String("sink", n))
	}

	return m.send(ctx, report, targets)
}

func (m *MultiSender) send(ctx context.Context, report *model.Report, targets []Sender) error {
	var sendErr *SendError
	for _, s := range targets {
		if err := s.Send(ctx, report); err != nil {
			m.log.Warn("sink rejected report",
				slog.String("sink", s.Name()),
				slog.String("report_id", report.ID),
				sl.Err(err),
			)
			if sendErr == nil {
				sendErr = &SendError{}
			}
			sendErr.Failed = append(sendErr.Failed, s.Name())
			sendErr.errs = append(sendErr.errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if sendErr == nil {
		return nil
	}
	return sendErr
}

func (m *MultiSender) Health(ctx context.Context) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendError lists the sinks that rejected a report.
type SendError struct {
	Failed []string
	errs   []error
}

func (e *SendError) Error() string {
	return errors.Join(e.errs...).Error()
}

func (e *SendError) Unwrap() []error { return e.errs }

// FailedSinks returns the names of the sinks that rejected a report, or nil
// if err does not carry them.
func FailedSinks(err error) []string {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Failed
	}
	return nil
}

// LogSender logs reports instead of sending them (for dry runs)
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Name() string {
	return "log"
}

func (s *LogSender) Send(ctx context.Context, report *model.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	s.log.Info("SEND",
		slog.String("report_id", report.ID),
		slog.String("max_tank", report.MaxTank),
		slog.String("min_tank", report.MinTank),
		slog.Int("tanks", len(report.Tanks)),
		slog.String("payload", string(data)),
	)

	return nil
}

func (s *LogSender) Health(ctx context.Context) error {
	return nil
}
