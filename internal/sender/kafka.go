package sender

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/speedwagon-io/tankwatch/internal/config"
	"github.com/speedwagon-io/tankwatch/internal/model"
)

// MessageWriter is the part of kafkago.Writer the sender needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSender publishes each report as JSON, keyed by site.
type KafkaSender struct {
	log    *slog.Logger
	writer MessageWriter
}

func NewKafkaWriter(cfg *config.KafkaConfig) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
}

func NewKafkaSender(log *slog.Logger, writer MessageWriter) *KafkaSender {
	return &KafkaSender{log: log, writer: writer}
}

func (s *KafkaSender) Name() string {
	return "kafka"
}

func (s *KafkaSender) Send(ctx context.Context, report *model.Report) error {
	msg, err := reportToMessage(report)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func (s *KafkaSender) Health(ctx context.Context) error {
	return nil
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}

func reportToMessage(report *model.Report) (kafkago.Message, error) {
	data, err := report.ToJSON()
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize report: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(report.SiteID),
		Value: data,
		Time:  report.Timestamp,
		Headers: []kafkago.Header{
			{Key: "report_id", Value: []byte(report.ID)},
			{Key: "max_tank", Value: []byte(report.MaxTank)},
			{Key: "min_tank", Value: []byte(report.MinTank)},
			{Key: "generated_at", Value: []byte(report.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
