package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/speedwagon-io/tankwatch/internal/config"
	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
)

var (
	ErrTooManyTanks = errors.New("report has more tanks than a channel has fields")
	ErrRejected     = errors.New("update rejected by channel")
)

// ThingSpeakSender writes each tank's fullness to the analysis channel, one
// field per tank in configuration order.
type ThingSpeakSender struct {
	log      *slog.Logger
	baseURL  string
	writeKey string
	client   *http.Client
	retry    *RetryConfig
	backoff  *ExponentialBackoff
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func NewThingSpeakSender(log *slog.Logger, cfg *config.SenderConfig) *ThingSpeakSender {
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ThingSpeakSender{
		log:      log,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		writeKey: cfg.WriteAPIKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		retry: &RetryConfig{
			MaxAttempts:  maxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		backoff: NewExponentialBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
	}
}

func (s *ThingSpeakSender) Name() string {
	return "thingspeak"
}

func (s *ThingSpeakSender) Send(ctx context.Context, report *model.Report) error {
	form, err := s.encode(report)
	if err != nil {
		return err
	}
	return s.sendWithRetry(ctx, []byte(form.Encode()))
}

func (s *ThingSpeakSender) encode(report *model.Report) (url.Values, error) {
	if len(report.Tanks) > config.MaxChannelFields {
		return nil, fmt.Errorf("%w: %d", ErrTooManyTanks, len(report.Tanks))
	}

	form := url.Values{}
	form.Set("api_key", s.writeKey)
	for i, level := range report.Tanks {
		form.Set(fmt.Sprintf("field%d", i+1), strconv.FormatFloat(level.Fullness, 'f', -1, 64))
	}
	if !report.Timestamp.IsZero() {
		form.Set("created_at", report.Timestamp.UTC().Format(time.RFC3339))
	}
	return form, nil
}

func (s *ThingSpeakSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err := s.doSend(ctx, data)
		if err == nil {
			return nil
		}

		lastErr = err
		s.log.Warn("send attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.retry.MaxAttempts),
			sl.Err(err),
		)

		if attempt < s.retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff.NextDelay(attempt - 1)):
			}
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", s.retry.MaxAttempts, lastErr)
}

func (s *ThingSpeakSender) doSend(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/update", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	// The body is the new entry id; "0" means the update was not stored,
	// typically because of the channel's rate limit.
	if strings.TrimSpace(string(body)) == "0" {
		return ErrRejected
	}

	return nil
}

func (s *ThingSpeakSender) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
