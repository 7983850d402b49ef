package adapters

import (
	"context"
	"encoding/json"
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
)

var ErrNoReading = errors.New("channel has no reading")

type ThingSpeakAdapter struct {
	log     *slog.Logger
	baseURL string
	client  *http.Client
}

func NewThingSpeakAdapter(log *slog.Logger, baseURL string, timeout time.Duration) *ThingSpeakAdapter {
	return &ThingSpeakAdapter{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (a *ThingSpeakAdapter) Name() string {
	return "thingspeak"
}

func (a *ThingSpeakAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// Collect reads the last entry of the source's channel field.
func (a *ThingSpeakAdapter) Collect(ctx context.Context, source *config.SourceConfig) (float64, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/fields/%d/last.json?%s",
		a.baseURL,
		url.PathEscape(source.ChannelID),
		source.FieldNumber(),
		url.Values{
			"api_key": {source.ReadAPIKey},
			"status":  {"true"},
		}.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	// An empty channel answers with the bare string "-1".
	if strings.TrimSpace(string(body)) == "-1" {
		return 0, ErrNoReading
	}

	var entry map[string]any
	if err := json.Unmarshal(body, &entry); err != nil {
		return 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	field := source.FieldName()
	raw, ok := entry[field]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: %s is empty", ErrNoReading, field)
	}

	distance, err := toFloat(raw)
	if err != nil {
		a.log.Debug("unparsable reading",
			slog.String("channel_id", source.ChannelID),
			slog.Any("value", raw),
			sl.Err(err),
		)
		return 0, fmt.Errorf("invalid %s value: %w", field, err)
	}

	return distance, nil
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
