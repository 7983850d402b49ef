package collector

import (
	"context"

	"github.com/speedwagon-io/tankwatch/internal/config"
)

// Collector fetches the latest raw distance reading for one tank's source.
// It satisfies analyser.Fetcher.
type Collector interface {
	Collect(ctx context.Context, source *config.SourceConfig) (float64, error)
	Name() string
	Close() error
}
