// Package tank models a single storage tank monitored by an ultrasonic
// distance sensor mounted at its top.
package tank

import (
	"errors"
	"fmt"
	"math"

	"github.com/speedwagon-io/tankwatch/internal/config"
)

var (
	ErrInvalidDepth   = errors.New("tank depth must be a positive finite number")
	ErrEmptyTag       = errors.New("tank tag must not be empty")
	ErrInvalidReading = errors.New("negative distance reading")
	ErrSensorRange    = errors.New("distance reading out of sensor range")
)

type Band string

const (
	BandHigh     Band = "high"
	BandModerate Band = "moderate"
	BandLow      Band = "low"
)

const (
	highThreshold     = 75.0
	moderateThreshold = 30.0
)

// Tank holds the calibration of one tank. Depth is the distance the sensor
// reports when the tank is empty.
type Tank struct {
	tag   string
	depth float64
}

func New(cfg config.TankConfig) (*Tank, error) {
	if cfg.Tag == "" {
		return nil, ErrEmptyTag
	}
	if !(cfg.Depth > 0) || math.IsInf(cfg.Depth, 0) {
		return nil, fmt.Errorf("tank %q: %w (got %v)", cfg.Tag, ErrInvalidDepth, cfg.Depth)
	}
	return &Tank{tag: cfg.Tag, depth: cfg.Depth}, nil
}

func (t *Tank) Tag() string { return t.tag }

func (t *Tank) Depth() float64 { return t.depth }

// CalculateFullness converts a raw distance into a percentage in [0, 100].
// Distances beyond the depth are clamped to the depth and read as empty.
func (t *Tank) CalculateFullness(distance float64) float64 {
	d := math.Min(t.depth, math.Max(0, distance))
	return (t.depth - d) / t.depth * 100
}

// InRange reports whether a raw reading can be accepted. Readings above
// tolerance*depth are sensor faults (no echo, obstructed or misaligned
// sensor), not an empty tank.
func (t *Tank) InRange(distance, tolerance float64) error {
	switch {
	case math.IsNaN(distance) || distance < 0:
		return ErrInvalidReading
	case distance > tolerance*t.depth:
		return ErrSensorRange
	}
	return nil
}

func BandOf(fullness float64) Band {
	switch {
	case fullness > highThreshold:
		return BandHigh
	case fullness > moderateThreshold:
		return BandModerate
	default:
		return BandLow
	}
}
