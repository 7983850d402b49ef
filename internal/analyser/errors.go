package analyser

import (
	"errors"
	"fmt"

	"github.com/speedwagon-io/tankwatch/internal/tank"
)

var (
	// ErrConfig is fatal and only returned at construction.
	ErrConfig = errors.New("invalid analyser configuration")

	ErrFetch          = errors.New("fetch failed")
	ErrSensorRange    = tank.ErrSensorRange
	ErrInvalidReading = tank.ErrInvalidReading
	ErrSink           = errors.New("publish report failed")
)

// TankError ties a per-tank failure to the tank it happened on. Value is the
// rejected raw reading and is zero for fetch failures.
type TankError struct {
	Tag   string
	Value float64
	Err   error
}

func (e *TankError) Error() string {
	if errors.Is(e.Err, ErrFetch) {
		return fmt.Sprintf("tank %s: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("tank %s: %v: %.2f", e.Tag, e.Err, e.Value)
}

func (e *TankError) Unwrap() error { return e.Err }
