package model

import "github.com/speedwagon-io/tankwatch/internal/tank"

type TankLevel struct {
	Tag         string    `json:"tag"`
	RawDistance float64   `json:"raw_distance"`
	Fullness    float64   `json:"fullness"`
	Band        tank.Band `json:"band"`
	Quality     string    `json:"quality"`
}

const (
	// QualityGood marks a level computed from a reading accepted this cycle.
	QualityGood = "good"
	// QualityStale marks a level computed from a reading retained from an
	// earlier cycle because the fresh one was unavailable or rejected.
	QualityStale = "stale"
	// QualityUnknown marks a tank that has never produced an accepted reading.
	QualityUnknown = "unknown"
)
