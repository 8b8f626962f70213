package session

import (
	"errors"
	"fmt"

	"github.com/spreatty/fitdash/internal/device"
)

var ErrInvalidTarget = errors.New("invalid target")

// Target is a training zone for one metric.
type Target struct {
	Enabled bool    `json:"enabled"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Range bounds the values a Target may be set to.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

var limits = map[device.Metric]Range{
	device.MetricHeartRate:  {60, 200},
	device.MetricPower:      {0, 400},
	device.MetricCadence:    {0, 120},
	device.MetricSpeed:      {0, 50},
	device.MetricResistance: {1, 20},
}

// Limits returns the allowed range for m.
func Limits(m device.Metric) (Range, bool) {
	r, ok := limits[m]
	return r, ok
}

// DefaultTargets returns a fresh set of targets, all disabled.
func DefaultTargets() map[device.Metric]Target {
	return map[device.Metric]Target{
		device.MetricHeartRate:  {Min: 120, Max: 150},
		device.MetricPower:      {Min: 150, Max: 200},
		device.MetricCadence:    {Min: 70, Max: 90},
		device.MetricSpeed:      {Min: 20, Max: 30},
		device.MetricResistance: {Min: 5, Max: 10},
	}
}

func (t Target) Validate(m device.Metric) error {
	r, ok := limits[m]
	if !ok {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidTarget, m)
	}
	if t.Min < r.Min || t.Max > r.Max {
		return fmt.Errorf("%w: %s must stay within %g-%g", ErrInvalidTarget, m, r.Min, r.Max)
	}
	if t.Min > t.Max {
		return fmt.Errorf("%w: %s min %g is above max %g", ErrInvalidTarget, m, t.Min, t.Max)
	}
	return nil
}

type Zone string

const (
	ZoneBelow Zone = "below"
	ZoneIn    Zone = "in"
	ZoneAbove Zone = "above"
)

// Zone classifies v against the target. Disabled targets have no zone.
func (t Target) Zone(v float64) Zone {
	switch {
	case !t.Enabled:
		return ""
	case v < t.Min:
		return ZoneBelow
	case v > t.Max:
		return ZoneAbove
	default:
		return ZoneIn
	}
}
