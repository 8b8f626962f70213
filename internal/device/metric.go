package device

import "time"

type Metric string

const (
	MetricHeartRate  Metric = "heart_rate"
	MetricPower      Metric = "power"
	MetricCadence    Metric = "cadence"
	MetricSpeed      Metric = "speed"
	MetricResistance Metric = "resistance"
)

// Metrics lists every metric in display order.
var Metrics = []Metric{MetricHeartRate, MetricPower, MetricCadence, MetricSpeed, MetricResistance}

var units = map[Metric]string{
	MetricHeartRate:  "bpm",
	MetricPower:      "W",
	MetricCadence:    "rpm",
	MetricSpeed:      "km/h",
	MetricResistance: "",
}

func (m Metric) Unit() string { return units[m] }

func (m Metric) Valid() bool {
	_, ok := units[m]
	return ok
}

// MetricSample is one reading delivered by a notification.
type MetricSample struct {
	Metric Metric    `json:"metric"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit"`
	At     time.Time `json:"at"`
}

func NewSample(m Metric, value float64, at time.Time) MetricSample {
	return MetricSample{Metric: m, Value: value, Unit: m.Unit(), At: at}
}
