// Package mock simulates fitness devices for development without a BLE
// adapter.
package mock

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/spreatty/fitdash/internal/device"
)

type Options struct {
	ScanDelay      time.Duration `default:"500ms"`
	ConnectDelay   time.Duration `default:"300ms"`
	SampleInterval time.Duration `default:"1s"`
	Seed           uint64        `default:"1"`
}

// Catalog is the fixed set of devices every mock scan reports.
var Catalog = []device.Device{
	{
		Address:      "F0:00:00:00:00:01",
		Name:         "Mock Heart Rate Monitor",
		RSSI:         device.RSSI(-48),
		Capabilities: []device.Capability{device.CapHeartRate},
	},
	{
		Address:      "F0:00:00:00:00:02",
		Name:         "Mock Smart Bike",
		RSSI:         device.RSSI(-55),
		Capabilities: []device.Capability{device.CapFitnessMachine, device.CapPower, device.CapCadence, device.CapSpeed},
	},
	{
		Address:      "F0:00:00:00:00:03",
		Name:         "Mock Power Meter",
		RSSI:         device.RSSI(-67),
		Capabilities: []device.Capability{device.CapPower, device.CapCadence},
	},
}

type Source struct {
	opts   Options
	logger *logrus.Entry

	mu    sync.Mutex
	links map[string]*link
}

// New builds a mock source. Zero option fields take their defaults.
func New(opts Options, logger *logrus.Logger) *Source {
	defaults.SetDefaults(&opts)
	return &Source{
		opts:   opts,
		logger: logger.WithField("component", "mock"),
		links:  make(map[string]*link),
	}
}

func (s *Source) Scan(ctx context.Context, timeout time.Duration) ([]device.Device, error) {
	wait := s.opts.ScanDelay
	if timeout > 0 && timeout < wait {
		wait = timeout
	}
	s.logger.WithField("delay", wait).Debug("Simulating scan")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	found := device.NewCollector()
	for _, d := range Catalog {
		found.Add(clone(d))
	}
	s.logger.WithField("device_count", found.Len()).Info("Mock scan completed")
	return found.Devices(), nil
}

func (s *Source) Connect(ctx context.Context, dev device.Device) (device.Link, error) {
	known, ok := lookup(dev.Address)
	if !ok {
		return nil, device.Errorf(device.KindDeviceNotFound, "no mock device %s", dev.Address)
	}

	s.mu.Lock()
	_, busy := s.links[dev.Address]
	s.mu.Unlock()
	if busy {
		return nil, device.Errorf(device.KindAlreadyConnected, "%s is connected elsewhere", dev.Address)
	}

	timer := time.NewTimer(s.opts.ConnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, device.Wrap(device.KindConnectionFailed, ctx.Err(), "connect "+dev.Address)
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.links[dev.Address]; busy {
		return nil, device.Errorf(device.KindAlreadyConnected, "%s is connected elsewhere", dev.Address)
	}
	l := &link{
		src:     s,
		dev:     known,
		metrics: metricsFor(known),
		rng:     rand.New(rand.NewPCG(s.opts.Seed, addressSeed(known.Address))),
		stop:    make(chan struct{}),
	}
	s.links[dev.Address] = l
	s.logger.WithField("address", dev.Address).Info("Mock device connected")
	return l, nil
}

func (s *Source) release(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.dev.Address] == l {
		delete(s.links, l.dev.Address)
	}
}

type link struct {
	src     *Source
	dev     device.Device
	metrics []device.Metric
	rng     *rand.Rand

	mu         sync.Mutex
	subscribed bool
	closed     bool
	stop       chan struct{}
}

func (l *link) Device() device.Device { return l.dev }

func (l *link) Subscribe(ctx context.Context) (<-chan device.MetricSample, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, device.Errorf(device.KindConnectionFailed, "%s is disconnected", l.dev.Address)
	}
	if l.subscribed {
		return nil, device.Errorf(device.KindConnectionFailed, "%s is already subscribed", l.dev.Address)
	}
	l.subscribed = true

	out := make(chan device.MetricSample, len(l.metrics))
	go l.run(ctx, out)
	return out, nil
}

func (l *link) run(ctx context.Context, out chan<- device.MetricSample) {
	defer close(out)

	ticker := time.NewTicker(l.src.opts.SampleInterval)
	defer ticker.Stop()

	values := make(map[device.Metric]float64, len(l.metrics))
	for _, m := range l.metrics {
		values[m] = ranges[m].base
	}

	now := time.Now()
	for {
		for _, m := range l.metrics {
			values[m] = l.step(m, values[m])
			select {
			case out <- device.NewSample(m, values[m], now):
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			}
		}

		select {
		case now = <-ticker.C:
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		}
	}
}

// step does a bounded random walk.
func (l *link) step(m device.Metric, v float64) float64 {
	r := ranges[m]
	v += (l.rng.Float64()*2 - 1) * r.jitter
	if v < r.min {
		v = r.min
	}
	if v > r.max {
		v = r.max
	}
	if m == device.MetricResistance {
		return float64(int(v))
	}
	return float64(int(v*10)) / 10
}

func (l *link) Disconnect() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.stop)
	}
	l.mu.Unlock()

	l.src.release(l)
	l.src.logger.WithField("address", l.dev.Address).Info("Mock device disconnected")
	return nil
}

type walk struct {
	base, min, max, jitter float64
}

var ranges = map[device.Metric]walk{
	device.MetricHeartRate:  {base: 120, min: 60, max: 200, jitter: 3},
	device.MetricPower:      {base: 150, min: 0, max: 400, jitter: 15},
	device.MetricCadence:    {base: 85, min: 0, max: 120, jitter: 3},
	device.MetricSpeed:      {base: 25, min: 0, max: 50, jitter: 1},
	device.MetricResistance: {base: 8, min: 1, max: 20, jitter: 1},
}

func metricsFor(d device.Device) []device.Metric {
	var out []device.Metric
	if d.Has(device.CapHeartRate) {
		out = append(out, device.MetricHeartRate)
	}
	if d.Has(device.CapPower) {
		out = append(out, device.MetricPower)
	}
	if d.Has(device.CapCadence) {
		out = append(out, device.MetricCadence)
	}
	if d.Has(device.CapSpeed) {
		out = append(out, device.MetricSpeed)
	}
	if d.Has(device.CapFitnessMachine) {
		out = append(out, device.MetricResistance)
	}
	return out
}

func lookup(address string) (device.Device, bool) {
	for _, d := range Catalog {
		if d.Address == address {
			return clone(d), true
		}
	}
	return device.Device{}, false
}

func clone(d device.Device) device.Device {
	if d.RSSI != nil {
		d.RSSI = device.RSSI(*d.RSSI)
	}
	d.Capabilities = append([]device.Capability(nil), d.Capabilities...)
	return d
}

func addressSeed(address string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(address))
	return h.Sum64()
}
