// Package session owns the dashboard state: the last scan, the single active
// connection, the latest readings and the training targets.
package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/spreatty/fitdash/internal/device"
)

var (
	ErrClosed     = errors.New("session closed")
	ErrSuperseded = errors.New("scan superseded by a newer scan")
)

type Options struct {
	ScanTimeout    time.Duration `default:"10s"`
	ConnectTimeout time.Duration `default:"15s"`
}

// Reading is the latest sample of one metric with its target zone.
type Reading struct {
	device.MetricSample
	Zone Zone `json:"zone,omitempty"`
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	ID         string                    `json:"session_id"`
	Version    uint64                    `json:"version"`
	Scanning   bool                      `json:"scanning"`
	Devices    []device.Device           `json:"devices"`
	Connection *device.Connection        `json:"connection"`
	Sample     *device.MetricSample      `json:"sample"`
	Readings   map[device.Metric]Reading `json:"readings"`
	Targets    map[device.Metric]Target  `json:"targets"`
}

// State is the connection state, disconnected when there is no connection.
func (s Snapshot) State() device.State {
	if s.Connection == nil {
		return device.Disconnected
	}
	return s.Connection.State
}

type Session struct {
	id     string
	src    device.Source
	opts   Options
	logger *logrus.Entry

	mu       sync.Mutex
	closed   bool
	version  uint64
	scanning bool
	devices  []device.Device
	conn     *device.Connection
	link     device.Link
	sample   *device.MetricSample
	readings map[device.Metric]device.MetricSample
	targets  map[device.Metric]Target
	watchers map[chan struct{}]struct{}

	scanGen       uint64
	cancelScan    context.CancelFunc
	connectGen    uint64
	cancelConnect context.CancelFunc
	cancelSub     context.CancelFunc
}

func New(src device.Source, opts Options, logger *logrus.Logger) *Session {
	defaults.SetDefaults(&opts)
	id := newID()
	return &Session{
		id:       id,
		src:      src,
		opts:     opts,
		logger:   logger.WithFields(logrus.Fields{"component": "session", "session": id}),
		targets:  DefaultTargets(),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (s *Session) ID() string { return s.id }

// changed must be called with mu held.
func (s *Session) changed() {
	s.version++
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch returns a channel that receives a signal after every state change.
// Signals coalesce, so readers should take a fresh Snapshot on each one. The
// channel is closed by the returned stop func or by Close.
func (s *Session) Watch() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}
}

// Scan refreshes the device list. A newer Scan cancels this one, in which
// case ErrSuperseded is returned and the list is left to the newer scan.
func (s *Session) Scan(ctx context.Context) ([]device.Device, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.cancelScan != nil {
		s.cancelScan()
	}
	s.scanGen++
	gen := s.scanGen
	ctx, cancel := context.WithCancel(ctx)
	s.cancelScan = cancel
	s.scanning = true
	s.changed()
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("Scanning for devices")
	devices, err := s.src.Scan(ctx, s.opts.ScanTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if gen != s.scanGen {
		s.logger.Debug("Scan superseded")
		return nil, ErrSuperseded
	}
	s.scanning = false
	s.cancelScan = nil
	if err != nil {
		s.logger.WithError(err).Warn("Scan failed")
		s.changed()
		return nil, err
	}

	s.devices = devices
	s.changed()
	s.logger.WithField("device_count", len(devices)).Info("Scan finished")
	return cloneDevices(devices), nil
}

// Connect connects to a device from the last scan and starts streaming its
// samples into the session.
func (s *Session) Connect(ctx context.Context, address string) (device.Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return device.Connection{}, ErrClosed
	}
	if s.conn != nil {
		cur := *s.conn
		s.mu.Unlock()
		return device.Connection{}, device.Errorf(device.KindAlreadyConnected,
			"%s is %s, disconnect first", cur.Device.Address, cur.State)
	}
	dev, ok := s.find(address)
	if !ok {
		s.mu.Unlock()
		return device.Connection{}, device.Errorf(device.KindDeviceNotFound, "%s is not in the device list, scan again", address)
	}

	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.connectGen++
	gen := s.connectGen
	s.cancelConnect = cancel
	s.conn = &device.Connection{Device: dev, State: device.Connecting, Since: time.Now()}
	s.changed()
	s.mu.Unlock()

	log := s.logger.WithField("address", dev.Address)
	log.Info("Connecting")

	var (
		samples   <-chan device.MetricSample
		cancelSub context.CancelFunc
	)
	link, err := s.src.Connect(ctx, dev)
	if err == nil {
		var subCtx context.Context
		subCtx, cancelSub = context.WithCancel(context.Background())
		samples, err = link.Subscribe(subCtx)
		if err != nil {
			cancelSub()
			if derr := link.Disconnect(); derr != nil {
				log.WithError(derr).Debug("Disconnect after failed subscribe")
			}
		}
	}

	s.mu.Lock()
	if gen != s.connectGen || s.closed {
		s.mu.Unlock()
		if err == nil {
			cancelSub()
			_ = link.Disconnect()
		}
		log.Info("Connect cancelled")
		return device.Connection{}, device.Errorf(device.KindConnectionFailed, "connect to %s was cancelled", dev.Address)
	}
	defer s.mu.Unlock()
	s.cancelConnect = nil

	if err != nil {
		s.conn = nil
		s.changed()
		log.WithError(err).Warn("Connect failed")
		return device.Connection{}, device.NormalizeError(err, device.KindConnectionFailed)
	}

	s.link = link
	s.cancelSub = cancelSub
	s.conn = &device.Connection{Device: dev, State: device.Connected, Since: time.Now()}
	s.readings = make(map[device.Metric]device.MetricSample)
	s.changed()
	go s.pump(link, samples)

	log.Info("Connected")
	return *s.conn, nil
}

func (s *Session) pump(link device.Link, samples <-chan device.MetricSample) {
	for sample := range samples {
		s.mu.Lock()
		if s.link == link {
			s.sample = &sample
			s.readings[sample.Metric] = sample
			s.changed()
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	lost := s.link == link
	if lost {
		s.logger.WithField("address", link.Device().Address).Warn("Connection lost")
		if s.cancelSub != nil {
			s.cancelSub()
		}
		s.clearConnection()
		s.changed()
	}
	s.mu.Unlock()

	if lost {
		if err := link.Disconnect(); err != nil {
			s.logger.WithError(err).Debug("Disconnect after link loss")
		}
	}
}

// clearConnection must be called with mu held.
func (s *Session) clearConnection() {
	s.conn = nil
	s.link = nil
	s.cancelSub = nil
	s.sample = nil
	s.readings = nil
}

// Disconnect drops the active connection, or cancels a pending connect.
// The session always ends up disconnected with no sample.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	s.connectGen++
	link, cancelSub := s.link, s.cancelSub
	wasConnected := s.conn != nil
	s.clearConnection()
	s.changed()
	s.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	if link != nil {
		if err := link.Disconnect(); err != nil {
			s.logger.WithError(err).Warn("Disconnect failed")
		}
	}
	if wasConnected {
		s.logger.Info("Disconnected")
	}
}

func (s *Session) SetTarget(m device.Metric, t Target) error {
	if err := t.Validate(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[m] = t
	s.changed()
	s.logger.WithFields(logrus.Fields{"metric": m, "enabled": t.Enabled, "min": t.Min, "max": t.Max}).Debug("Target updated")
	return nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:       s.id,
		Version:  s.version,
		Scanning: s.scanning,
		Devices:  cloneDevices(s.devices),
		Targets:  make(map[device.Metric]Target, len(s.targets)),
		Readings: make(map[device.Metric]Reading, len(s.readings)),
	}
	for m, t := range s.targets {
		snap.Targets[m] = t
	}
	for m, r := range s.readings {
		snap.Readings[m] = Reading{MetricSample: r, Zone: s.targets[m].Zone(r.Value)}
	}
	if s.conn != nil {
		c := *s.conn
		snap.Connection = &c
	}
	if s.sample != nil {
		smp := *s.sample
		snap.Sample = &smp
	}
	return snap
}

// Close cancels pending work, drops the connection and releases watchers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelScan != nil {
		s.cancelScan()
		s.cancelScan = nil
	}
	s.scanning = false
	s.devices = nil
	s.mu.Unlock()

	s.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan struct{}]struct{})
	s.logger.Info("Session closed")
}

// find must be called with mu held.
func (s *Session) find(address string) (device.Device, bool) {
	for _, d := range s.devices {
		if d.Address == address {
			return d, true
		}
	}
	return device.Device{}, false
}

func cloneDevices(in []device.Device) []device.Device {
	if in == nil {
		return []device.Device{}
	}
	out := make([]device.Device, len(in))
	copy(out, in)
	return out
}
