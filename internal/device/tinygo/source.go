// Package tinygo implements the device source on top of
// tinygo.org/x/bluetooth.
package tinygo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/spreatty/fitdash/internal/device"
	"github.com/spreatty/fitdash/internal/gatt"
)

// radio is the part of *bluetooth.Adapter the source uses.
type radio interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

type Options struct {
	ConnectTimeout time.Duration `default:"15s"`
}

type Source struct {
	radio  radio
	opts   Options
	logger *logrus.Entry

	// scanSlot holds a token while the radio is scanning. BlueZ refuses a
	// second scan until the first one has been stopped.
	scanSlot chan struct{}
	// drop tears down a connection that completed after its caller gave up.
	drop     func(bluetooth.Device) error

	mu        sync.Mutex
	enabled   bool
	addresses map[string]bluetooth.Address
	links     map[string]*link
}

func New(opts Options, logger *logrus.Logger) *Source {
	return newSource(bluetooth.DefaultAdapter, opts, logger)
}

func newSource(r radio, opts Options, logger *logrus.Logger) *Source {
	defaults.SetDefaults(&opts)
	return &Source{
		radio:     r,
		opts:      opts,
		logger:    logger.WithField("component", "tinygo"),
		scanSlot:  make(chan struct{}, 1),
		drop:      func(d bluetooth.Device) error { return d.Disconnect() },
		addresses: make(map[string]bluetooth.Address),
		links:     make(map[string]*link),
	}
}

// enable brings the adapter up on first use. A failure is not remembered so
// the user can fix the adapter and try again.
func (s *Source) enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}

	if err := s.radio.Enable(); err != nil {
		s.logger.WithError(err).Error("BLE adapter enable failed")
		return device.NormalizeError(err, device.KindAdapterUnavailable)
	}
	s.radio.SetConnectHandler(s.onConnectChange)
	s.enabled = true
	s.logger.Info("BLE adapter enabled")
	return nil
}

func (s *Source) onConnectChange(dev bluetooth.Device, connected bool) {
	addr := dev.Address.String()
	state := "connected"
	if !connected {
		state = "disconnected"
	}
	s.logger.WithField("address", addr).Debug("Device ", state)
	if connected {
		return
	}

	s.mu.Lock()
	l := s.links[addr]
	s.mu.Unlock()
	if l != nil {
		l.markLost()
	}
}

func (s *Source) Scan(ctx context.Context, timeout time.Duration) ([]device.Device, error) {
	if err := s.enable(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// A superseded scan is cancelled before its successor starts, so wait
	// for it to stop the radio.
	select {
	case s.scanSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.scanSlot }()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-scanCtx.Done()
		if err := s.radio.StopScan(); err != nil {
			s.logger.WithError(err).Debug("Stop scan")
		}
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	found := device.NewCollector()
	seen := make(map[string]bluetooth.Address)
	var seenMu sync.Mutex

	s.logger.WithField("timeout", timeout).Info("Starting BLE scan...")
	err := s.radio.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		dev := toDevice(res)
		if !found.Add(dev) {
			return
		}
		seenMu.Lock()
		_, known := seen[dev.Address]
		seen[dev.Address] = res.Address
		seenMu.Unlock()
		if !known {
			s.logger.WithFields(logrus.Fields{
				"device":  dev.Name,
				"address": dev.Address,
				"rssi":    res.RSSI,
			}).Info("Discovered new device")
		}
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, device.NormalizeError(err, device.KindAdapterUnavailable)
	}

	s.mu.Lock()
	seenMu.Lock()
	for addr, a := range seen {
		s.addresses[addr] = a
	}
	seenMu.Unlock()
	s.mu.Unlock()

	devices := found.Devices()
	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}

func toDevice(res bluetooth.ScanResult) device.Device {
	var services []uint16
	for _, p := range gatt.Profiles {
		if res.HasServiceUUID(bluetooth.New16BitUUID(p.Service)) {
			services = append(services, p.Service)
		}
	}
	return device.Device{
		Address:      res.Address.String(),
		Name:         strings.TrimSpace(res.LocalName()),
		RSSI:         device.RSSI(int(res.RSSI)),
		Capabilities: gatt.Capabilities(services),
	}
}

func (s *Source) Connect(ctx context.Context, dev device.Device) (device.Link, error) {
	if err := s.enable(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	addr, ok := s.addresses[dev.Address]
	_, busy := s.links[dev.Address]
	s.mu.Unlock()
	if busy {
		return nil, device.Errorf(device.KindAlreadyConnected, "%s is already connected", dev.Address)
	}
	if !ok {
		mac, err := bluetooth.ParseMAC(dev.Address)
		if err != nil {
			return nil, device.Wrap(device.KindDeviceNotFound, err, "parse address "+dev.Address)
		}
		addr = bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}
	}

	if _, ok := ctx.Deadline(); !ok && s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	log := s.logger.WithField("address", dev.Address)
	log.Info("Connecting")

	// BlueZ ignores the connection timeout and the call takes no context,
	// so it runs aside and is abandoned when ctx ends.
	done := make(chan connectResult, 1)
	go func() {
		client, err := s.radio.Connect(addr, params)
		done <- connectResult{client, err}
	}()

	var res connectResult
	select {
	case res = <-done:
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("Connect abandoned")
		go s.dropLate(done, log)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, device.Wrap(device.KindDeviceNotFound, ctx.Err(), "connect "+dev.Address)
		}
		return nil, device.Wrap(device.KindConnectionFailed, ctx.Err(), "connect "+dev.Address)
	}
	if res.err != nil {
		log.WithError(res.err).Warn("Connecting error")
		return nil, device.NormalizeError(res.err, device.KindConnectionFailed)
	}
	client := res.client

	l := &link{
		src:    s,
		dev:    dev,
		client: client,
		logger: log,
		stop:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	s.mu.Lock()
	s.links[dev.Address] = l
	s.mu.Unlock()
	log.Info("Connected")
	return l, nil
}

type connectResult struct {
	client bluetooth.Device
	err    error
}

// dropLate disconnects a connection that came up after Connect gave up on it.
func (s *Source) dropLate(done <-chan connectResult, log *logrus.Entry) {
	res := <-done
	if res.err != nil {
		return
	}
	log.Info("Dropping late connection")
	if err := s.drop(res.client); err != nil {
		log.WithError(err).Debug("Disconnect late connection")
	}
}

func (s *Source) release(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.dev.Address] == l {
		delete(s.links, l.dev.Address)
	}
}
