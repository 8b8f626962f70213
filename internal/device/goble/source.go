// Package goble implements the device source on top of github.com/go-ble/ble
// talking HCI directly.
package goble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/spreatty/fitdash/internal/device"
	"github.com/spreatty/fitdash/internal/gatt"
)

// DeviceFactory opens the HCI device. It is a variable so tests can replace it.
var DeviceFactory = defaultDevice

type Options struct {
	ConnectTimeout time.Duration `default:"15s"`
}

type Source struct {
	opts   Options
	logger *logrus.Entry

	// scanSlot serializes scans. The HCI stops scanning when a cancelled
	// scan returns, which would cut a newer scan short.
	scanSlot chan struct{}

	mu    sync.Mutex
	dev   ble.Device
	links map[string]*link
}

func New(opts Options, logger *logrus.Logger) *Source {
	defaults.SetDefaults(&opts)
	return &Source{
		opts:     opts,
		logger:   logger.WithField("component", "goble"),
		scanSlot: make(chan struct{}, 1),
		links:    make(map[string]*link),
	}
}

func (s *Source) device() (ble.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return s.dev, nil
	}

	d, err := DeviceFactory()
	if err != nil {
		s.logger.WithError(err).Error("Failed to open HCI device")
		return nil, device.NormalizeError(err, device.KindAdapterUnavailable)
	}
	s.dev = d
	s.logger.Info("HCI device opened")
	return d, nil
}

// Close releases the HCI device.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Stop()
	s.dev = nil
	return err
}

func (s *Source) Scan(ctx context.Context, timeout time.Duration) ([]device.Device, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	select {
	case s.scanSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.scanSlot }()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := device.NewCollector()
	s.logger.WithField("timeout", timeout).Info("Starting BLE scan...")
	err = d.Scan(scanCtx, true, func(adv ble.Advertisement) {
		dev := toDevice(adv)
		if found.Add(dev) {
			s.logger.WithFields(logrus.Fields{
				"device":  dev.Name,
				"address": dev.Address,
				"rssi":    adv.RSSI(),
			}).Debug("Advertisement")
		}
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, device.NormalizeError(err, device.KindAdapterUnavailable)
	}

	devices := found.Devices()
	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}

func toDevice(adv ble.Advertisement) device.Device {
	var services []uint16
	for _, u := range adv.Services() {
		for _, p := range gatt.Profiles {
			if u.Equal(ble.UUID16(p.Service)) {
				services = append(services, p.Service)
			}
		}
	}
	return device.Device{
		Address:      strings.ToUpper(adv.Addr().String()),
		Name:         strings.TrimSpace(adv.LocalName()),
		RSSI:         device.RSSI(adv.RSSI()),
		Capabilities: gatt.Capabilities(services),
	}
}

func (s *Source) Connect(ctx context.Context, dev device.Device) (device.Link, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, busy := s.links[dev.Address]
	s.mu.Unlock()
	if busy {
		return nil, device.Errorf(device.KindAlreadyConnected, "%s is already connected", dev.Address)
	}

	if _, ok := ctx.Deadline(); !ok && s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}

	log := s.logger.WithField("address", dev.Address)
	log.Info("Dialing")
	client, err := d.Dial(ctx, ble.NewAddr(strings.ToLower(dev.Address)))
	if err != nil {
		log.WithError(err).Warn("Dial failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, device.Wrap(device.KindDeviceNotFound, err, "connect "+dev.Address)
		}
		return nil, device.NormalizeError(err, device.KindConnectionFailed)
	}

	l := &link{
		src:    s,
		dev:    dev,
		client: client,
		logger: log,
		stop:   make(chan struct{}),
	}
	s.mu.Lock()
	s.links[dev.Address] = l
	s.mu.Unlock()
	log.Info("Connected")
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
	src    *Source
	dev    device.Device
	client ble.Client
	logger *logrus.Entry

	mu         sync.Mutex
	subscribed bool
	closed     bool
	stop       chan struct{}
	out        chan device.MetricSample
	chars      []*ble.Characteristic
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

	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		l.logger.WithError(err).Warn("Profile discovery failed")
		return nil, device.NormalizeError(err, device.KindConnectionFailed)
	}

	l.out = make(chan device.MetricSample, 16)
	for _, p := range gatt.Profiles {
		char := profile.FindCharacteristic(ble.NewCharacteristic(ble.UUID16(p.Characteristic)))
		if char == nil {
			continue
		}
		if err := l.client.Subscribe(char, false, l.handler(p.NewDecoder())); err != nil {
			l.logger.WithError(err).WithField("characteristic", p.Characteristic).Warn("Subscribe failed")
			continue
		}
		l.chars = append(l.chars, char)
		l.logger.WithField("characteristic", p.Characteristic).Info("Subscribed")
	}
	if len(l.chars) == 0 {
		l.out = nil
		return nil, device.Errorf(device.KindConnectionFailed, "%s exposes no supported fitness characteristic", l.dev.Address)
	}

	l.subscribed = true
	go l.wait(ctx, l.out)
	return l.out, nil
}

func (l *link) handler(decode gatt.Decoder) ble.NotificationHandler {
	return func(buf []byte) {
		samples, err := decode(buf, time.Now())
		if err != nil {
			l.logger.WithError(err).Debug("Notification dropped")
			return
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.out == nil {
			return
		}
		for _, s := range samples {
			select {
			case l.out <- s:
			default:
			}
		}
	}
}

func (l *link) wait(ctx context.Context, out chan device.MetricSample) {
	lost := false
	select {
	case <-ctx.Done():
	case <-l.stop:
	case <-l.client.Disconnected():
		lost = true
		l.logger.Warn("Device terminated connection")
	}

	l.mu.Lock()
	chars := l.chars
	l.out, l.chars = nil, nil
	l.mu.Unlock()

	if !lost {
		for _, char := range chars {
			if err := l.client.Unsubscribe(char, false); err != nil {
				l.logger.WithError(err).Debug("Unsubscribe")
			}
		}
	}
	close(out)
}

func (l *link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	l.mu.Unlock()

	l.src.release(l)
	if err := l.client.CancelConnection(); err != nil {
		l.logger.WithError(err).Warn("Disconnect failed")
		return device.NormalizeError(err, device.KindConnectionFailed)
	}
	l.logger.Info("Disconnected")
	return nil
}
