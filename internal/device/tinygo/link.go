package tinygo

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/spreatty/fitdash/internal/device"
	"github.com/spreatty/fitdash/internal/gatt"
)

type link struct {
	src    *Source
	dev    device.Device
	client bluetooth.Device
	logger *logrus.Entry

	mu         sync.Mutex
	subscribed bool
	closed     bool
	lostOnce   sync.Once
	stop       chan struct{}
	lost       chan struct{}
	out        chan device.MetricSample
	chars      []bluetooth.DeviceCharacteristic
}

func (l *link) Device() device.Device { return l.dev }

func (l *link) markLost() {
	l.lostOnce.Do(func() {
		l.logger.Warn("Device terminated connection")
		close(l.lost)
	})
}

func (l *link) Subscribe(ctx context.Context) (<-chan device.MetricSample, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, device.Errorf(device.KindConnectionFailed, "%s is disconnected", l.dev.Address)
	}
	if l.subscribed {
		return nil, device.Errorf(device.KindConnectionFailed, "%s is already subscribed", l.dev.Address)
	}

	services, err := l.client.DiscoverServices(nil)
	if err != nil {
		l.logger.WithError(err).Warn("Service discovering error")
		return nil, device.NormalizeError(err, device.KindConnectionFailed)
	}

	l.out = make(chan device.MetricSample, 16)
	for _, p := range gatt.Profiles {
		svc, ok := findService(services, p.Service)
		if !ok {
			continue
		}
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{bluetooth.New16BitUUID(p.Characteristic)})
		if err != nil || len(chars) == 0 {
			l.logger.WithError(err).WithField("characteristic", p.Characteristic).Debug("Characteristic not available")
			continue
		}
		char := chars[0]
		decode := p.NewDecoder()
		if err := char.EnableNotifications(l.handler(decode)); err != nil {
			l.logger.WithError(err).WithField("characteristic", p.Characteristic).Warn("Enable notifications failed")
			continue
		}
		l.chars = append(l.chars, char)
		l.logger.WithField("characteristic", p.Characteristic).Info("Subscribed")
	}
	if len(l.chars) == 0 {
		return nil, device.Errorf(device.KindConnectionFailed, "%s exposes no supported fitness characteristic", l.dev.Address)
	}

	l.subscribed = true
	go l.wait(ctx)
	return l.out, nil
}

func findService(services []bluetooth.DeviceService, id uint16) (bluetooth.DeviceService, bool) {
	want := bluetooth.New16BitUUID(id)
	for _, svc := range services {
		if svc.UUID() == want {
			return svc, true
		}
	}
	return bluetooth.DeviceService{}, false
}

// handler is called from the adapter's notification goroutine and must not
// block; samples are dropped when the consumer lags.
func (l *link) handler(decode gatt.Decoder) func(buf []byte) {
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

func (l *link) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-l.stop:
	case <-l.lost:
	}

	l.mu.Lock()
	out, chars := l.out, l.chars
	l.out, l.chars = nil, nil
	l.mu.Unlock()

	for _, char := range chars {
		if err := char.EnableNotifications(nil); err != nil {
			l.logger.WithError(err).Debug("Disable notifications")
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
	if err := l.client.Disconnect(); err != nil {
		l.logger.WithError(err).Warn("Disconnect failed")
		return device.NormalizeError(err, device.KindConnectionFailed)
	}
	l.logger.Info("Disconnected")
	return nil
}
