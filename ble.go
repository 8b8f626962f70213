package main

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/spreatty/fitdash/internal/device"
	"github.com/spreatty/fitdash/internal/device/goble"
	"github.com/spreatty/fitdash/internal/device/mock"
	"github.com/spreatty/fitdash/internal/device/tinygo"
)

// newSource picks the device source for the configured mode. Real adapters
// are not touched here; they are enabled on the first scan or connect so a
// missing adapter surfaces as an error in the page instead of a crash.
func newSource(cfg *Config, logger *logrus.Logger) device.Source {
	if cfg.Mock {
		logger.Info("Mock mode: serving simulated devices")
		return mock.New(mock.Options{
			ScanDelay:      cfg.MockBLE.ScanDelay,
			ConnectDelay:   cfg.MockBLE.ConnectDelay,
			SampleInterval: cfg.MockBLE.SampleInterval,
			Seed:           cfg.MockBLE.Seed,
		}, logger)
	}

	logger.WithField("backend", cfg.BLE.Backend).Info("Using Bluetooth hardware")
	switch cfg.BLE.Backend {
	case BackendGoBLE:
		return goble.New(goble.Options{ConnectTimeout: cfg.BLE.ConnectTimeout}, logger)
	default:
		return tinygo.New(tinygo.Options{ConnectTimeout: cfg.BLE.ConnectTimeout}, logger)
	}
}

// closeSource releases sources that hold a radio handle.
func closeSource(src device.Source, logger *logrus.Logger) {
	c, ok := src.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.WithError(err).Warn("Failed to release Bluetooth device")
	}
}
