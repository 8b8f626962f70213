//go:build !linux

package goble

import (
	"github.com/go-ble/ble"

	"github.com/spreatty/fitdash/internal/device"
)

func defaultDevice() (ble.Device, error) {
	return nil, device.Errorf(device.KindAdapterUnavailable, "the go-ble backend needs a Linux HCI socket")
}
