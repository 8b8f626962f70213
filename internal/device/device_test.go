package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayName(t *testing.T) {
	d := Device{Address: "AA:BB:CC:DD:EE:FF", Name: "Wahoo KICKR", RSSI: RSSI(-60)}
	assert.Equal(t, "Wahoo KICKR (AA:BB:CC:DD:EE:FF) - Signal: -60 dBm", d.DisplayName())

	d = Device{Address: "11:22:33:44:55:66"}
	assert.Equal(t, "Unknown Device (11:22:33:44:55:66)", d.DisplayName())
}

func TestIsFitness(t *testing.T) {
	tests := []struct {
		name string
		caps []Capability
		want bool
	}{
		{"Polar H10 1234", nil, true},
		{"My Smart BIKE", nil, true},
		{"Garmin HRM", nil, true},
		{"", []Capability{CapHeartRate}, true},
		{"Living Room TV", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.name), func(t *testing.T) {
			assert.Equal(t, tt.want, IsFitness(tt.name, tt.caps))
		})
	}
}

func TestSortByRSSI(t *testing.T) {
	devices := []Device{
		{Address: "a", RSSI: RSSI(-80)},
		{Address: "b"},
		{Address: "c", RSSI: RSSI(-40)},
		{Address: "d", RSSI: RSSI(-80)},
	}
	SortByRSSI(devices)

	var order []string
	for _, d := range devices {
		order = append(order, d.Address)
	}
	assert.Equal(t, []string{"c", "a", "d", "b"}, order)
}

func TestStateText(t *testing.T) {
	b, err := Connected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(b))
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "disconnected", State(42).String())
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("connect: %w", Errorf(KindAlreadyConnected, "device %s", "x"))

	assert.True(t, errors.Is(err, ErrAlreadyConnected))
	assert.False(t, errors.Is(err, ErrDeviceNotFound))
	assert.Equal(t, KindAlreadyConnected, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.EqualError(t, Errorf(KindAlreadyConnected, "device %s", "x"), "already_connected: device x")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dbus: connection refused")
	err := Wrap(KindAdapterUnavailable, cause, "enable adapter")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Equal(t, "adapter_unavailable: enable adapter: dbus: connection refused", err.Error())
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"The name org.bluez was not provided by any .service files", KindAdapterUnavailable},
		{"dial unix /var/run/dbus/system_bus_socket: connect: no such file or directory", KindAdapterUnavailable},
		{"can't init hci: no devices available: (hci0: can't down device: no such device)", KindAdapterUnavailable},
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", KindAdapterUnavailable},
		{"can't init hci: can't open socket: operation not permitted", KindPermissionDenied},
		{"org.bluez.Error.NotPermitted", KindPermissionDenied},
		{"device already connected", KindAlreadyConnected},
		{"Method \"Connect\" with signature \"\" on interface \"org.bluez.Device1\" doesn't exist: unknown object", KindDeviceNotFound},
		{"le-connection-abort-by-local: timeout", KindDeviceNotFound},
		{"something odd", KindConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.msg), KindConnectionFailed)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}

	assert.NoError(t, NormalizeError(nil, KindConnectionFailed))

	typed := Errorf(KindPermissionDenied, "nope")
	assert.Same(t, typed, NormalizeError(typed, KindConnectionFailed))
}

func TestCollector(t *testing.T) {
	c := NewCollector()

	assert.True(t, c.Add(Device{Address: "01", Name: "Polar H10", RSSI: RSSI(-70)}))
	assert.False(t, c.Add(Device{Address: "02", Name: "Soundbar", RSSI: RSSI(-30)}))
	assert.True(t, c.Add(Device{Address: "03", Capabilities: []Capability{CapPower}, RSSI: RSSI(-50)}))
	// A later advertisement without the name keeps the device and updates RSSI.
	assert.True(t, c.Add(Device{Address: "01", RSSI: RSSI(-40)}))

	require.Equal(t, 2, c.Len())
	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "01", devices[0].Address)
	assert.Equal(t, "Polar H10", devices[0].Name)
	assert.Equal(t, -40, *devices[0].RSSI)
	assert.Equal(t, "03", devices[1].Address)
}

func TestMetricUnits(t *testing.T) {
	assert.Equal(t, "bpm", MetricHeartRate.Unit())
	assert.Equal(t, "", MetricResistance.Unit())
	assert.True(t, MetricSpeed.Valid())
	assert.False(t, Metric("altitude").Valid())
}
