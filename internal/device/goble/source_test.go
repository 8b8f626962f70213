package goble

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreatty/fitdash/internal/device"
	"github.com/spreatty/fitdash/internal/gatt"
)

// Only the methods the source calls are implemented; the embedded
// interfaces panic on anything else.
type fakeAdv struct {
	ble.Advertisement
	name     string
	addr     string
	rssi     int
	services []ble.UUID
}

func (a fakeAdv) LocalName() string    { return a.name }
func (a fakeAdv) Addr() ble.Addr       { return ble.NewAddr(a.addr) }
func (a fakeAdv) RSSI() int            { return a.rssi }
func (a fakeAdv) Services() []ble.UUID { return a.services }

type fakeDevice struct {
	ble.Device
	advs    []fakeAdv
	client  *fakeClient
	dialErr error
	dialed  []string

	mu     sync.Mutex
	scans  int
	active chan struct{}
}

// Scan reports advertisements every few milliseconds until the HCI stops
// scanning. Like linux.Device, it stops the HCI once ctx is done, whichever
// scan the HCI is running at that point.
func (d *fakeDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	d.mu.Lock()
	hci := make(chan struct{})
	d.active = hci
	d.scans++
	d.mu.Unlock()

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			d.stopScanning()
			return ctx.Err()
		case <-hci:
			<-ctx.Done()
			return ctx.Err()
		case <-tick.C:
			for _, a := range d.advs {
				h(a)
			}
		}
	}
}

func (d *fakeDevice) stopScanning() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		close(d.active)
		d.active = nil
	}
}

func (d *fakeDevice) scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

func (d *fakeDevice) Dial(_ context.Context, a ble.Addr) (ble.Client, error) {
	d.dialed = append(d.dialed, a.String())
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

func (d *fakeDevice) Stop() error { return nil }

type fakeClient struct {
	ble.Client
	profile *ble.Profile

	mu           sync.Mutex
	handlers     map[string]ble.NotificationHandler
	unsubscribed int
	cancelled    int
	gone         chan struct{}
}

func newFakeClient(chars ...uint16) *fakeClient {
	var cs []*ble.Characteristic
	for _, c := range chars {
		cs = append(cs, &ble.Characteristic{UUID: ble.UUID16(c), Property: ble.CharNotify})
	}
	return &fakeClient{
		profile:  &ble.Profile{Services: []*ble.Service{{UUID: ble.UUID16(gatt.ServiceHeartRate), Characteristics: cs}}},
		handlers: make(map[string]ble.NotificationHandler),
		gone:     make(chan struct{}),
	}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) { return c.profile, nil }

func (c *fakeClient) Subscribe(char *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[char.UUID.String()] = h
	return nil
}

func (c *fakeClient) Unsubscribe(*ble.Characteristic, bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed++
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.gone }

func (c *fakeClient) notify(char uint16, buf []byte) {
	c.mu.Lock()
	h := c.handlers[ble.UUID16(char).String()]
	c.mu.Unlock()
	h(buf)
}

func useDevice(t *testing.T, d ble.Device, err error) {
	t.Helper()
	prev := DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return d, err }
	t.Cleanup(func() { DeviceFactory = prev })
}

func newTestSource() *Source {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(Options{ConnectTimeout: time.Second}, logger)
}

func TestHCIUnavailable(t *testing.T) {
	useDevice(t, nil, errors.New("can't init hci: no devices available: (hci0: can't down device: no such device)"))
	src := newTestSource()

	_, err := src.Scan(context.Background(), time.Second)
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable)

	_, err = src.Connect(context.Background(), device.Device{Address: "AA:BB:CC:DD:EE:FF"})
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable)
}

func TestHCIPermissionDenied(t *testing.T) {
	useDevice(t, nil, errors.New("can't init hci: can't create socket: operation not permitted"))
	src := newTestSource()

	_, err := src.Scan(context.Background(), time.Second)
	assert.ErrorIs(t, err, device.ErrPermissionDenied)
}

func TestScanFiltersFitnessDevices(t *testing.T) {
	useDevice(t, &fakeDevice{advs: []fakeAdv{
		{name: "Office Speaker", addr: "11:11:11:11:11:11", rssi: -40},
		{name: "", addr: "aa:aa:aa:aa:aa:aa", rssi: -70, services: []ble.UUID{ble.UUID16(gatt.ServiceHeartRate)}},
		{name: "KICKR BIKE", addr: "bb:bb:bb:bb:bb:bb", rssi: -60, services: []ble.UUID{ble.UUID16(gatt.ServiceFitnessMachine)}},
		{name: "KICKR BIKE", addr: "bb:bb:bb:bb:bb:bb", rssi: -50, services: []ble.UUID{ble.UUID16(gatt.ServiceFitnessMachine)}},
	}}, nil)
	src := newTestSource()

	devices, err := src.Scan(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "BB:BB:BB:BB:BB:BB", devices[0].Address)
	assert.Equal(t, -50, *devices[0].RSSI)
	assert.True(t, devices[0].Has(device.CapFitnessMachine))
	assert.Equal(t, "AA:AA:AA:AA:AA:AA", devices[1].Address)
	assert.True(t, devices[1].Has(device.CapHeartRate))
}

func TestScanCancelled(t *testing.T) {
	useDevice(t, &fakeDevice{}, nil)
	src := newTestSource()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Scan(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewScanIsNotCutShortByCancelledScan(t *testing.T) {
	fd := &fakeDevice{advs: []fakeAdv{
		{name: "KICKR BIKE", addr: "bb:bb:bb:bb:bb:bb", rssi: -50, services: []ble.UUID{ble.UUID16(gatt.ServiceFitnessMachine)}},
	}}
	useDevice(t, fd, nil)
	src := newTestSource()

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		first := make(chan error, 1)
		go func() {
			_, err := src.Scan(ctx, time.Minute)
			first <- err
		}()
		require.Eventually(t, fd.scanning, time.Second, time.Millisecond)

		cancel()
		devices, err := src.Scan(context.Background(), 30*time.Millisecond)
		require.NoError(t, err, "round %d", i)
		assert.Len(t, devices, 1, "round %d", i)
		assert.ErrorIs(t, <-first, context.Canceled)
	}
}

func TestNewSourceAppliesDefaults(t *testing.T) {
	src := New(Options{}, logrus.New())
	assert.Equal(t, 15*time.Second, src.opts.ConnectTimeout)
}

func TestDialTimeoutIsDeviceNotFound(t *testing.T) {
	fd := &fakeDevice{dialErr: context.DeadlineExceeded}
	useDevice(t, fd, nil)
	src := newTestSource()

	_, err := src.Connect(context.Background(), device.Device{Address: "AA:BB:CC:DD:EE:FF"})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff"}, fd.dialed)
}

func TestDialFailure(t *testing.T) {
	useDevice(t, &fakeDevice{dialErr: errors.New("can't dial: connection refused")}, nil)
	src := newTestSource()

	_, err := src.Connect(context.Background(), device.Device{Address: "AA:BB:CC:DD:EE:FF"})
	assert.ErrorIs(t, err, device.ErrConnectionFailed)
}

func TestConnectTwice(t *testing.T) {
	useDevice(t, &fakeDevice{client: newFakeClient(gatt.CharHeartRateMeasurement)}, nil)
	src := newTestSource()
	dev := device.Device{Address: "AA:BB:CC:DD:EE:FF"}

	l, err := src.Connect(context.Background(), dev)
	require.NoError(t, err)

	_, err = src.Connect(context.Background(), dev)
	assert.ErrorIs(t, err, device.ErrAlreadyConnected)

	require.NoError(t, l.Disconnect())
	require.NoError(t, l.Disconnect())

	_, err = src.Connect(context.Background(), dev)
	assert.NoError(t, err)
}

func TestSubscribeDeliversDecodedSamples(t *testing.T) {
	client := newFakeClient(gatt.CharHeartRateMeasurement)
	useDevice(t, &fakeDevice{client: client}, nil)
	src := newTestSource()

	l, err := src.Connect(context.Background(), device.Device{Address: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)

	samples, err := l.Subscribe(context.Background())
	require.NoError(t, err)

	_, err = l.Subscribe(context.Background())
	assert.Error(t, err)

	client.notify(gatt.CharHeartRateMeasurement, []byte{0x00, 132})
	select {
	case s := <-samples:
		assert.Equal(t, device.MetricHeartRate, s.Metric)
		assert.Equal(t, 132.0, s.Value)
		assert.Equal(t, "bpm", s.Unit)
	case <-time.After(time.Second):
		t.Fatal("no sample")
	}

	require.NoError(t, l.Disconnect())
	assertClosed(t, samples)
	assert.Equal(t, 1, client.cancelled)
	assert.Equal(t, 1, client.unsubscribed)
}

func TestSubscribeWithoutFitnessCharacteristic(t *testing.T) {
	useDevice(t, &fakeDevice{client: newFakeClient(0x2a19)}, nil)
	src := newTestSource()

	l, err := src.Connect(context.Background(), device.Device{Address: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)

	_, err = l.Subscribe(context.Background())
	assert.ErrorIs(t, err, device.ErrConnectionFailed)
}

func TestLinkLossClosesSamples(t *testing.T) {
	client := newFakeClient(gatt.CharCyclingPowerMeasurement)
	useDevice(t, &fakeDevice{client: client}, nil)
	src := newTestSource()

	l, err := src.Connect(context.Background(), device.Device{Address: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	samples, err := l.Subscribe(context.Background())
	require.NoError(t, err)

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[2:], 250)
	client.notify(gatt.CharCyclingPowerMeasurement, buf)
	s := <-samples
	assert.Equal(t, device.MetricPower, s.Metric)
	assert.Equal(t, 250.0, s.Value)

	close(client.gone)
	assertClosed(t, samples)
	assert.Zero(t, client.unsubscribed)
}

func assertClosed(t *testing.T, samples <-chan device.MetricSample) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-samples:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("sample channel not closed")
		}
	}
}
