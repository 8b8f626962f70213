// Package device defines the capability set shared by every source of BLE
// fitness devices, real or simulated.
package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Capability string

const (
	CapHeartRate      Capability = "heart-rate"
	CapPower          Capability = "power"
	CapCadence        Capability = "cadence"
	CapSpeed          Capability = "speed"
	CapFitnessMachine Capability = "fitness-machine"
)

// Device is a peripheral seen during a scan.
type Device struct {
	Address      string       `json:"address"`
	Name         string       `json:"name"`
	RSSI         *int         `json:"rssi,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// DisplayName renders the device the way the picker lists it.
func (d Device) DisplayName() string {
	name := d.Name
	if name == "" {
		name = "Unknown Device"
	}
	if d.RSSI == nil {
		return fmt.Sprintf("%s (%s)", name, d.Address)
	}
	return fmt.Sprintf("%s (%s) - Signal: %d dBm", name, d.Address, *d.RSSI)
}

func (d Device) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connection is the session's view of the one device it talks to.
type Connection struct {
	Device Device    `json:"device"`
	State  State     `json:"state"`
	Since  time.Time `json:"since"`
}

// Source discovers and connects to devices.
type Source interface {
	// Scan blocks for at most timeout and returns the fitness devices seen,
	// strongest signal first.
	Scan(ctx context.Context, timeout time.Duration) ([]Device, error)
	Connect(ctx context.Context, dev Device) (Link, error)
}

// Link is an established connection to one device.
type Link interface {
	Device() Device
	// Subscribe starts notifications. The returned channel is closed when
	// ctx is done or the device goes away. A link can be subscribed once.
	Subscribe(ctx context.Context) (<-chan MetricSample, error)
	Disconnect() error
}

var fitnessKeywords = []string{"bike", "cycle", "fitness", "heart", "polar", "wahoo", "garmin"}

// IsFitness reports whether an advertisement looks like a fitness device,
// either by the services it announces or by its name.
func IsFitness(name string, caps []Capability) bool {
	if len(caps) > 0 {
		return true
	}
	lower := strings.ToLower(name)
	if lower == "" {
		return false
	}
	for _, kw := range fitnessKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SortByRSSI orders devices strongest signal first. Devices without RSSI go
// last; ties keep their discovery order.
func SortByRSSI(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := devices[i].RSSI, devices[j].RSSI
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
}

func RSSI(v int) *int {
	return &v
}
