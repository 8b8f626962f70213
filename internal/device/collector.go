package device

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Collector accumulates scan results from concurrent advertisement
// callbacks. A device seen twice keeps its first position and its latest
// RSSI and name.
type Collector struct {
	mu      sync.Mutex
	devices *orderedmap.OrderedMap[string, Device]
}

func NewCollector() *Collector {
	return &Collector{devices: orderedmap.New[string, Device]()}
}

// Add records an advertisement. Non-fitness devices are dropped; it
// reports whether the device was kept.
func (c *Collector) Add(dev Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.devices.Get(dev.Address); ok {
		if dev.Name == "" {
			dev.Name = prev.Name
		}
		if len(dev.Capabilities) == 0 {
			dev.Capabilities = prev.Capabilities
		}
	}
	if !IsFitness(dev.Name, dev.Capabilities) {
		return false
	}
	c.devices.Set(dev.Address, dev)
	return true
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices.Len()
}

// Devices returns the collected devices sorted by signal strength.
func (c *Collector) Devices() []Device {
	c.mu.Lock()
	out := make([]Device, 0, c.devices.Len())
	for pair := c.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	c.mu.Unlock()

	SortByRSSI(out)
	return out
}
