// Package gatt decodes the standard fitness GATT characteristics into
// metric samples.
package gatt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spreatty/fitdash/internal/device"
)

// 16-bit assigned numbers.
const (
	ServiceHeartRate            uint16 = 0x180d
	ServiceCyclingSpeedCadence  uint16 = 0x1816
	ServiceCyclingPower         uint16 = 0x1818
	ServiceFitnessMachine       uint16 = 0x1826
	CharHeartRateMeasurement    uint16 = 0x2a37
	CharCSCMeasurement          uint16 = 0x2a5b
	CharCyclingPowerMeasurement uint16 = 0x2a63
	CharIndoorBikeData          uint16 = 0x2ad2
)

var ErrNoContact = errors.New("no sensor contact")

// Profile ties a notifying characteristic to its service and decoder.
type Profile struct {
	Service        uint16
	Characteristic uint16
	Capabilities   []device.Capability
	NewDecoder     func() Decoder
}

// Decoder turns one notification payload into samples. Decoders may keep
// state between notifications, so each subscription gets its own.
type Decoder func(buf []byte, at time.Time) ([]device.MetricSample, error)

// Profiles lists the characteristics subscribed to, in preference order.
var Profiles = []Profile{
	{
		Service:        ServiceHeartRate,
		Characteristic: CharHeartRateMeasurement,
		Capabilities:   []device.Capability{device.CapHeartRate},
		NewDecoder:     func() Decoder { return DecodeHeartRate },
	},
	{
		Service:        ServiceCyclingPower,
		Characteristic: CharCyclingPowerMeasurement,
		Capabilities:   []device.Capability{device.CapPower},
		NewDecoder:     func() Decoder { return DecodeCyclingPower },
	},
	{
		Service:        ServiceCyclingSpeedCadence,
		Characteristic: CharCSCMeasurement,
		Capabilities:   []device.Capability{device.CapCadence},
		NewDecoder:     func() Decoder { return new(CadenceDecoder).Decode },
	},
	{
		Service:        ServiceFitnessMachine,
		Characteristic: CharIndoorBikeData,
		Capabilities: []device.Capability{
			device.CapFitnessMachine, device.CapPower, device.CapCadence, device.CapSpeed,
		},
		NewDecoder: func() Decoder { return DecodeIndoorBikeData },
	},
}

// Capabilities returns the capability tags implied by advertised services.
func Capabilities(services []uint16) []device.Capability {
	var caps []device.Capability
	seen := make(map[device.Capability]bool)
	for _, svc := range services {
		for _, p := range Profiles {
			if p.Service != svc {
				continue
			}
			for _, c := range p.Capabilities {
				if !seen[c] {
					seen[c] = true
					caps = append(caps, c)
				}
			}
		}
	}
	return caps
}

// DecodeHeartRate decodes a Heart Rate Measurement (0x2a37).
// https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func DecodeHeartRate(buf []byte, at time.Time) ([]device.MetricSample, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	// | 0x10 | 0x8 | 0x4  0x2 | 0x1 |
	// |  rr  | nrg | scs  cnt | fmt |
	flags := buf[0]
	contactSupported := flags&0x4 != 0
	contact := flags&0x6 == 0x6
	if contactSupported && !contact {
		return nil, ErrNoContact
	}

	var hr uint16
	if flags&0x01 != 0 {
		if len(buf) < 3 {
			return nil, fmt.Errorf("heart rate uint16 data too short: %d bytes", len(buf))
		}
		hr = binary.LittleEndian.Uint16(buf[1:])
	} else {
		hr = uint16(buf[1])
	}
	return []device.MetricSample{device.NewSample(device.MetricHeartRate, float64(hr), at)}, nil
}

// DecodeCyclingPower decodes a Cycling Power Measurement (0x2a63).
// Only the mandatory instantaneous power field is used.
func DecodeCyclingPower(buf []byte, at time.Time) ([]device.MetricSample, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}
	power := int16(binary.LittleEndian.Uint16(buf[2:]))
	return []device.MetricSample{device.NewSample(device.MetricPower, float64(power), at)}, nil
}

// CadenceDecoder derives cadence from successive CSC Measurements (0x2a5b).
// The first notification only primes it.
type CadenceDecoder struct {
	mu       sync.Mutex
	primed   bool
	lastRevs uint16
	lastTime uint16
}

func (d *CadenceDecoder) Decode(buf []byte, at time.Time) ([]device.MetricSample, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("CSC data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	offset := 1
	if flags&0x01 != 0 {
		// wheel revolutions (uint32) and wheel event time (uint16)
		offset += 6
	}
	if flags&0x02 == 0 {
		return nil, nil
	}
	if offset+4 > len(buf) {
		return nil, fmt.Errorf("CSC data too short for crank data at offset %d", offset)
	}
	revs := binary.LittleEndian.Uint16(buf[offset:])
	eventTime := binary.LittleEndian.Uint16(buf[offset+2:])

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.primed {
		d.primed = true
		d.lastRevs, d.lastTime = revs, eventTime
		return nil, nil
	}

	// uint16 subtraction handles rollover
	revDiff := revs - d.lastRevs
	timeDiff := eventTime - d.lastTime
	d.lastRevs, d.lastTime = revs, eventTime
	if timeDiff == 0 {
		return nil, nil
	}

	// event time is in 1/1024 s
	rpm := float64(revDiff) * 60 * 1024 / float64(timeDiff)
	if rpm > 300 {
		return nil, nil
	}
	return []device.MetricSample{device.NewSample(device.MetricCadence, rpm, at)}, nil
}

// Indoor Bike Data flags (FTMS 1.0, 4.9.1.1).
const (
	ibdMoreData             = 1 << 0 // inverted: 0 means instantaneous speed present
	ibdAverageSpeed         = 1 << 1
	ibdInstantaneousCadence = 1 << 2
	ibdAverageCadence       = 1 << 3
	ibdTotalDistance        = 1 << 4
	ibdResistanceLevel      = 1 << 5
	ibdInstantaneousPower   = 1 << 6
	ibdAveragePower         = 1 << 7
	ibdExpendedEnergy       = 1 << 8
	ibdHeartRate            = 1 << 9
)

// DecodeIndoorBikeData decodes FTMS Indoor Bike Data (0x2ad2) into speed,
// cadence, resistance, power and heart rate samples.
func DecodeIndoorBikeData(buf []byte, at time.Time) ([]device.MetricSample, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf)
	r := reader{buf: buf, off: 2}

	var out []device.MetricSample
	add := func(m device.Metric, v float64) {
		out = append(out, device.NewSample(m, v, at))
	}

	if flags&ibdMoreData == 0 {
		add(device.MetricSpeed, float64(r.u16("instantaneous speed"))*0.01)
	}
	if flags&ibdAverageSpeed != 0 {
		r.skip("average speed", 2)
	}
	if flags&ibdInstantaneousCadence != 0 {
		add(device.MetricCadence, float64(r.u16("instantaneous cadence"))*0.5)
	}
	if flags&ibdAverageCadence != 0 {
		r.skip("average cadence", 2)
	}
	if flags&ibdTotalDistance != 0 {
		r.skip("total distance", 3)
	}
	if flags&ibdResistanceLevel != 0 {
		add(device.MetricResistance, float64(int16(r.u16("resistance level"))))
	}
	if flags&ibdInstantaneousPower != 0 {
		add(device.MetricPower, float64(int16(r.u16("instantaneous power"))))
	}
	if flags&ibdAveragePower != 0 {
		r.skip("average power", 2)
	}
	if flags&ibdExpendedEnergy != 0 {
		r.skip("expended energy", 5)
	}
	if flags&ibdHeartRate != 0 {
		add(device.MetricHeartRate, float64(r.u8("heart rate")))
	}

	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

// reader walks a little-endian payload, remembering the first short read.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(field string, n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("buffer too short for %s at offset %d", field, r.off)
		return false
	}
	return true
}

func (r *reader) skip(field string, n int) {
	if r.need(field, n) {
		r.off += n
	}
}

func (r *reader) u8(field string) uint8 {
	if !r.need(field, 1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16(field string) uint16 {
	if !r.need(field, 2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}
