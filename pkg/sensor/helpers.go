package sensor

import (
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/ericogr/probe-uploader/pkg/config"
)

const (
	ChannelLoadAvg     = "load_avg"
	ChannelCPUPercent  = "cpu_percent"
	ChannelPressure    = "pressure"
	ChannelTemperature = "temperature"
	ChannelHumidity    = "humidity"
)

// Known reports whether name is a probe this package can build.
func Known(name string) bool {
	_, ok := simulatedChannels[name]
	return ok
}

// Build creates the configured probes in order. Real sensors share one I2C
// bus, opened only when a probe needs it.
func Build(cfg config.Config) (*Set, error) {
	if cfg.Sensor.Type == config.SensorSimulation {
		f := NewFakeSensor(time.Now().UnixNano())
		probes := make([]Probe, 0, len(cfg.Probes))
		for _, name := range cfg.Probes {
			if !Known(name) {
				return nil, fmt.Errorf("unknown probe %q", name)
			}
			probes = append(probes, f.Probe(name))
		}
		return NewSet(probes, f), nil
	}

	b := &busOpener{name: cfg.Sensor.I2CBus}
	var (
		probes = make([]Probe, 0, len(cfg.Probes))
		mpl    *MPL115A2
		sht    *SHT21
	)
	fail := func(err error) (*Set, error) {
		b.Close()
		return nil, err
	}
	for _, name := range cfg.Probes {
		switch name {
		case ChannelLoadAvg:
			probes = append(probes, Probe{Name: name, Read: LoadAverage})
		case ChannelCPUPercent:
			probes = append(probes, Probe{Name: name, Read: CPUPercent})
		case ChannelPressure:
			if mpl == nil {
				dev, err := b.dev(address(cfg, "mpl115a2", MPL115A2Address))
				if err != nil {
					return fail(err)
				}
				mpl = NewMPL115A2(dev)
			}
			probes = append(probes, Probe{Name: name, Read: mpl.PressureKPa})
		case ChannelTemperature, ChannelHumidity:
			if sht == nil {
				dev, err := b.dev(address(cfg, "sht21", SHT21Address))
				if err != nil {
					return fail(err)
				}
				sht = NewSHT21(dev)
			}
			read := sht.TemperatureCelsius
			if name == ChannelHumidity {
				read = sht.HumidityPercent
			}
			probes = append(probes, Probe{Name: name, Read: read})
		default:
			return fail(fmt.Errorf("unknown probe %q", name))
		}
	}
	return NewSet(probes, b), nil
}

func address(cfg config.Config, device string, fallback uint16) uint16 {
	if a, ok := cfg.Sensor.Addresses[device]; ok && a > 0 {
		return uint16(a)
	}
	return fallback
}

// busOpener initialises periph and opens the I2C bus on first use.
type busOpener struct {
	name string
	bus  i2c.BusCloser
}

func (b *busOpener) dev(addr uint16) (*i2c.Dev, error) {
	if b.bus == nil {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host init: %w", err)
		}
		bus, err := i2creg.Open(b.name)
		if err != nil {
			return nil, fmt.Errorf("open i2c: %w", err)
		}
		b.bus = bus
	}
	return &i2c.Dev{Addr: addr, Bus: b.bus}, nil
}

func (b *busOpener) Close() error {
	if b.bus != nil {
		return b.bus.Close()
	}
	return nil
}

var _ io.Closer = (*busOpener)(nil)
