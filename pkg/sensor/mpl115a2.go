package sensor

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

const (
	MPL115A2Address = 0x60

	mplRegData         = 0x00
	mplRegCoefficients = 0x04
	mplCmdConvert      = 0x12
	mplConversionDelay = 5 * time.Millisecond
)

// MPL115A2 is the Freescale barometric pressure sensor. Compensation
// coefficients are read from the device once, on first use.
type MPL115A2 struct {
	dev conn.Conn

	mu              sync.Mutex
	loaded          bool
	a0, b1, b2, c12 float64
}

func NewMPL115A2(dev conn.Conn) *MPL115A2 {
	return &MPL115A2{dev: dev}
}

// Sense starts a conversion and returns compensated pressure and the die
// temperature.
func (m *MPL115A2) Sense() (physic.Pressure, physic.Temperature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		if err := m.readCoefficients(); err != nil {
			return 0, 0, err
		}
	}
	if err := m.dev.Tx([]byte{mplCmdConvert, 0x00}, nil); err != nil {
		return 0, 0, fmt.Errorf("mpl115a2 start conversion: %w", err)
	}
	time.Sleep(mplConversionDelay)

	buf := make([]byte, 4)
	if err := m.dev.Tx([]byte{mplRegData}, buf); err != nil {
		return 0, 0, fmt.Errorf("mpl115a2 read data: %w", err)
	}
	padc := float64((uint16(buf[0])<<8 | uint16(buf[1])) >> 6)
	tadc := float64((uint16(buf[2])<<8 | uint16(buf[3])) >> 6)

	pcomp := m.a0 + (m.b1+m.c12*tadc)*padc + m.b2*tadc
	kpa := pcomp*65.0/1023.0 + 50.0
	celsius := (tadc-510.0)/-5.35 + 25.0

	return physic.Pressure(kpa * float64(physic.KiloPascal)), celsiusToTemperature(celsius), nil
}

// PressureKPa is the probe function for the pressure channel.
func (m *MPL115A2) PressureKPa() (float64, error) {
	p, _, err := m.Sense()
	if err != nil {
		return 0, err
	}
	return float64(p) / float64(physic.KiloPascal), nil
}

func (m *MPL115A2) String() string { return "MPL115A2" }

func (m *MPL115A2) readCoefficients() error {
	block := make([]byte, 8)
	if err := m.dev.Tx([]byte{mplRegCoefficients}, block); err != nil {
		return fmt.Errorf("mpl115a2 read coefficients: %w", err)
	}
	m.a0 = float64(signed16(block[0], block[1])) / 8.0
	m.b1 = float64(signed16(block[2], block[3])) / 8192.0
	m.b2 = float64(signed16(block[4], block[5])) / 16384.0
	m.c12 = float64(signed16(block[6], block[7])>>2) / 4194304.0
	m.loaded = true
	return nil
}

func signed16(msb, lsb byte) int16 {
	return int16(uint16(msb)<<8 | uint16(lsb))
}

func celsiusToTemperature(c float64) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(c*float64(physic.Celsius))
}

func temperatureToCelsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Celsius)
}
