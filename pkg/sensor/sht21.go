package sensor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

const (
	SHT21Address = 0x40

	shtCmdTemperature = 0xF3 // no hold master
	shtCmdHumidity    = 0xF5 // no hold master
	shtDelayTemp      = 85 * time.Millisecond
	shtDelayHumidity  = 29 * time.Millisecond
)

var errSHT21Checksum = errors.New("sht21: checksum mismatch")

// SHT21 is the Sensirion temperature and humidity sensor.
type SHT21 struct {
	dev conn.Conn
	mu  sync.Mutex
}

func NewSHT21(dev conn.Conn) *SHT21 {
	return &SHT21{dev: dev}
}

func (s *SHT21) Temperature() (physic.Temperature, error) {
	raw, err := s.measure(shtCmdTemperature, shtDelayTemp)
	if err != nil {
		return 0, fmt.Errorf("sht21 temperature: %w", err)
	}
	return celsiusToTemperature(-46.85 + 175.72*float64(raw)/65536.0), nil
}

func (s *SHT21) Humidity() (physic.RelativeHumidity, error) {
	raw, err := s.measure(shtCmdHumidity, shtDelayHumidity)
	if err != nil {
		return 0, fmt.Errorf("sht21 humidity: %w", err)
	}
	rh := -6.0 + 125.0*float64(raw)/65536.0
	return physic.RelativeHumidity(rh * float64(physic.PercentRH)), nil
}

// TemperatureCelsius is the probe function for the temperature channel,
// rounded to two decimals.
func (s *SHT21) TemperatureCelsius() (float64, error) {
	t, err := s.Temperature()
	if err != nil {
		return 0, err
	}
	return math.Round(temperatureToCelsius(t)*100) / 100, nil
}

// HumidityPercent is the probe function for the humidity channel.
func (s *SHT21) HumidityPercent() (float64, error) {
	h, err := s.Humidity()
	if err != nil {
		return 0, err
	}
	return float64(h) / float64(physic.PercentRH), nil
}

func (s *SHT21) String() string { return "SHT21" }

func (s *SHT21) measure(cmd byte, delay time.Duration) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dev.Tx([]byte{cmd}, nil); err != nil {
		return 0, err
	}
	time.Sleep(delay)

	buf := make([]byte, 3)
	if err := s.dev.Tx(nil, buf); err != nil {
		return 0, err
	}
	if crc8(buf[:2]) != buf[2] {
		return 0, errSHT21Checksum
	}
	// the two low bits carry status
	return (uint16(buf[0])<<8 | uint16(buf[1])) &^ 0x3, nil
}

// crc8 is the SHT2x checksum: polynomial x^8+x^5+x^4+1, init 0.
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
