// Package sensor provides the probes sampled by the probe runner: I2C weather
// sensors, system counters and a simulation used off-device.
package sensor

import (
	"errors"
	"fmt"
	"io"
)

// Probe is a named sampling function. Name is also the channel the reading
// is published on.
type Probe struct {
	Name string
	Read func() (float64, error)
}

// ReadError reports a probe that failed to produce a value.
type ReadError struct {
	Probe string
	Err   error
}

func (e *ReadError) Error() string { return fmt.Sprintf("probe %s: %v", e.Probe, e.Err) }

func (e *ReadError) Unwrap() error { return e.Err }

// Sample reads the probe, wrapping any failure in *ReadError.
func (p Probe) Sample() (float64, error) {
	v, err := p.Read()
	if err != nil {
		return 0, &ReadError{Probe: p.Name, Err: err}
	}
	return v, nil
}

// Set is an ordered collection of probes and the devices backing them.
type Set struct {
	probes  []Probe
	closers []io.Closer
}

func NewSet(probes []Probe, closers ...io.Closer) *Set {
	return &Set{probes: probes, closers: closers}
}

func (s *Set) Probes() []Probe { return s.probes }

func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
