package sensor

import (
	"math"
	"math/rand"
	"sync"
)

// simulated baselines and the spread of the random walk around them
var simulatedChannels = map[string]struct{ base, spread float64 }{
	"load_avg":    {0.5, 0.5},
	"cpu_percent": {20, 20},
	"pressure":    {101.3, 1.5},
	"temperature": {21, 4},
	"humidity":    {45, 15},
}

// FakeSensor produces plausible values for any channel without hardware.
type FakeSensor struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]float64
}

func NewFakeSensor(seed int64) *FakeSensor {
	return &FakeSensor{rng: rand.New(rand.NewSource(seed)), last: make(map[string]float64)}
}

// Probe returns a simulated probe for the named channel.
func (f *FakeSensor) Probe(name string) Probe {
	return Probe{Name: name, Read: func() (float64, error) { return f.next(name), nil }}
}

func (f *FakeSensor) next(name string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := simulatedChannels[name]
	if !ok {
		ch.base, ch.spread = 0, 1
	}
	v, ok := f.last[name]
	if !ok {
		v = ch.base
	}
	v += (f.rng.Float64() - 0.5) * ch.spread / 5
	v = math.Max(ch.base-ch.spread, math.Min(ch.base+ch.spread, v))
	f.last[name] = v
	return math.Round(v*100) / 100
}

func (f *FakeSensor) Close() error { return nil }
