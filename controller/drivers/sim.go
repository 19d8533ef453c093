package drivers

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
)

// simDriver is an in-memory stand-in for relay hardware, used in dev mode
// and tests. Pins remember their last written state.
type simDriver struct {
	mu   sync.Mutex
	pins map[int]*simPin
}

func NewSimDriver() hal.DigitalOutputDriver {
	return &simDriver{pins: make(map[int]*simPin)}
}

func (d *simDriver) Metadata() hal.Metadata {
	return hal.Metadata{
		Name:         "sim",
		Description:  "Simulated relay driver",
		Capabilities: []hal.Capability{hal.DigitalOutput},
	}
}

func (d *simDriver) Close() error { return nil }

func (d *simDriver) Pins(cap hal.Capability) ([]hal.Pin, error) {
	if cap != hal.DigitalOutput {
		return nil, fmt.Errorf("sim driver does not support capability %v", cap)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pins := make([]hal.Pin, 0, len(d.pins))
	for _, p := range d.pins {
		pins = append(pins, p)
	}
	return pins, nil
}

func (d *simDriver) DigitalOutputPins() []hal.DigitalOutputPin {
	d.mu.Lock()
	defer d.mu.Unlock()
	pins := make([]hal.DigitalOutputPin, 0, len(d.pins))
	for _, p := range d.pins {
		pins = append(pins, p)
	}
	return pins
}

func (d *simDriver) DigitalOutputPin(num int) (hal.DigitalOutputPin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pins[num]; ok {
		return p, nil
	}
	p := &simPin{offset: num}
	d.pins[num] = p
	return p, nil
}

type simPin struct {
	offset int
	mu     sync.Mutex
	state  bool
}

func (p *simPin) Name() string { return fmt.Sprintf("SIM%d", p.offset) }
func (p *simPin) Number() int  { return p.offset }
func (p *simPin) Close() error { return nil }

func (p *simPin) Write(state bool) error {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	return nil
}

func (p *simPin) LastState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
