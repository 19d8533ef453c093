package drivers

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
	"github.com/warthog618/go-gpiocdev"
)

// gpiochipDriver drives relay boards through the Linux gpio character
// device. Lines are requested lazily, once per BCM offset, and held until
// the driver closes.
type gpiochipDriver struct {
	chip string
	mu   sync.Mutex
	pins map[int]*gpiochipPin
}

func NewGpiochipDriver(chip string) hal.DigitalOutputDriver {
	if chip == "" {
		chip = "gpiochip0"
	}
	return &gpiochipDriver{
		chip: chip,
		pins: make(map[int]*gpiochipPin),
	}
}

func (d *gpiochipDriver) Metadata() hal.Metadata {
	return hal.Metadata{
		Name:         "gpiochip",
		Description:  "GPIO relay driver via the Linux gpio character device",
		Capabilities: []hal.Capability{hal.DigitalOutput},
	}
}

func (d *gpiochipDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, p := range d.pins {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.pins = make(map[int]*gpiochipPin)
	return firstErr
}

func (d *gpiochipDriver) Pins(cap hal.Capability) ([]hal.Pin, error) {
	if cap != hal.DigitalOutput {
		return nil, fmt.Errorf("gpiochip driver does not support capability %v", cap)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pins := make([]hal.Pin, 0, len(d.pins))
	for _, p := range d.pins {
		pins = append(pins, p)
	}
	return pins, nil
}

func (d *gpiochipDriver) DigitalOutputPins() []hal.DigitalOutputPin {
	d.mu.Lock()
	defer d.mu.Unlock()
	pins := make([]hal.DigitalOutputPin, 0, len(d.pins))
	for _, p := range d.pins {
		pins = append(pins, p)
	}
	return pins
}

func (d *gpiochipDriver) DigitalOutputPin(num int) (hal.DigitalOutputPin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pins[num]; ok {
		return p, nil
	}
	line, err := gpiocdev.RequestLine(d.chip, num, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("failed to request %s line %d: %w", d.chip, num, err)
	}
	p := &gpiochipPin{offset: num, line: line}
	d.pins[num] = p
	return p, nil
}

type gpiochipPin struct {
	offset int
	line   *gpiocdev.Line
	mu     sync.Mutex
	state  bool
}

func (p *gpiochipPin) Name() string { return fmt.Sprintf("GP%d", p.offset) }
func (p *gpiochipPin) Number() int  { return p.offset }

func (p *gpiochipPin) Close() error {
	return p.line.Close()
}

func (p *gpiochipPin) Write(state bool) error {
	v := 0
	if state {
		v = 1
	}
	if err := p.line.SetValue(v); err != nil {
		return err
	}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	return nil
}

func (p *gpiochipPin) LastState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
