package drivers

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
)

// Manager owns the hal drivers available to connectors. In dev mode the
// Raspberry Pi driver is replaced with a simulator so the daemon can run on
// a workstation without /dev/gpiochip0.
type Manager struct {
	mu      sync.Mutex
	drivers map[string]hal.Driver
}

func NewManager(devMode bool, chip string) *Manager {
	m := &Manager{drivers: make(map[string]hal.Driver)}
	m.drivers["sim"] = NewSimDriver()
	if devMode {
		m.drivers["rpi"] = NewSimDriver()
	} else {
		m.drivers["rpi"] = NewGpiochipDriver(chip)
	}
	return m
}

func (m *Manager) Driver(name string) (hal.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[name]
	if !ok {
		return nil, fmt.Errorf("driver '%s' not registered", name)
	}
	return d, nil
}

func (m *Manager) DigitalOutputDriver(name string) (hal.DigitalOutputDriver, error) {
	d, err := m.Driver(name)
	if err != nil {
		return nil, err
	}
	od, ok := d.(hal.DigitalOutputDriver)
	if !ok {
		return nil, fmt.Errorf("driver '%s' has no digital output capability", name)
	}
	return od, nil
}

func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.drivers))
	for n := range m.drivers {
		names = append(names, n)
	}
	return names
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, d := range m.drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
