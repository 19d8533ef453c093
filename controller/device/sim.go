package device

import "fmt"

// SimRegisterReader serves canned register values; used in dev mode and
// tests where no RS-485 adapter exists.
type SimRegisterReader struct {
	Holding map[uint16]uint16
	Input   map[uint16]uint16
	Err     error
}

func (s *SimRegisterReader) read(table map[uint16]uint16, address, quantity uint16) ([]uint16, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		v, ok := table[address+uint16(i)]
		if !ok {
			return nil, fmt.Errorf("sim: no register at %#04x", address+uint16(i))
		}
		regs[i] = v
	}
	return regs, nil
}

func (s *SimRegisterReader) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	return s.read(s.Holding, address, quantity)
}

func (s *SimRegisterReader) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	return s.read(s.Input, address, quantity)
}

func (s *SimRegisterReader) Close() error { return nil }
