package device

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// RTUConfig describes a Modbus RTU slave on an RS-485 adapter. The probes in
// the field run 9600 8N2; keep those defaults unless the nameplate says
// otherwise.
type RTUConfig struct {
	Port     string `json:"port" yaml:"port"`
	SlaveID  byte   `json:"slave_id" yaml:"slave_id"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	Parity   string `json:"parity" yaml:"parity"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Timeout  int    `json:"timeout_ms" yaml:"timeout_ms"`
}

func (c RTUConfig) withDefaults() RTUConfig {
	if c.SlaveID == 0 {
		c.SlaveID = 1
	}
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.StopBits == 0 {
		c.StopBits = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 1000
	}
	return c
}

// RegisterReader is what sensor subsystems program against; tests swap in
// fakes, hardware gets the RTU implementation below.
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(address, quantity uint16) ([]uint16, error)
	Close() error
}

type rtuReader struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
	lock    *sync.Mutex
}

// OpenRTU connects to the slave described by c. Transactions are serialized
// against everything else using the same port path.
func OpenRTU(c RTUConfig) (RegisterReader, error) {
	c = c.withDefaults()
	if c.Port == "" {
		return nil, fmt.Errorf("rtu: port path can not be empty")
	}
	handler := modbus.NewRTUClientHandler(c.Port)
	handler.BaudRate = c.BaudRate
	handler.DataBits = c.DataBits
	handler.Parity = c.Parity
	handler.StopBits = c.StopBits
	handler.SlaveId = c.SlaveID
	handler.Timeout = time.Duration(c.Timeout) * time.Millisecond
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("rtu: connect %s: %w", c.Port, err)
	}
	return &rtuReader{
		handler: handler,
		client:  modbus.NewClient(handler),
		lock:    PortLock(c.Port),
	}, nil
}

func decodeRegisters(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) < int(quantity)*2 {
		return nil, fmt.Errorf("rtu: short response: %d bytes for %d registers", len(data), quantity)
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return regs, nil
}

func (r *rtuReader) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	r.lock.Lock()
	data, err := r.client.ReadHoldingRegisters(address, quantity)
	r.lock.Unlock()
	if err != nil {
		return nil, err
	}
	return decodeRegisters(data, quantity)
}

func (r *rtuReader) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	r.lock.Lock()
	data, err := r.client.ReadInputRegisters(address, quantity)
	r.lock.Unlock()
	if err != nil {
		return nil, err
	}
	return decodeRegisters(data, quantity)
}

func (r *rtuReader) Close() error {
	return r.handler.Close()
}
