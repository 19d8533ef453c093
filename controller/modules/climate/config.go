package climate

import "github.com/cja-skyfarms/skyfarm-pi/controller/device"

const (
	Bucket        = "climate"
	ReadingBucket = "climate_readings"
)

// Source selects how air readings are acquired: a plain Modbus RTU
// temperature/humidity transmitter, or the grow-room sensor node that talks
// an ASCII request/response protocol and also carries a CO2 cell.
const (
	SourceModbus = "modbus"
	SourceNode   = "node"
)

// Modbus transmitter input registers (fc4), tenths scaling.
const (
	regTemperature = 0xC8
	regHumidity    = 0xC9
)

type Config struct {
	ID     string `json:"id"`
	Enable bool   `json:"enable"`
	Source string `json:"source"`

	RTU device.RTUConfig `json:"rtu"`

	NodePort string `json:"node_port"`
	NodeBaud int    `json:"node_baud"`

	PeriodSec    int    `json:"period_sec"`
	HistoryLimit int    `json:"history_limit"`
	CSVPath      string `json:"csv_path"`
}

func DefaultConfig() Config {
	return Config{
		ID:           "default",
		Source:       SourceModbus,
		NodeBaud:     115200,
		PeriodSec:    1200,
		HistoryLimit: 2880,
	}
}
