package ecph

import "github.com/cja-skyfarms/skyfarm-pi/controller/device"

const (
	Bucket        = "ecph"
	ReadingBucket = "ecph_readings"
)

// Probe register map (holding registers, fc3). The firmware publishes fixed
// point values: pH with two implied decimals, EC in hundredths of uS/cm/100
// (value/1000 is dS/m), temperature in tenths.
const (
	regPH   = 0x00
	regEC   = 0x01
	regTemp = 0x02
)

// Config holds the EC/pH probe settings. A single record with ID "default"
// exists per controller, like every other subsystem config.
type Config struct {
	ID     string           `json:"id"`
	Enable bool             `json:"enable"`
	RTU    device.RTUConfig `json:"rtu"`

	// Polling cadence and averaging window.
	PeriodSec   int `json:"period_sec"`
	WindowSec   int `json:"window_sec"`
	IntervalSec int `json:"interval_sec"`

	// Linear pH correction from two-point bench calibration.
	PHSlope  float64 `json:"ph_slope"`
	PHOffset float64 `json:"ph_offset"`

	HistoryLimit int    `json:"history_limit"`
	CSVPath      string `json:"csv_path"`
}

func DefaultConfig() Config {
	return Config{
		ID:           "default",
		PeriodSec:    300,
		WindowSec:    20,
		IntervalSec:  1,
		PHSlope:      0.9926,
		PHOffset:     -0.2488,
		HistoryLimit: 2880,
	}
}
