package doser

import "fmt"

// BoltDB buckets
const (
	Bucket      = "doser"
	DoseBucket  = "doser_doses"
	queueBucket = "doser_queue"
)

// Dosing channels: AB is the combined A+B nutrient concentrate, Acid is the
// pH-down solution.
const (
	ChannelAB   = "ab"
	ChannelAcid = "acid"
)

// Channel is one peristaltic pump head with its calibration and stock
// reservoir accounting.
type Channel struct {
	Enable    bool   `json:"enable"`
	Equipment string `json:"equipment"`

	// Pump calibration (mL per second of run time).
	RatePerSec float64 `json:"rate_per_sec"`
	// Volume injected per corrective dose (mL).
	DoseML float64 `json:"dose_ml"`

	// Stock reservoir volumes (mL).
	StockStartML  float64 `json:"stock_start_ml"`
	StockRemainML float64 `json:"stock_remain_ml"`
}

// Config holds the dosing loop settings.
type Config struct {
	ID     string `json:"id"`
	Enable bool   `json:"enable"`

	// RRULE recurrence for control checks, e.g. "FREQ=HOURLY;INTERVAL=4".
	Schedule string `json:"schedule"`

	// Control thresholds: dose AB when EC drops below ECMin, dose acid when
	// pH climbs to PHMax or beyond.
	ECMin float64 `json:"ec_min"`
	PHMax float64 `json:"ph_max"`

	// Optional guard expression over ec, ph and solution_temp. When it
	// evaluates true the check logs and skips actuation.
	Inhibit string `json:"inhibit"`

	AB   Channel `json:"ab"`
	Acid Channel `json:"acid"`

	CSVPath string `json:"csv_path"`
}

func DefaultConfig() Config {
	ch := Channel{
		RatePerSec:    1.65,
		DoseML:        10.0,
		StockStartML:  500.0,
		StockRemainML: 500.0,
	}
	return Config{
		ID:       "default",
		Schedule: "FREQ=HOURLY;INTERVAL=4",
		ECMin:    0.7,
		PHMax:    6.5,
		AB:       ch,
		Acid:     ch,
	}
}

func (c Config) channel(name string) (Channel, error) {
	switch name {
	case ChannelAB:
		return c.AB, nil
	case ChannelAcid:
		return c.Acid, nil
	default:
		return Channel{}, fmt.Errorf("unknown channel '%s'", name)
	}
}

func (c *Config) setChannel(name string, ch Channel) error {
	switch name {
	case ChannelAB:
		c.AB = ch
	case ChannelAcid:
		c.Acid = ch
	default:
		return fmt.Errorf("unknown channel '%s'", name)
	}
	return nil
}
