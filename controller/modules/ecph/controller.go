package ecph

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/device"
	"github.com/cja-skyfarms/skyfarm-pi/controller/utils"
)

// Measurement is one averaged EC/pH/solution-temperature reading.
type Measurement struct {
	ID           string  `json:"id"`
	Time         string  `json:"time"`
	EC           float64 `json:"ec"`
	PH           float64 `json:"ph"`
	SolutionTemp float64 `json:"solution_temp"`
	Samples      int     `json:"samples"`
}

func (m Measurement) EID() string   { return m.ID }
func (m Measurement) EName() string { return m.Time }

type Controller struct {
	c      controller.Controller
	open   func(device.RTUConfig) (device.RegisterReader, error)
	mu     sync.Mutex
	reader device.RegisterReader
	runner *cron.Cron
	quit   chan struct{}
	csv    *utils.CSVLog
	latest *Measurement
}

func New(c controller.Controller) *Controller {
	m := &Controller{c: c}
	if c.Opts().DevMode {
		m.open = func(device.RTUConfig) (device.RegisterReader, error) {
			return &device.SimRegisterReader{
				Holding: map[uint16]uint16{regPH: 655, regEC: 720, regTemp: 185},
			}, nil
		}
	} else {
		m.open = device.OpenRTU
	}
	return m
}

func (m *Controller) Setup() error {
	if err := m.c.Store().CreateBucket(Bucket); err != nil {
		return err
	}
	if err := m.c.Store().CreateBucket(ReadingBucket); err != nil {
		return err
	}
	var cfg Config
	if err := m.c.Store().Get(Bucket, "default", &cfg); err != nil {
		return m.c.Store().CreateWithID(Bucket, "default", DefaultConfig())
	}
	return nil
}

func (m *Controller) GetConfig() (Config, error) {
	var cfg Config
	return cfg, m.c.Store().Get(Bucket, "default", &cfg)
}

func (m *Controller) setConfig(cfg Config) error {
	cfg.ID = "default"
	return m.c.Store().Update(Bucket, "default", &cfg)
}

func (m *Controller) Start() {
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("ecph", "failed to load config: "+err.Error())
		return
	}
	if !cfg.Enable {
		return
	}
	m.startPolling(cfg)
}

func (m *Controller) startPolling(cfg Config) {
	m.mu.Lock()
	if m.runner != nil {
		m.mu.Unlock()
		return
	}
	m.quit = make(chan struct{})
	m.runner = cron.New()
	m.runner.AddFunc(fmt.Sprintf("@every %ds", cfg.PeriodSec), m.poll)
	m.runner.Start()
	m.mu.Unlock()
	go m.poll()
}

func (m *Controller) stopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runner == nil {
		return
	}
	close(m.quit)
	m.runner.Stop()
	m.runner = nil
	if m.reader != nil {
		m.reader.Close()
		m.reader = nil
	}
}

func (m *Controller) Stop() {
	m.stopPolling()
}

// On enables or disables the probe poller.
func (m *Controller) On(_ string, b bool) error {
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	cfg.Enable = b
	if err := m.setConfig(cfg); err != nil {
		return err
	}
	if b {
		m.startPolling(cfg)
	} else {
		m.stopPolling()
	}
	return nil
}

func (m *Controller) getReader(cfg Config) (device.RegisterReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader != nil {
		return m.reader, nil
	}
	r, err := m.open(cfg.RTU)
	if err != nil {
		return nil, err
	}
	m.reader = r
	return r, nil
}

func (m *Controller) sampleOnce(r device.RegisterReader) (ec, ph, temp float64, err error) {
	regs, err := r.ReadHoldingRegisters(regPH, 3)
	if err != nil {
		return 0, 0, 0, err
	}
	// Probe fixed-point scaling: see register map in config.go.
	ph = float64(regs[0]) / 100.0
	ec = float64(regs[1]) / 1000.0
	temp = float64(regs[2]) / 10.0
	return ec, ph, temp, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Measure runs one averaging window against the probe: sample every
// IntervalSec for WindowSec, average, and apply the pH correction. A window
// with zero good samples is a failed read; failed reads never actuate
// anything downstream.
func (m *Controller) Measure() (Measurement, error) {
	cfg, err := m.GetConfig()
	if err != nil {
		return Measurement{}, err
	}
	r, err := m.getReader(cfg)
	if err != nil {
		return Measurement{}, err
	}
	m.mu.Lock()
	quit := m.quit
	m.mu.Unlock()

	window := time.Duration(cfg.WindowSec) * time.Second
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ecSum, phSum, tempSum float64
	samples := 0
	for {
		ec, ph, temp, err := m.sampleOnce(r)
		if err == nil {
			ecSum += ec
			phSum += ph
			tempSum += temp
			samples++
		}
		if !time.Now().Before(deadline) {
			break
		}
		if quit != nil {
			select {
			case <-ticker.C:
			case <-quit:
				return Measurement{}, fmt.Errorf("measurement aborted")
			}
		} else {
			<-ticker.C
		}
	}
	if samples == 0 {
		return Measurement{}, fmt.Errorf("no valid samples in %ds window", cfg.WindowSec)
	}
	n := float64(samples)
	return Measurement{
		Time:         time.Now().Format("2006-01-02 15:04"),
		EC:           round2(ecSum / n),
		PH:           round2(cfg.PHSlope*(phSum/n) + cfg.PHOffset),
		SolutionTemp: round2(tempSum / n),
		Samples:      samples,
	}, nil
}

func (m *Controller) poll() {
	reading, err := m.Measure()
	if err != nil {
		m.c.LogError("ecph", "read failed: "+err.Error())
		return
	}
	if err := m.save(reading); err != nil {
		m.c.LogError("ecph", "failed to persist reading: "+err.Error())
	}
}

func (m *Controller) csvLog() (*utils.CSVLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.csv != nil {
		return m.csv, nil
	}
	cfg, err := m.GetConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.CSVPath
	if path == "" {
		path = filepath.Join(m.c.Opts().DataDir, "EC_pH_log.csv")
	}
	m.csv = utils.NewCSVLog(path, []string{"Date", "EC", "pH", "Solution_Temperature"})
	return m.csv, nil
}

func (m *Controller) save(reading Measurement) error {
	err := m.c.Store().Create(ReadingBucket, func(id string) interface{} {
		reading.ID = id
		return &reading
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.latest = &reading
	m.mu.Unlock()

	m.pruneHistory()

	if l, err := m.csvLog(); err == nil {
		if err := l.Append([]string{
			reading.Time,
			strconv.FormatFloat(reading.EC, 'f', 2, 64),
			strconv.FormatFloat(reading.PH, 'f', 2, 64),
			strconv.FormatFloat(reading.SolutionTemp, 'f', 2, 64),
		}); err != nil {
			m.c.LogError("ecph", "csv append failed: "+err.Error())
		}
	}

	m.c.Telemetry().EmitMetric("ecph", "ec", reading.EC)
	m.c.Telemetry().EmitMetric("ecph", "ph", reading.PH)
	m.c.Telemetry().EmitMetric("ecph", "solution_temp", reading.SolutionTemp)
	return nil
}

func (m *Controller) pruneHistory() {
	cfg, err := m.GetConfig()
	if err != nil || cfg.HistoryLimit <= 0 {
		return
	}
	var ids []int
	m.c.Store().List(ReadingBucket, func(id string, _ []byte) error {
		if n, err := strconv.Atoi(id); err == nil {
			ids = append(ids, n)
		}
		return nil
	})
	if len(ids) <= cfg.HistoryLimit {
		return
	}
	sort.Ints(ids)
	for _, n := range ids[:len(ids)-cfg.HistoryLimit] {
		m.c.Store().Delete(ReadingBucket, strconv.Itoa(n))
	}
}

func (m *Controller) Latest() (Measurement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Measurement{}, false
	}
	return *m.latest, true
}

func (m *Controller) Readings() ([]Measurement, error) {
	readings := []Measurement{}
	err := m.c.Store().List(ReadingBucket, func(_ string, v []byte) error {
		var r Measurement
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		readings = append(readings, r)
		return nil
	})
	sort.Slice(readings, func(i, j int) bool {
		a, _ := strconv.Atoi(readings[i].ID)
		b, _ := strconv.Atoi(readings[j].ID)
		return a < b
	})
	return readings, err
}

func (m *Controller) InUse(_, _ string) ([]string, error) { return nil, nil }

func (m *Controller) GetEntity(id string) (controller.Entity, error) {
	var r Measurement
	return r, m.c.Store().Get(ReadingBucket, id, &r)
}
