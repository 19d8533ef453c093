package climate

import (
	"encoding/json"
	"fmt"
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

// Reading is one climate sample. Fields are pointers because the node can
// answer with a subset; missing values become blank CSV cells rather than
// zeros.
type Reading struct {
	ID          string   `json:"id"`
	Time        string   `json:"time"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	CO2         *int     `json:"co2"`
}

func (r Reading) EID() string   { return r.ID }
func (r Reading) EName() string { return r.Time }

type Controller struct {
	c      controller.Controller
	open   func(device.RTUConfig) (device.RegisterReader, error)
	query  func(port string, baud int) (*float64, *float64, *int, error)
	mu     sync.Mutex
	reader device.RegisterReader
	runner *cron.Cron
	csv    *utils.CSVLog
	latest *Reading
}

func New(c controller.Controller) *Controller {
	m := &Controller{c: c, query: queryNodeWithRetry}
	if c.Opts().DevMode {
		m.open = func(device.RTUConfig) (device.RegisterReader, error) {
			return &device.SimRegisterReader{
				Input: map[uint16]uint16{regTemperature: 231, regHumidity: 655},
			}, nil
		}
		m.query = func(string, int) (*float64, *float64, *int, error) {
			t, h, c2 := 23.1, 65.5, 660
			return &t, &h, &c2, nil
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
		m.c.LogError("climate", "failed to load config: "+err.Error())
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

func (m *Controller) readModbus(cfg Config) (Reading, error) {
	m.mu.Lock()
	r := m.reader
	m.mu.Unlock()
	if r == nil {
		var err error
		r, err = m.open(cfg.RTU)
		if err != nil {
			return Reading{}, err
		}
		m.mu.Lock()
		m.reader = r
		m.mu.Unlock()
	}
	regs, err := r.ReadInputRegisters(regTemperature, 2)
	if err != nil {
		return Reading{}, err
	}
	temp := float64(regs[0]) / 10.0
	humi := float64(regs[1]) / 10.0
	return Reading{Temperature: &temp, Humidity: &humi}, nil
}

func (m *Controller) readNode(cfg Config) (Reading, error) {
	temp, humi, co2, err := m.query(cfg.NodePort, cfg.NodeBaud)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Temperature: temp, Humidity: humi, CO2: co2}, nil
}

// Read takes one sample from the configured source.
func (m *Controller) Read() (Reading, error) {
	cfg, err := m.GetConfig()
	if err != nil {
		return Reading{}, err
	}
	var reading Reading
	switch cfg.Source {
	case SourceNode:
		reading, err = m.readNode(cfg)
	default:
		reading, err = m.readModbus(cfg)
	}
	if err != nil {
		return Reading{}, err
	}
	reading.Time = time.Now().Format("2006-01-02 15:04")
	return reading, nil
}

func (m *Controller) poll() {
	reading, err := m.Read()
	if err != nil {
		m.c.LogError("climate", "read failed: "+err.Error())
		return
	}
	if err := m.save(reading); err != nil {
		m.c.LogError("climate", "failed to persist reading: "+err.Error())
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
		path = filepath.Join(m.c.Opts().DataDir, "Temp_humi_log.csv")
	}
	m.csv = utils.NewCSVLog(path, []string{"date", "temperature", "humidity", "co2"})
	return m.csv, nil
}

func cell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func (m *Controller) save(reading Reading) error {
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

	co2Cell := ""
	if reading.CO2 != nil {
		co2Cell = strconv.Itoa(*reading.CO2)
	}
	if l, err := m.csvLog(); err == nil {
		if err := l.Append([]string{reading.Time, cell(reading.Temperature), cell(reading.Humidity), co2Cell}); err != nil {
			m.c.LogError("climate", "csv append failed: "+err.Error())
		}
	}

	if reading.Temperature != nil {
		m.c.Telemetry().EmitMetric("climate", "temperature", *reading.Temperature)
	}
	if reading.Humidity != nil {
		m.c.Telemetry().EmitMetric("climate", "humidity", *reading.Humidity)
	}
	if reading.CO2 != nil {
		m.c.Telemetry().EmitMetric("climate", "co2", float64(*reading.CO2))
	}
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

func (m *Controller) Latest() (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Reading{}, false
	}
	return *m.latest, true
}

func (m *Controller) Readings() ([]Reading, error) {
	readings := []Reading{}
	err := m.c.Store().List(ReadingBucket, func(_ string, v []byte) error {
		var r Reading
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
	var r Reading
	return r, m.c.Store().Get(ReadingBucket, id, &r)
}
