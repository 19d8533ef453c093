package irrigation

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/utils"
)

const Bucket = "irrigation"

// Span is an on-window within every hour, inclusive of both minutes.
type Span struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (s Span) contains(minute int) bool {
	return minute >= s.StartMinute && minute <= s.EndMinute
}

// Config drives the circulation pump on short bursts every hour so the
// nutrient film stays moving without running the pump continuously.
type Config struct {
	ID     string `json:"id"`
	Enable bool   `json:"enable"`

	// Equipment lists the pump devices the spans drive; the original line
	// ran two recirculation pumps off one schedule.
	Equipment []string `json:"equipment"`

	Spans   []Span `json:"spans"`
	CSVPath string `json:"csv_path"`
}

func DefaultConfig() Config {
	return Config{
		ID: "default",
		Spans: []Span{
			{StartMinute: 0, EndMinute: 2},
			{StartMinute: 20, EndMinute: 22},
			{StartMinute: 40, EndMinute: 42},
		},
	}
}

func (c Config) validate() error {
	for _, s := range c.Spans {
		if s.StartMinute < 0 || s.StartMinute > 59 || s.EndMinute < 0 || s.EndMinute > 59 || s.StartMinute > s.EndMinute {
			return fmt.Errorf("invalid span %d-%d", s.StartMinute, s.EndMinute)
		}
	}
	return nil
}

func (c Config) active(minute int) bool {
	for _, s := range c.Spans {
		if s.contains(minute) {
			return true
		}
	}
	return false
}

// Controller runs the irrigation pump on its hourly spans. Pump state is
// only touched on span edges; every active minute is appended to the CSV
// audit log exactly once.
type Controller struct {
	c controller.Controller

	mu      sync.Mutex
	runner  *cron.Cron
	lastOn  *bool
	lastMin string
	csv     *utils.CSVLog
	clock   func() time.Time
}

func New(c controller.Controller) (*Controller, error) {
	if err := c.Store().CreateBucket(Bucket); err != nil {
		return nil, err
	}
	return &Controller{c: c, clock: time.Now}, nil
}

func (m *Controller) Setup() error {
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
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.ID = "default"
	if err := m.c.Store().Update(Bucket, "default", &cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastOn = nil
	m.csv = nil
	m.mu.Unlock()
	return nil
}

func (m *Controller) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runner != nil {
		return
	}
	m.runner = cron.New()
	if _, err := m.runner.AddFunc("@every 20s", m.tick); err != nil {
		m.c.LogError("irrigation", "failed to schedule tick: "+err.Error())
		m.runner = nil
		return
	}
	m.runner.Start()
	go m.tick()
}

// Stop halts the scheduler and forces the pump off.
func (m *Controller) Stop() {
	m.mu.Lock()
	runner := m.runner
	m.runner = nil
	m.lastOn = nil
	m.mu.Unlock()
	if runner == nil {
		return
	}
	runner.Stop()

	cfg, err := m.GetConfig()
	if err != nil || len(cfg.Equipment) == 0 {
		return
	}
	m.switchAll(cfg, false)
}

func (m *Controller) switchAll(cfg Config, on bool) bool {
	eq, err := m.c.Subsystem("equipment")
	if err != nil {
		m.c.LogError("irrigation", "equipment subsystem unavailable: "+err.Error())
		return false
	}
	ok := true
	for _, id := range cfg.Equipment {
		if err := eq.On(id, on); err != nil {
			m.c.LogError("irrigation", "failed to switch pump '"+id+"': "+err.Error())
			ok = false
		}
	}
	return ok
}

func (m *Controller) tick() {
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("irrigation", "failed to load config: "+err.Error())
		return
	}
	if !cfg.Enable || len(cfg.Equipment) == 0 {
		return
	}
	now := m.clock()
	desired := cfg.active(now.Minute())

	m.mu.Lock()
	changed := m.lastOn == nil || *m.lastOn != desired
	m.mu.Unlock()

	if changed {
		if !m.switchAll(cfg, desired) {
			return
		}
		m.mu.Lock()
		d := desired
		m.lastOn = &d
		m.mu.Unlock()
		v := 0.0
		if desired {
			v = 1.0
		}
		m.c.Telemetry().EmitMetric("irrigation", "pump_state", v)
	}

	if desired {
		m.logMinute(cfg, now)
	}
}

// logMinute appends one CSV row per active minute, keyed on the wall-clock
// minute so the 20s tick never duplicates entries.
func (m *Controller) logMinute(cfg Config, now time.Time) {
	key := now.Format("2006-01-02 15:04")
	m.mu.Lock()
	if m.lastMin == key {
		m.mu.Unlock()
		return
	}
	m.lastMin = key
	m.mu.Unlock()

	l, err := m.csvLog(cfg)
	if err != nil {
		m.c.LogError("irrigation", "csv unavailable: "+err.Error())
		return
	}
	row := []string{now.Format("2006-01-02 15:04:05"), "irrigation", "on", "minute=" + key}
	if err := l.Append(row); err != nil {
		m.c.LogError("irrigation", "csv append failed: "+err.Error())
	}
}

func (m *Controller) csvLog(cfg Config) (*utils.CSVLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.csv != nil {
		return m.csv, nil
	}
	path := cfg.CSVPath
	if path == "" {
		path = filepath.Join(m.c.Opts().DataDir, "irrigation_log.csv")
	}
	m.csv = utils.NewCSVLog(path, []string{"timestamp", "device", "action", "detail"})
	return m.csv, nil
}

// On enables or disables the hourly spans.
func (m *Controller) On(id string, b bool) error {
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	cfg.Enable = b
	if err := m.setConfig(cfg); err != nil {
		return err
	}
	if !b {
		m.switchAll(cfg, false)
	}
	return nil
}

func (m *Controller) InUse(depType, id string) ([]string, error) {
	users := []string{}
	if depType != "equipment" {
		return users, nil
	}
	cfg, err := m.GetConfig()
	if err != nil {
		return nil, err
	}
	for _, e := range cfg.Equipment {
		if e == id {
			users = append(users, "irrigation")
			break
		}
	}
	return users, nil
}

func (m *Controller) GetEntity(id string) (controller.Entity, error) {
	cfg, err := m.GetConfig()
	return entity{cfg.ID}, err
}

type entity struct{ id string }

func (e entity) EID() string   { return e.id }
func (e entity) EName() string { return "irrigation" }
