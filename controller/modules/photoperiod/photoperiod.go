package photoperiod

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
)

const Bucket = "photoperiod"

// Window kinds. A daily window holds its device on between two hours of the
// day; a minute window holds it on between two minutes of every hour (UV
// sterilizers run the last few minutes of each hour).
const (
	KindDaily  = "daily"
	KindMinute = "minute"
)

// Window switches one piece of equipment on a repeating time window.
type Window struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enable    bool   `json:"enable"`
	Equipment string `json:"equipment"`
	Kind      string `json:"kind"`

	// Daily: on when StartHour <= hour < EndHour.
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`

	// Minute: on when StartMinute <= minute <= EndMinute, every hour.
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (w Window) EID() string   { return w.ID }
func (w Window) EName() string { return w.Name }

// Active reports whether the window covers the given wall-clock time.
// Daily windows with StartHour > EndHour wrap past midnight.
func (w Window) Active(t time.Time) bool {
	switch w.Kind {
	case KindDaily:
		h := t.Hour()
		if w.StartHour < w.EndHour {
			return h >= w.StartHour && h < w.EndHour
		}
		return h >= w.StartHour || h < w.EndHour
	case KindMinute:
		m := t.Minute()
		return m >= w.StartMinute && m <= w.EndMinute
	default:
		return false
	}
}

func (w Window) validate() error {
	if w.Name == "" {
		return fmt.Errorf("window name is required")
	}
	if w.Equipment == "" {
		return fmt.Errorf("window must reference equipment")
	}
	switch w.Kind {
	case KindDaily:
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 || w.StartHour == w.EndHour {
			return fmt.Errorf("invalid daily window %d-%d", w.StartHour, w.EndHour)
		}
	case KindMinute:
		if w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 || w.StartMinute > w.EndMinute {
			return fmt.Errorf("invalid minute window %d-%d", w.StartMinute, w.EndMinute)
		}
	default:
		return fmt.Errorf("unknown window kind '%s'", w.Kind)
	}
	return nil
}

// Controller drives equipment on photoperiod windows: grow lights, air
// circulation fans and hourly UV sterilization.
type Controller struct {
	c controller.Controller

	mu        sync.Mutex
	runner    *cron.Cron
	lastState map[string]bool
	logs      []string

	clock func() time.Time
}

func New(c controller.Controller) (*Controller, error) {
	if err := c.Store().CreateBucket(Bucket); err != nil {
		return nil, err
	}
	return &Controller{
		c:         c,
		lastState: make(map[string]bool),
		clock:     time.Now,
	}, nil
}

func (m *Controller) Setup() error { return nil }

func (m *Controller) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runner != nil {
		return
	}
	m.runner = cron.New()
	if _, err := m.runner.AddFunc("@every 30s", m.tick); err != nil {
		m.c.LogError("photoperiod", "failed to schedule tick: "+err.Error())
		m.runner = nil
		return
	}
	m.runner.Start()
	go m.tick()
}

func (m *Controller) Stop() {
	m.mu.Lock()
	runner := m.runner
	m.runner = nil
	m.lastState = make(map[string]bool)
	m.mu.Unlock()
	if runner != nil {
		runner.Stop()
	}
}

// tick evaluates every enabled window and switches equipment only on state
// transitions, so manual overrides between edges are left alone.
func (m *Controller) tick() {
	windows, err := m.List()
	if err != nil {
		m.c.LogError("photoperiod", "failed to list windows: "+err.Error())
		return
	}
	eq, err := m.c.Subsystem("equipment")
	if err != nil {
		m.c.LogError("photoperiod", "equipment subsystem unavailable: "+err.Error())
		return
	}
	now := m.clock()
	for _, w := range windows {
		if !w.Enable {
			continue
		}
		desired := w.Active(now)
		m.mu.Lock()
		last, seen := m.lastState[w.ID]
		m.mu.Unlock()
		if seen && last == desired {
			continue
		}
		if err := eq.On(w.Equipment, desired); err != nil {
			m.c.LogError("photoperiod", "failed to switch '"+w.Name+"': "+err.Error())
			continue
		}
		m.mu.Lock()
		m.lastState[w.ID] = desired
		m.mu.Unlock()
		state := "off"
		v := 0.0
		if desired {
			state = "on"
			v = 1.0
		}
		m.appendLog(w.Name + " switched " + state)
		m.c.Telemetry().EmitMetric("photoperiod", w.Name+"_state", v)
	}
}

func (m *Controller) Get(id string) (Window, error) {
	var w Window
	return w, m.c.Store().Get(Bucket, id, &w)
}

func (m *Controller) List() ([]Window, error) {
	windows := []Window{}
	err := m.c.Store().List(Bucket, func(_ string, v []byte) error {
		var w Window
		if err := json.Unmarshal(v, &w); err != nil {
			return err
		}
		windows = append(windows, w)
		return nil
	})
	return windows, err
}

func (m *Controller) Create(w Window) error {
	if err := w.validate(); err != nil {
		return err
	}
	fn := func(id string) interface{} {
		w.ID = id
		return &w
	}
	return m.c.Store().Create(Bucket, fn)
}

func (m *Controller) Update(id string, w Window) error {
	if err := w.validate(); err != nil {
		return err
	}
	w.ID = id
	if err := m.c.Store().Update(Bucket, id, &w); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.lastState, id)
	m.mu.Unlock()
	return nil
}

func (m *Controller) Delete(id string) error {
	if err := m.c.Store().Delete(Bucket, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.lastState, id)
	m.mu.Unlock()
	return nil
}

// On toggles a window's schedule. Disabling forces the device off and
// suspends evaluation until re-enabled.
func (m *Controller) On(id string, b bool) error {
	w, err := m.Get(id)
	if err != nil {
		return err
	}
	w.Enable = b
	if err := m.Update(id, w); err != nil {
		return err
	}
	if !b {
		eq, err := m.c.Subsystem("equipment")
		if err != nil {
			return err
		}
		return eq.On(w.Equipment, false)
	}
	return nil
}

func (m *Controller) InUse(depType, id string) ([]string, error) {
	users := []string{}
	if depType != "equipment" {
		return users, nil
	}
	windows, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, w := range windows {
		if w.Equipment == id {
			users = append(users, w.Name)
		}
	}
	return users, nil
}

func (m *Controller) GetEntity(id string) (controller.Entity, error) {
	return m.Get(id)
}

func (m *Controller) appendLog(msg string) {
	entry := m.clock().Format("15:04:05") + " " + msg
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	if len(m.logs) > 100 {
		m.logs = m.logs[len(m.logs)-100:]
	}
}

func (m *Controller) activityLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.logs))
	copy(out, m.logs)
	return out
}
