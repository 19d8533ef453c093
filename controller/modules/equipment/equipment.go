package equipment

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/connectors"
)

const Bucket = "equipment"

// Equipment is a named switchable device: mini fan, air circulator, LED
// channel, UV-C lamp, dosing or recirculation pump. State is persisted so a
// reboot restores what the grower last set.
type Equipment struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Outlet        string `json:"outlet"`
	On            bool   `json:"on"`
	StayOffOnBoot bool   `json:"stay_off_on_boot"`
}

func (e Equipment) EID() string   { return e.ID }
func (e Equipment) EName() string { return e.Name }

type Controller struct {
	c       controller.Controller
	outlets *connectors.Outlets
	mu      sync.Mutex
}

func New(c controller.Controller, outlets *connectors.Outlets) *Controller {
	return &Controller{c: c, outlets: outlets}
}

func (m *Controller) Setup() error {
	return m.c.Store().CreateBucket(Bucket)
}

// Start re-asserts persisted equipment state against the relay board.
// Devices flagged stay_off_on_boot (dosing pumps) always come up off.
func (m *Controller) Start() {
	eqs, err := m.List()
	if err != nil {
		m.c.LogError("equipment", "failed to list equipment on start: "+err.Error())
		return
	}
	for _, eq := range eqs {
		state := eq.On
		if eq.StayOffOnBoot {
			state = false
		}
		if err := m.apply(eq, state); err != nil {
			m.c.LogError("equipment", "failed to restore '"+eq.Name+"': "+err.Error())
		}
	}
}

// Stop drives every device off. The relays must never stay energized past
// the daemon.
func (m *Controller) Stop() {
	eqs, err := m.List()
	if err != nil {
		m.c.LogError("equipment", "failed to list equipment on stop: "+err.Error())
		return
	}
	for _, eq := range eqs {
		if err := m.outlets.Configure(eq.Outlet, false); err != nil {
			m.c.LogError("equipment", "failed to switch off '"+eq.Name+"': "+err.Error())
		}
	}
}

func (m *Controller) Get(id string) (Equipment, error) {
	var eq Equipment
	return eq, m.c.Store().Get(Bucket, id, &eq)
}

func (m *Controller) List() ([]Equipment, error) {
	eqs := []Equipment{}
	err := m.c.Store().List(Bucket, func(_ string, v []byte) error {
		var eq Equipment
		if err := json.Unmarshal(v, &eq); err != nil {
			return err
		}
		eqs = append(eqs, eq)
		return nil
	})
	return eqs, err
}

func (m *Controller) Create(eq Equipment) error {
	if eq.Name == "" {
		return fmt.Errorf("equipment name can not be empty")
	}
	if _, err := m.outlets.Get(eq.Outlet); err != nil {
		return fmt.Errorf("outlet '%s' does not exist", eq.Outlet)
	}
	fn := func(id string) interface{} {
		eq.ID = id
		return &eq
	}
	if err := m.c.Store().Create(Bucket, fn); err != nil {
		return err
	}
	if err := m.outlets.AttachEquipment(eq.Outlet, eq.ID); err != nil {
		return err
	}
	return m.apply(eq, eq.On)
}

func (m *Controller) Update(id string, eq Equipment) error {
	eq.ID = id
	old, err := m.Get(id)
	if err != nil {
		return err
	}
	if old.Outlet != eq.Outlet {
		if err := m.outlets.AttachEquipment(eq.Outlet, id); err != nil {
			return err
		}
		if err := m.outlets.DetachEquipment(old.Outlet); err != nil {
			return err
		}
	}
	if err := m.c.Store().Update(Bucket, id, &eq); err != nil {
		return err
	}
	return m.apply(eq, eq.On)
}

func (m *Controller) Delete(id string) error {
	eq, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.outlets.Configure(eq.Outlet, false); err != nil {
		m.c.LogError("equipment", "failed to switch off '"+eq.Name+"' before delete: "+err.Error())
	}
	if err := m.outlets.DetachEquipment(eq.Outlet); err != nil {
		return err
	}
	return m.c.Store().Delete(Bucket, id)
}

// On switches the device and persists the new state. This is the single
// entry point used by the API, the photoperiod windows, the irrigation
// schedule and the dosing pumps.
func (m *Controller) On(id string, b bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eq, err := m.Get(id)
	if err != nil {
		return err
	}
	eq.On = b
	if err := m.c.Store().Update(Bucket, id, &eq); err != nil {
		return err
	}
	return m.apply(eq, b)
}

func (m *Controller) apply(eq Equipment, on bool) error {
	if err := m.outlets.Configure(eq.Outlet, on); err != nil {
		return err
	}
	v := 0.0
	if on {
		v = 1.0
	}
	m.c.Telemetry().EmitMetric("equipment", eq.Name+"_state", v)
	return nil
}

func (m *Controller) InUse(depType, id string) ([]string, error) {
	users := []string{}
	if depType != "outlet" {
		return users, nil
	}
	eqs, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, eq := range eqs {
		if eq.Outlet == id {
			users = append(users, eq.Name)
		}
	}
	return users, nil
}

func (m *Controller) GetEntity(id string) (controller.Entity, error) {
	return m.Get(id)
}
