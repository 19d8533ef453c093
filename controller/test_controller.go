package controller

import (
	"fmt"

	"github.com/cja-skyfarms/skyfarm-pi/controller/drivers"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
	"github.com/cja-skyfarms/skyfarm-pi/controller/telemetry"
)

// TestController is a minimal Controller for subsystem tests: sim drivers,
// noop telemetry, a caller-provided store.
type TestController struct {
	store      storage.Store
	telemetry  telemetry.Telemetry
	dm         *drivers.Manager
	subsystems map[string]Subsystem
	opts       Opts
}

func NewTestController(store storage.Store, dataDir string) *TestController {
	tc := &TestController{
		store:      store,
		telemetry:  telemetry.NewNoop(),
		dm:         drivers.NewManager(true, ""),
		subsystems: make(map[string]Subsystem),
		opts:       Opts{DevMode: true, DataDir: dataDir},
	}
	_ = store.CreateBucket(ErrorBucket)
	return tc
}

func (tc *TestController) Register(name string, s Subsystem) {
	tc.subsystems[name] = s
}

func (tc *TestController) Store() storage.Store           { return tc.store }
func (tc *TestController) Telemetry() telemetry.Telemetry { return tc.telemetry }
func (tc *TestController) DM() *drivers.Manager           { return tc.dm }
func (tc *TestController) Opts() Opts                     { return tc.opts }
func (tc *TestController) LogError(id, msg string) error  { return LogError(tc.store, id, msg) }

func (tc *TestController) Subsystem(name string) (Subsystem, error) {
	s, ok := tc.subsystems[name]
	if !ok {
		return nil, fmt.Errorf("subsystem '%s' not registered", name)
	}
	return s, nil
}
