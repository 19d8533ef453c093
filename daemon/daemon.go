package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/connectors"
	"github.com/cja-skyfarms/skyfarm-pi/controller/drivers"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/archive"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/camera"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/climate"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/doser"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/ecph"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/equipment"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/irrigation"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/photoperiod"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
	"github.com/cja-skyfarms/skyfarm-pi/controller/telemetry"
)

// Skyfarm is the concrete controller: it owns the store, drivers, telemetry
// and the subsystem set, and serves the HTTP API.
type Skyfarm struct {
	settings  Settings
	store     storage.Store
	telemetry telemetry.Telemetry
	dm        *drivers.Manager
	registry  *prometheus.Registry
	outlets   *connectors.Outlets

	subsystems map[string]controller.Subsystem
	order      []string

	sessions *sessions.CookieStore
	server   *http.Server
}

func New(s Settings) (*Skyfarm, error) {
	if err := os.MkdirAll(s.DataDir, 0755); err != nil {
		return nil, err
	}
	dbPath := s.Database
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(s.DataDir, dbPath)
	}
	store, err := storage.NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.CreateBucket(controller.ErrorBucket); err != nil {
		store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sky := &Skyfarm{
		settings:   s,
		store:      store,
		telemetry:  telemetry.New(registry, s.MQTT),
		dm:         drivers.NewManager(s.DevMode, s.GpioChip),
		registry:   registry,
		subsystems: make(map[string]controller.Subsystem),
		sessions:   sessions.NewCookieStore([]byte(s.Auth.CookieSecret)),
	}
	sky.outlets = connectors.NewOutlets(sky.dm, store)
	if err := sky.outlets.Setup(); err != nil {
		store.Close()
		return nil, err
	}
	if err := sky.loadSubsystems(); err != nil {
		store.Close()
		return nil, err
	}
	return sky, nil
}

// loadSubsystems constructs every subsystem in dependency order: equipment
// first so the actuating subsystems can resolve it, archive last.
func (s *Skyfarm) loadSubsystems() error {
	s.register("equipment", equipment.New(s, s.outlets))
	s.register("ecph", ecph.New(s))
	s.register("climate", climate.New(s))

	d, err := doser.New(s)
	if err != nil {
		return err
	}
	s.register("doser", d)

	p, err := photoperiod.New(s)
	if err != nil {
		return err
	}
	s.register("photoperiod", p)

	i, err := irrigation.New(s)
	if err != nil {
		return err
	}
	s.register("irrigation", i)

	cam, err := camera.New(s)
	if err != nil {
		return err
	}
	s.register("camera", cam)

	a, err := archive.New(s)
	if err != nil {
		return err
	}
	s.register("archive", a)
	return nil
}

func (s *Skyfarm) register(name string, sub controller.Subsystem) {
	s.subsystems[name] = sub
	s.order = append(s.order, name)
}

// Start sets up and starts every subsystem, then the API server, and tells
// systemd the daemon is ready.
func (s *Skyfarm) Start() error {
	for _, name := range s.order {
		sub := s.subsystems[name]
		if err := sub.Setup(); err != nil {
			return fmt.Errorf("subsystem %s setup: %w", name, err)
		}
		sub.Start()
		log.Println("subsystem started:", name)
	}

	s.server = &http.Server{
		Addr:    s.settings.Address,
		Handler: s.router(),
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("ERROR: api server:", err)
		}
	}()
	log.Println("api server listening on", s.settings.Address)

	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Println("sd_notify skipped:", err)
	}
	return nil
}

// Stop shuts subsystems down in reverse start order, then the server,
// drivers and store.
func (s *Skyfarm) Stop() {
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Println("ERROR: api shutdown:", err)
		}
	}

	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		s.subsystems[name].Stop()
		log.Println("subsystem stopped:", name)
	}

	if err := s.dm.Close(); err != nil {
		log.Println("ERROR: driver shutdown:", err)
	}
	if err := s.store.Close(); err != nil {
		log.Println("ERROR: store close:", err)
	}
}

func (s *Skyfarm) Store() storage.Store           { return s.store }
func (s *Skyfarm) Telemetry() telemetry.Telemetry { return s.telemetry }
func (s *Skyfarm) DM() *drivers.Manager           { return s.dm }

func (s *Skyfarm) Opts() controller.Opts {
	return controller.Opts{DevMode: s.settings.DevMode, DataDir: s.settings.DataDir}
}

func (s *Skyfarm) Subsystem(name string) (controller.Subsystem, error) {
	sub, ok := s.subsystems[name]
	if !ok {
		return nil, fmt.Errorf("subsystem '%s' not registered", name)
	}
	return sub, nil
}

func (s *Skyfarm) LogError(id, msg string) error {
	return controller.LogError(s.store, id, msg)
}
