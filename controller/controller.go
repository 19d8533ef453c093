package controller

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/mux"

	"github.com/cja-skyfarms/skyfarm-pi/controller/drivers"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
	"github.com/cja-skyfarms/skyfarm-pi/controller/telemetry"
)

const ErrorBucket = "errors"

// Entity is anything a subsystem exposes by ID over the API.
type Entity interface {
	EID() string
	EName() string
}

// Subsystem is one functional unit of the farm controller (dosing, climate,
// photoperiod...). The daemon calls Setup once, then Start/Stop around the
// process lifecycle. On is the programmatic switch other subsystems use.
type Subsystem interface {
	Setup() error
	Start()
	Stop()
	LoadAPI(r *mux.Router)
	On(id string, b bool) error
	InUse(depType, id string) ([]string, error)
	GetEntity(id string) (Entity, error)
}

// Opts carries daemon-level knobs every subsystem may consult.
type Opts struct {
	DevMode bool
	DataDir string
}

// Controller is the handle subsystems receive at construction time.
type Controller interface {
	Store() storage.Store
	Telemetry() telemetry.Telemetry
	DM() *drivers.Manager
	Subsystem(name string) (Subsystem, error)
	LogError(id, msg string) error
	Opts() Opts
}

// LogError records a subsystem failure in the persistent error bucket and
// mirrors it to the process log.
type ErrorRecord struct {
	ID      string `json:"id"`
	Origin  string `json:"origin"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

func LogError(store storage.Store, origin, msg string) error {
	log.Println("ERROR: [" + origin + "] " + msg)
	rec := ErrorRecord{
		Origin:  origin,
		Message: msg,
		Time:    time.Now().Format("2006-01-02 15:04:05"),
	}
	return store.Create(ErrorBucket, func(id string) interface{} {
		rec.ID = id
		return &rec
	})
}

func ListErrors(store storage.Store) ([]ErrorRecord, error) {
	records := []ErrorRecord{}
	err := store.List(ErrorBucket, func(_ string, v []byte) error {
		var rec ErrorRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}
