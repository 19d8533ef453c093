package connectors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cja-skyfarms/skyfarm-pi/controller/drivers"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

const OutletBucket = "outlets"

// Outlet binds a named relay channel to a driver pin. The deployed relay
// boards are active-low (LOW energizes the coil), so Inverted is normally
// true; Configure hides the wiring polarity from every caller.
type Outlet struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	Pin       int    `json:"pin"`
	Inverted  bool   `json:"inverted"`
	Equipment string `json:"equipment"`
}

type Outlets struct {
	store storage.Store
	dm    *drivers.Manager
}

func NewOutlets(dm *drivers.Manager, store storage.Store) *Outlets {
	return &Outlets{store: store, dm: dm}
}

func (o *Outlets) Setup() error {
	return o.store.CreateBucket(OutletBucket)
}

func (o *Outlets) Get(id string) (Outlet, error) {
	var outlet Outlet
	return outlet, o.store.Get(OutletBucket, id, &outlet)
}

func (o *Outlets) List() ([]Outlet, error) {
	outlets := []Outlet{}
	err := o.store.List(OutletBucket, func(_ string, v []byte) error {
		var outlet Outlet
		if err := json.Unmarshal(v, &outlet); err != nil {
			return err
		}
		outlets = append(outlets, outlet)
		return nil
	})
	return outlets, err
}

func (o *Outlets) Create(outlet Outlet) error {
	if outlet.Name == "" {
		return fmt.Errorf("outlet name can not be empty")
	}
	if outlet.Driver == "" {
		outlet.Driver = "rpi"
	}
	if _, err := o.dm.DigitalOutputDriver(outlet.Driver); err != nil {
		return err
	}
	fn := func(id string) interface{} {
		outlet.ID = id
		return &outlet
	}
	return o.store.Create(OutletBucket, fn)
}

func (o *Outlets) Update(id string, outlet Outlet) error {
	outlet.ID = id
	if _, err := o.dm.DigitalOutputDriver(outlet.Driver); err != nil {
		return err
	}
	return o.store.Update(OutletBucket, id, &outlet)
}

func (o *Outlets) Delete(id string) error {
	outlet, err := o.Get(id)
	if err != nil {
		return err
	}
	if outlet.Equipment != "" {
		return fmt.Errorf("outlet '%s' is in use by equipment '%s'", outlet.Name, outlet.Equipment)
	}
	return o.store.Delete(OutletBucket, id)
}

// AttachEquipment records the equipment using this outlet. An outlet serves
// at most one device.
func (o *Outlets) AttachEquipment(id, equipment string) error {
	outlet, err := o.Get(id)
	if err != nil {
		return err
	}
	if outlet.Equipment != "" && outlet.Equipment != equipment {
		return fmt.Errorf("outlet '%s' is already in use by equipment '%s'", outlet.Name, outlet.Equipment)
	}
	outlet.Equipment = equipment
	return o.store.Update(OutletBucket, id, &outlet)
}

func (o *Outlets) DetachEquipment(id string) error {
	outlet, err := o.Get(id)
	if err != nil {
		return err
	}
	outlet.Equipment = ""
	return o.store.Update(OutletBucket, id, &outlet)
}

// Configure drives the outlet's pin to reflect the requested logical state.
func (o *Outlets) Configure(id string, on bool) error {
	outlet, err := o.Get(id)
	if err != nil {
		return err
	}
	driver, err := o.dm.DigitalOutputDriver(outlet.Driver)
	if err != nil {
		return err
	}
	pin, err := driver.DigitalOutputPin(outlet.Pin)
	if err != nil {
		return err
	}
	state := on
	if outlet.Inverted {
		state = !on
	}
	return pin.Write(state)
}

func (o *Outlets) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/outlets").Subrouter()
	sr.HandleFunc("", o.list).Methods("GET")
	sr.HandleFunc("", o.create).Methods("PUT")
	sr.HandleFunc("/{id}", o.get).Methods("GET")
	sr.HandleFunc("/{id}", o.update).Methods("POST")
	sr.HandleFunc("/{id}", o.remove).Methods("DELETE")
}

func (o *Outlets) list(w http.ResponseWriter, r *http.Request) {
	outlets, err := o.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outlets)
}

func (o *Outlets) get(w http.ResponseWriter, r *http.Request) {
	outlet, err := o.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outlet)
}

func (o *Outlets) create(w http.ResponseWriter, r *http.Request) {
	var outlet Outlet
	if err := json.NewDecoder(r.Body).Decode(&outlet); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := o.Create(outlet); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *Outlets) update(w http.ResponseWriter, r *http.Request) {
	var outlet Outlet
	if err := json.NewDecoder(r.Body).Decode(&outlet); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := o.Update(mux.Vars(r)["id"], outlet); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *Outlets) remove(w http.ResponseWriter, r *http.Request) {
	if err := o.Delete(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
