package equipment

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/equipment").Subrouter()
	sr.HandleFunc("", m.list).Methods("GET")
	sr.HandleFunc("", m.create).Methods("PUT")
	sr.HandleFunc("/{id}", m.get).Methods("GET")
	sr.HandleFunc("/{id}", m.update).Methods("POST")
	sr.HandleFunc("/{id}", m.remove).Methods("DELETE")
	sr.HandleFunc("/{id}/control", m.control).Methods("POST")
}

func (m *Controller) list(w http.ResponseWriter, r *http.Request) {
	eqs, err := m.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(eqs)
}

func (m *Controller) get(w http.ResponseWriter, r *http.Request) {
	eq, err := m.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(eq)
}

func (m *Controller) create(w http.ResponseWriter, r *http.Request) {
	var eq Equipment
	if err := json.NewDecoder(r.Body).Decode(&eq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.Create(eq); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) update(w http.ResponseWriter, r *http.Request) {
	var eq Equipment
	if err := json.NewDecoder(r.Body).Decode(&eq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.Update(mux.Vars(r)["id"], eq); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) remove(w http.ResponseWriter, r *http.Request) {
	if err := m.Delete(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) control(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.On(mux.Vars(r)["id"], payload.On); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
