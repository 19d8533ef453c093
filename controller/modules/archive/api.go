package archive

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/archive").Subrouter()
	sr.HandleFunc("/config", m.getConfigHandler).Methods("GET")
	sr.HandleFunc("/config", m.putConfigHandler).Methods("PUT")
	sr.HandleFunc("/run", m.runHandler).Methods("POST")
	sr.HandleFunc("/status", m.statusHandler).Methods("GET")
}

func (m *Controller) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := m.GetConfig()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (m *Controller) putConfigHandler(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.setConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.Stop()
	m.Start()
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) runHandler(w http.ResponseWriter, r *http.Request) {
	if err := m.Run(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) statusHandler(w http.ResponseWriter, r *http.Request) {
	offsets, err := m.Offsets()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offsets)
}
