package climate

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/climate").Subrouter()
	sr.HandleFunc("/config", m.getConfigHandler).Methods("GET")
	sr.HandleFunc("/config", m.putConfigHandler).Methods("PUT")
	sr.HandleFunc("/latest", m.latestHandler).Methods("GET")
	sr.HandleFunc("/readings", m.readingsHandler).Methods("GET")
	sr.HandleFunc("/read", m.readNowHandler).Methods("POST")
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
	old, err := m.GetConfig()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.setConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if old.Enable {
		m.stopPolling()
	}
	if cfg.Enable {
		m.startPolling(cfg)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) latestHandler(w http.ResponseWriter, r *http.Request) {
	reading, ok := m.Latest()
	if !ok {
		http.Error(w, "no reading yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reading)
}

func (m *Controller) readingsHandler(w http.ResponseWriter, r *http.Request) {
	readings, err := m.Readings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(readings)
}

func (m *Controller) readNowHandler(w http.ResponseWriter, r *http.Request) {
	reading, err := m.Read()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.save(reading); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reading)
}
