package camera

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/camera").Subrouter()
	sr.HandleFunc("/config", m.getConfigHandler).Methods("GET")
	sr.HandleFunc("/config", m.putConfigHandler).Methods("PUT")
	sr.HandleFunc("/shoot", m.shootHandler).Methods("POST")
	sr.HandleFunc("/images", m.listHandler).Methods("GET")
	sr.HandleFunc("/latest", m.latestHandler).Methods("GET")
	sr.HandleFunc("/latest/thumb", m.latestThumbHandler).Methods("GET")
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

func (m *Controller) shootHandler(w http.ResponseWriter, r *http.Request) {
	img, err := m.Shoot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(img)
}

func (m *Controller) listHandler(w http.ResponseWriter, r *http.Request) {
	images, err := m.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(images)
}

func (m *Controller) latestHandler(w http.ResponseWriter, r *http.Request) {
	img, err := m.Latest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, img.Path)
}

func (m *Controller) latestThumbHandler(w http.ResponseWriter, r *http.Request) {
	img, err := m.Latest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if img.Thumb == "" {
		http.Error(w, "no thumbnail", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, img.Thumb)
}
