package photoperiod

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/photoperiod").Subrouter()
	sr.HandleFunc("/windows", m.list).Methods("GET")
	sr.HandleFunc("/windows", m.create).Methods("POST")
	sr.HandleFunc("/windows/{id}", m.get).Methods("GET")
	sr.HandleFunc("/windows/{id}", m.update).Methods("PUT")
	sr.HandleFunc("/windows/{id}", m.remove).Methods("DELETE")
	sr.HandleFunc("/log", m.logHandler).Methods("GET")
}

func (m *Controller) list(w http.ResponseWriter, r *http.Request) {
	windows, err := m.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(windows)
}

func (m *Controller) get(w http.ResponseWriter, r *http.Request) {
	win, err := m.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(win)
}

func (m *Controller) create(w http.ResponseWriter, r *http.Request) {
	var win Window
	if err := json.NewDecoder(r.Body).Decode(&win); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.Create(win); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (m *Controller) update(w http.ResponseWriter, r *http.Request) {
	var win Window
	if err := json.NewDecoder(r.Body).Decode(&win); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.Update(mux.Vars(r)["id"], win); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) remove(w http.ResponseWriter, r *http.Request) {
	if err := m.Delete(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) logHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.activityLog())
}
