package doser

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/doser").Subrouter()
	sr.HandleFunc("/config", m.getConfigHandler).Methods("GET")
	sr.HandleFunc("/config", m.putConfigHandler).Methods("PUT")
	sr.HandleFunc("/check", m.checkHandler).Methods("POST")
	sr.HandleFunc("/run/{channel}", m.runHandler).Methods("POST")
	sr.HandleFunc("/calibrate/{channel}/start", m.calibrateStartHandler).Methods("POST")
	sr.HandleFunc("/calibrate/{channel}", m.calibrateSubmitHandler).Methods("POST")
	sr.HandleFunc("/fill/{channel}", m.fillHandler).Methods("POST")
	sr.HandleFunc("/queue", m.queueHandler).Methods("GET")
	sr.HandleFunc("/queue/{channel}", m.cancelHandler).Methods("DELETE")
	sr.HandleFunc("/doses", m.dosesHandler).Methods("GET")
	sr.HandleFunc("/log", m.logHandler).Methods("GET")
	sr.HandleFunc("/csv", m.csvHandler).Methods("GET")
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

// putConfigHandler persists a new configuration and bounces the subsystem so
// the schedule change takes effect immediately.
func (m *Controller) putConfigHandler(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		http.Error(w, "invalid schedule: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.setConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	m.csv = nil
	m.mu.Unlock()
	m.Stop()
	m.Start()
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) checkHandler(w http.ResponseWriter, r *http.Request) {
	if err := m.queue.AddTask(Task{Kind: TaskCheck, Channel: "check"}); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) runHandler(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	var body struct {
		ML float64 `json:"ml"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	cfg, err := m.GetConfig()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := cfg.channel(channel); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := m.queue.AddTask(Task{Kind: TaskDose, Channel: channel, VolumeML: body.ML}); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) calibrateStartHandler(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	var body struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Seconds <= 0 {
		http.Error(w, errors.New("seconds must be positive").Error(), http.StatusBadRequest)
		return
	}
	if err := m.queue.AddTask(Task{Kind: TaskCalibrate, Channel: channel, Seconds: body.Seconds}); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) calibrateSubmitHandler(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	var body struct {
		MeasuredML float64 `json:"measured_ml"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.SubmitCalibration(channel, body.MeasuredML); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) fillHandler(w http.ResponseWriter, r *http.Request) {
	if err := m.Refill(mux.Vars(r)["channel"]); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) queueHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := m.queue.ListTasks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Current *Task  `json:"current"`
		Pending []Task `json:"pending"`
	}{m.queue.Current(), tasks}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (m *Controller) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if err := m.queue.RemoveTask(mux.Vars(r)["channel"]); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Controller) dosesHandler(w http.ResponseWriter, r *http.Request) {
	records, err := m.Doses()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (m *Controller) logHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.activityLog())
}

func (m *Controller) csvHandler(w http.ResponseWriter, r *http.Request) {
	l, err := m.csvLog()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rows, err := l.Tail(200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}
