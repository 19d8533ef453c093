package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/crypto/bcrypt"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
)

const sessionName = "skyfarm-session"

func (s *Skyfarm) router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/auth/login", s.login).Methods("POST")
	r.HandleFunc("/auth/logout", s.logout).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/health", s.health).Methods("GET")
	api.HandleFunc("/errors", s.errors).Methods("GET")
	api.HandleFunc("/settings", s.settingsHandler).Methods("GET")
	api.HandleFunc("/drivers", s.driversHandler).Methods("GET")
	s.outlets.LoadAPI(api)
	for _, name := range s.order {
		s.subsystems[name].LoadAPI(api)
	}
	return r
}

func (s *Skyfarm) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.settings.Auth.Enable {
			next.ServeHTTP(w, r)
			return
		}
		session, err := s.sessions.Get(r, sessionName)
		if err != nil || session.Values["user"] != s.settings.Auth.Username {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Skyfarm) login(w http.ResponseWriter, r *http.Request) {
	if !s.settings.Auth.Enable {
		w.WriteHeader(http.StatusOK)
		return
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if creds.Username != s.settings.Auth.Username ||
		bcrypt.CompareHashAndPassword([]byte(s.settings.Auth.PasswordHash), []byte(creds.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	session, _ := s.sessions.Get(r, sessionName)
	session.Values["user"] = creds.Username
	if err := session.Save(r, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Skyfarm) logout(w http.ResponseWriter, r *http.Request) {
	session, _ := s.sessions.Get(r, sessionName)
	session.Options.MaxAge = -1
	_ = session.Save(r, w)
	w.WriteHeader(http.StatusOK)
}

// health reports host vitals for the dashboard's status panel.
func (s *Skyfarm) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"name": s.settings.Name,
		"time": time.Now().Format("2006-01-02 15:04:05"),
	}
	if avg, err := load.Avg(); err == nil {
		resp["load1"] = avg.Load1
		resp["load5"] = avg.Load5
		resp["load15"] = avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["mem_used"] = humanize.Bytes(vm.Used)
		resp["mem_total"] = humanize.Bytes(vm.Total)
		resp["mem_used_percent"] = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		resp["uptime"] = (time.Duration(up) * time.Second).String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Skyfarm) errors(w http.ResponseWriter, r *http.Request) {
	records, err := controller.ListErrors(s.store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// settingsHandler exposes the non-secret parts of the runtime settings.
func (s *Skyfarm) settingsHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"name":      s.settings.Name,
		"dev_mode":  s.settings.DevMode,
		"data_dir":  s.settings.DataDir,
		"gpio_chip": s.settings.GpioChip,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Skyfarm) driversHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.dm.List())
}
