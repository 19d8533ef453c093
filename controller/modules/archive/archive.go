package archive

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
)

const (
	Bucket       = "archive"
	OffsetBucket = "archive_offsets"
)

// Source is one CSV log to mirror into a SQLite table.
type Source struct {
	Table   string `json:"table"`
	CSVPath string `json:"csv_path"`
}

type Config struct {
	ID        string   `json:"id"`
	Enable    bool     `json:"enable"`
	DBPath    string   `json:"db_path"`
	PeriodSec int      `json:"period_sec"`
	Sources   []Source `json:"sources"`
}

func DefaultConfig() Config {
	return Config{
		ID:        "default",
		PeriodSec: 3600,
	}
}

// offset tracks how many data rows of a source have been imported.
type offset struct {
	ID   string `json:"id"`
	Rows int    `json:"rows"`
}

// Controller mirrors the CSV sensor and dosing logs into a SQLite database
// so history can be queried with SQL instead of spreadsheet tooling. Imports
// are incremental; the CSV files stay the source of truth.
type Controller struct {
	c controller.Controller

	mu     sync.Mutex
	runner *cron.Cron
}

func New(c controller.Controller) (*Controller, error) {
	for _, b := range []string{Bucket, OffsetBucket} {
		if err := c.Store().CreateBucket(b); err != nil {
			return nil, err
		}
	}
	return &Controller{c: c}, nil
}

func (m *Controller) Setup() error {
	var cfg Config
	if err := m.c.Store().Get(Bucket, "default", &cfg); err != nil {
		dataDir := m.c.Opts().DataDir
		def := DefaultConfig()
		def.DBPath = filepath.Join(dataDir, "archive.db")
		def.Sources = []Source{
			{Table: "solution_readings", CSVPath: filepath.Join(dataDir, "EC_pH_log.csv")},
			{Table: "climate_readings", CSVPath: filepath.Join(dataDir, "Temp_humi_log.csv")},
			{Table: "dosing_log", CSVPath: filepath.Join(dataDir, "Solution_input_log.csv")},
			{Table: "irrigation_log", CSVPath: filepath.Join(dataDir, "irrigation_log.csv")},
		}
		return m.c.Store().CreateWithID(Bucket, "default", def)
	}
	return nil
}

func (m *Controller) GetConfig() (Config, error) {
	var cfg Config
	return cfg, m.c.Store().Get(Bucket, "default", &cfg)
}

func (m *Controller) setConfig(cfg Config) error {
	cfg.ID = "default"
	return m.c.Store().Update(Bucket, "default", &cfg)
}

func (m *Controller) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runner != nil {
		return
	}
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("archive", "failed to load config: "+err.Error())
		return
	}
	if !cfg.Enable {
		return
	}
	m.runner = cron.New()
	spec := fmt.Sprintf("@every %ds", cfg.PeriodSec)
	if _, err := m.runner.AddFunc(spec, func() {
		if err := m.Run(); err != nil {
			m.c.LogError("archive", "import failed: "+err.Error())
		}
	}); err != nil {
		m.c.LogError("archive", "failed to schedule import: "+err.Error())
		m.runner = nil
		return
	}
	m.runner.Start()
}

func (m *Controller) Stop() {
	m.mu.Lock()
	runner := m.runner
	m.runner = nil
	m.mu.Unlock()
	if runner != nil {
		runner.Stop()
	}
}

// Run imports all new rows from every configured source.
func (m *Controller) Run() error {
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("archive database path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, src := range cfg.Sources {
		n, err := m.importSource(db, src)
		if err != nil {
			m.c.LogError("archive", "import of "+src.Table+" failed: "+err.Error())
			continue
		}
		if n > 0 {
			m.c.Telemetry().EmitMetric("archive", src.Table+"_rows", float64(n))
		}
	}
	return nil
}

// importSource appends the source's unseen CSV rows to its table, creating
// the table from the header and a sample row on first sight.
func (m *Controller) importSource(db *sql.DB, src Source) (int, error) {
	f, err := os.Open(src.CSVPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, err
	}

	rows := [][]string{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		rows = append(rows, rec)
	}

	var off offset
	if err := m.c.Store().Get(OffsetBucket, src.Table, &off); err != nil {
		off = offset{ID: src.Table}
	}
	if off.Rows >= len(rows) {
		return 0, nil
	}
	fresh := rows[off.Rows:]

	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = sanitizeIdentifier(h)
	}
	types := inferTypes(header, fresh)
	table := sanitizeIdentifier(src.Table)
	if err := ensureTable(db, table, columns, types); err != nil {
		return 0, err
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	stmt, err := tx.Prepare(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders,
	))
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	for _, rec := range fresh {
		args := make([]interface{}, len(columns))
		for i := range columns {
			if i < len(rec) {
				args[i] = sqlValue(rec[i], types[i])
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	off.Rows = len(rows)
	if err := m.saveOffset(off); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

func (m *Controller) saveOffset(off offset) error {
	if err := m.c.Store().Update(OffsetBucket, off.ID, &off); err != nil {
		return m.c.Store().CreateWithID(OffsetBucket, off.ID, &off)
	}
	return nil
}

// Offsets reports per-table import progress.
func (m *Controller) Offsets() (map[string]int, error) {
	out := map[string]int{}
	err := m.c.Store().List(OffsetBucket, func(id string, v []byte) error {
		var off offset
		if err := json.Unmarshal(v, &off); err != nil {
			return err
		}
		out[id] = off.Rows
		return nil
	})
	return out, err
}

// On toggles the scheduled import.
func (m *Controller) On(id string, b bool) error {
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	cfg.Enable = b
	if err := m.setConfig(cfg); err != nil {
		return err
	}
	m.Stop()
	m.Start()
	return nil
}

func (m *Controller) InUse(depType, id string) ([]string, error) {
	return []string{}, nil
}

func (m *Controller) GetEntity(id string) (controller.Entity, error) {
	cfg, err := m.GetConfig()
	return entity{cfg.ID}, err
}

type entity struct{ id string }

func (e entity) EID() string   { return e.id }
func (e entity) EName() string { return "archive" }

// ensureTable creates the table and an index on its first time-like column.
func ensureTable(db *sql.DB, table string, columns, types []string) error {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = col + " " + types[i]
	}
	if _, err := db.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "),
	)); err != nil {
		return err
	}
	for _, col := range columns {
		if isTimeColumn(col) {
			_, err := db.Exec(fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, col, table, col,
			))
			return err
		}
	}
	return nil
}

func isTimeColumn(col string) bool {
	switch strings.ToLower(col) {
	case "date", "time", "timestamp", "datetime":
		return true
	}
	return false
}

// sanitizeIdentifier reduces a CSV header to a safe SQL identifier.
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.':
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "col"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// inferTypes picks a SQLite type per column from the sample rows: INTEGER if
// every non-empty value parses as an integer, REAL if as a float, else TEXT.
func inferTypes(header []string, sample [][]string) []string {
	types := make([]string, len(header))
	for col := range header {
		isInt, isReal, seen := true, true, false
		for _, row := range sample {
			if col >= len(row) || row[col] == "" {
				continue
			}
			seen = true
			v := strings.TrimSpace(row[col])
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isReal = false
			}
		}
		switch {
		case !seen:
			types[col] = "TEXT"
		case isInt:
			types[col] = "INTEGER"
		case isReal:
			types[col] = "REAL"
		default:
			types[col] = "TEXT"
		}
	}
	return types
}

// sqlValue converts a CSV cell per its column type; empty cells become NULL.
func sqlValue(cell, typ string) interface{} {
	v := strings.TrimSpace(cell)
	if v == "" {
		return nil
	}
	switch typ {
	case "INTEGER":
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "REAL":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
