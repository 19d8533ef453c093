package utils

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CSVLog is an append-only CSV file with a guaranteed header row. Sensor and
// dosing history is kept in these files alongside the database so operators
// can pull them into spreadsheets or the nightly SQLite archive.
type CSVLog struct {
	path   string
	header []string
	mu     sync.Mutex
}

func NewCSVLog(path string, header []string) *CSVLog {
	return &CSVLog{path: path, header: header}
}

func (l *CSVLog) Path() string { return l.path }

func (l *CSVLog) ensureHeader() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(l.header); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Append writes one row, flushed and fsynced. The files live on SD cards
// that lose power without warning.
func (l *CSVLog) Append(row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.ensureHeader()
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// Tail returns up to n trailing data lines (header excluded).
func (l *CSVLog) Tail(n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > 0 {
		lines = lines[1:] // header
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
