package archive

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

func testArchive(t *testing.T) (*Controller, string) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	dataDir := t.TempDir()
	tc := controller.NewTestController(store, dataDir)
	m, err := New(tc)
	require.NoError(t, err)
	require.NoError(t, m.Setup())
	return m, dataDir
}

func TestSanitizeIdentifier(t *testing.T) {
	assert.Equal(t, "solution_temperature", sanitizeIdentifier("Solution_Temperature"))
	assert.Equal(t, "ph", sanitizeIdentifier("pH"))
	assert.Equal(t, "a_b", sanitizeIdentifier("A B"))
	assert.Equal(t, "_3col", sanitizeIdentifier("3col"))
	assert.Equal(t, "col", sanitizeIdentifier("!!!"))
}

func TestInferTypes(t *testing.T) {
	header := []string{"date", "ec", "count", "note", "blank"}
	sample := [][]string{
		{"2026-08-26 10:00:00", "1.23", "5", "ok", ""},
		{"2026-08-26 11:00:00", "1.30", "6", "warm", ""},
	}
	types := inferTypes(header, sample)
	assert.Equal(t, []string{"TEXT", "REAL", "INTEGER", "TEXT", "TEXT"}, types)
}

func TestSQLValue(t *testing.T) {
	assert.Nil(t, sqlValue("", "REAL"))
	assert.Equal(t, 1.5, sqlValue("1.5", "REAL"))
	assert.Equal(t, int64(7), sqlValue("7", "INTEGER"))
	assert.Equal(t, "abc", sqlValue("abc", "TEXT"))
}

func writeCSV(t *testing.T, path string, lines ...string) {
	t.Helper()
	var body string
	for _, l := range lines {
		body += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestImportAndIncrementalRuns(t *testing.T) {
	m, dataDir := testArchive(t)
	csvPath := filepath.Join(dataDir, "EC_pH_log.csv")
	writeCSV(t, csvPath,
		"Date,EC,pH,Solution_Temperature",
		"2026-08-26 10:00:00,1.21,6.02,18.5",
		"2026-08-26 10:05:00,1.19,6.10,18.6",
	)

	require.NoError(t, m.Run())

	cfg, err := m.GetConfig()
	require.NoError(t, err)
	db, err := sql.Open("sqlite", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM solution_readings").Scan(&n))
	assert.Equal(t, 2, n)

	var ec float64
	require.NoError(t, db.QueryRow("SELECT ec FROM solution_readings ORDER BY date LIMIT 1").Scan(&ec))
	assert.InDelta(t, 1.21, ec, 0.001)

	// A second run with one new row imports only that row.
	writeCSV(t, csvPath,
		"Date,EC,pH,Solution_Temperature",
		"2026-08-26 10:00:00,1.21,6.02,18.5",
		"2026-08-26 10:05:00,1.19,6.10,18.6",
		"2026-08-26 10:10:00,1.25,6.05,18.7",
	)
	require.NoError(t, m.Run())
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM solution_readings").Scan(&n))
	assert.Equal(t, 3, n)

	offsets, err := m.Offsets()
	require.NoError(t, err)
	assert.Equal(t, 3, offsets["solution_readings"])
}

func TestMissingSourcesAreSkipped(t *testing.T) {
	m, _ := testArchive(t)
	require.NoError(t, m.Run())
	offsets, err := m.Offsets()
	require.NoError(t, err)
	assert.Empty(t, offsets)
}

func TestBlankCellsBecomeNULL(t *testing.T) {
	m, dataDir := testArchive(t)
	csvPath := filepath.Join(dataDir, "Temp_humi_log.csv")
	writeCSV(t, csvPath,
		"date,temperature,humidity,co2",
		"2026-08-26 10:00:00,23.1,,660",
	)

	require.NoError(t, m.Run())

	cfg, err := m.GetConfig()
	require.NoError(t, err)
	db, err := sql.Open("sqlite", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM climate_readings WHERE humidity IS NULL").Scan(&n))
	assert.Equal(t, 1, n)
}
