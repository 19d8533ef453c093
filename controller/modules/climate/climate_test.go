package climate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

func testClimate(t *testing.T) (*Controller, string) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	dataDir := t.TempDir()
	tc := controller.NewTestController(store, dataDir)
	m := New(tc)
	require.NoError(t, m.Setup())
	return m, dataDir
}

func TestParseNodeFrame(t *testing.T) {
	raw := []byte(`node000000|SensorRes|{"sensors":[{"id":1,"value":"23.4"},{"id":2,"value":" 61.2"},{"id":6,"value":" 660"}]}|09A1`)
	temp, humi, co2, err := parseNodeFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, temp)
	require.NotNil(t, humi)
	require.NotNil(t, co2)
	assert.Equal(t, 23.4, *temp)
	assert.Equal(t, 61.2, *humi)
	assert.Equal(t, 660, *co2)
}

func TestParseNodeFramePartial(t *testing.T) {
	raw := []byte(`|SensorRes|{"sensors":[{"id":6,"value":"712"}]}|0001`)
	temp, humi, co2, err := parseNodeFrame(raw)
	require.NoError(t, err)
	assert.Nil(t, temp)
	assert.Nil(t, humi)
	require.NotNil(t, co2)
	assert.Equal(t, 712, *co2)
}

func TestParseNodeFrameGarbage(t *testing.T) {
	_, _, _, err := parseNodeFrame([]byte("no json here"))
	assert.Error(t, err)
	_, _, _, err = parseNodeFrame([]byte("|SensorRes|{broken|0001"))
	assert.Error(t, err)
}

func TestExtractJSONBlock(t *testing.T) {
	block, ok := extractJSONBlock(`pre{"a":{"b":1}}post`)
	require.True(t, ok)
	assert.Equal(t, `{"a":{"b":1}}`, block)
	_, ok = extractJSONBlock("}{")
	assert.False(t, ok)
}

func TestReadModbusScaling(t *testing.T) {
	m, _ := testClimate(t)
	reading, err := m.Read()
	require.NoError(t, err)
	require.NotNil(t, reading.Temperature)
	require.NotNil(t, reading.Humidity)
	assert.Equal(t, 23.1, *reading.Temperature)
	assert.Equal(t, 65.5, *reading.Humidity)
	assert.Nil(t, reading.CO2, "the transmitter has no CO2 cell")
}

func TestReadNodeSourceAndCSV(t *testing.T) {
	m, dataDir := testClimate(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Source = SourceNode
	require.NoError(t, m.setConfig(cfg))

	reading, err := m.Read()
	require.NoError(t, err)
	require.NotNil(t, reading.CO2)
	require.NoError(t, m.save(reading))

	data, err := os.ReadFile(filepath.Join(dataDir, "Temp_humi_log.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "date,temperature,humidity,co2", lines[0])
	assert.Contains(t, lines[1], "660")
}

func TestSaveBlankCellsForMissingValues(t *testing.T) {
	m, dataDir := testClimate(t)
	temp := 20.0
	require.NoError(t, m.save(Reading{Time: "2026-01-05 10:00", Temperature: &temp}))
	data, err := os.ReadFile(filepath.Join(dataDir, "Temp_humi_log.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "2026-01-05 10:00,20.0,,")
}
