package doser

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/ecph"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

type fakePumps struct {
	mu    sync.Mutex
	state map[string]bool
	calls []string
}

func newFakePumps() *fakePumps {
	return &fakePumps{state: make(map[string]bool)}
}

func (f *fakePumps) On(id string, b bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[id] = b
	if b {
		f.calls = append(f.calls, id)
	}
	return nil
}

func (f *fakePumps) isOn(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[id]
}

func (f *fakePumps) doseCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

func testDoser(t *testing.T) (*Controller, *fakePumps) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tc := controller.NewTestController(store, t.TempDir())
	m, err := New(tc)
	require.NoError(t, err)
	require.NoError(t, m.Setup())

	pumps := newFakePumps()
	m.pumps = func() (switcher, error) { return pumps, nil }

	// High pump rates keep dose runs under the 50ms poll interval.
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Enable = true
	cfg.AB = Channel{Enable: true, Equipment: "pump-ab", RatePerSec: 1000, DoseML: 10, StockStartML: 500, StockRemainML: 500}
	cfg.Acid = Channel{Enable: true, Equipment: "pump-acid", RatePerSec: 1000, DoseML: 10, StockStartML: 500, StockRemainML: 500}
	require.NoError(t, m.setConfig(cfg))
	return m, pumps
}

func fixedMeasure(ec, ph, temp float64) func() (ecph.Measurement, error) {
	return func() (ecph.Measurement, error) {
		return ecph.Measurement{EC: ec, PH: ph, SolutionTemp: temp, Samples: 20}, nil
	}
}

func TestCheckLowECDosesAB(t *testing.T) {
	m, pumps := testDoser(t)
	m.measure = fixedMeasure(0.55, 6.0, 19.0)

	m.runCheck()

	assert.Equal(t, 1, pumps.doseCount("pump-ab"))
	assert.Equal(t, 0, pumps.doseCount("pump-acid"))
	assert.False(t, pumps.isOn("pump-ab"))

	cfg, err := m.GetConfig()
	require.NoError(t, err)
	assert.InDelta(t, 490.0, cfg.AB.StockRemainML, 0.001)

	records, err := m.Doses()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ChannelAB, records[0].Channel)
	assert.InDelta(t, 10.0, records[0].VolumeML, 0.001)
}

func TestCheckHighPHDosesAcid(t *testing.T) {
	m, pumps := testDoser(t)
	m.measure = fixedMeasure(1.2, 6.8, 19.0)

	m.runCheck()

	assert.Equal(t, 0, pumps.doseCount("pump-ab"))
	assert.Equal(t, 1, pumps.doseCount("pump-acid"))
	assert.False(t, pumps.isOn("pump-acid"))
}

func TestCheckBothOutOfRange(t *testing.T) {
	m, pumps := testDoser(t)
	m.measure = fixedMeasure(0.4, 7.1, 19.0)

	m.runCheck()

	assert.Equal(t, 1, pumps.doseCount("pump-ab"))
	assert.Equal(t, 1, pumps.doseCount("pump-acid"))
}

func TestCheckInBandDosesNothing(t *testing.T) {
	m, pumps := testDoser(t)
	m.measure = fixedMeasure(1.1, 6.0, 19.0)

	m.runCheck()

	assert.Equal(t, 0, pumps.doseCount("pump-ab"))
	assert.Equal(t, 0, pumps.doseCount("pump-acid"))
}

func TestCheckSensorFailureNeverActuates(t *testing.T) {
	m, pumps := testDoser(t)
	m.measure = func() (ecph.Measurement, error) {
		return ecph.Measurement{}, errors.New("bus timeout")
	}

	m.runCheck()

	assert.Empty(t, pumps.calls)
	errs, err := controller.ListErrors(m.c.Store())
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}

func TestCheckInhibitExpression(t *testing.T) {
	m, pumps := testDoser(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Inhibit = "solution_temp > 30"
	require.NoError(t, m.setConfig(cfg))

	m.measure = fixedMeasure(0.4, 7.0, 31.5)
	m.runCheck()
	assert.Empty(t, pumps.calls)

	m.measure = fixedMeasure(0.4, 7.0, 19.0)
	m.runCheck()
	assert.Equal(t, 1, pumps.doseCount("pump-ab"))
}

func TestDoseSkippedWhenStockLow(t *testing.T) {
	m, pumps := testDoser(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.AB.StockRemainML = 4.0
	require.NoError(t, m.setConfig(cfg))

	m.runDose(ChannelAB, 0, "test")

	assert.Empty(t, pumps.calls)
	cfg, err = m.GetConfig()
	require.NoError(t, err)
	assert.InDelta(t, 4.0, cfg.AB.StockRemainML, 0.001)
}

func TestDoseSkippedWhenChannelDisabled(t *testing.T) {
	m, pumps := testDoser(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Acid.Enable = false
	require.NoError(t, m.setConfig(cfg))

	m.runDose(ChannelAcid, 0, "test")

	assert.Empty(t, pumps.calls)
}

func TestStopAbortsDoseAndForcesPumpsOff(t *testing.T) {
	m, pumps := testDoser(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	// Slow pump so the dose outlives the test's Stop call.
	cfg.AB.RatePerSec = 0.5
	require.NoError(t, m.setConfig(cfg))
	m.measure = fixedMeasure(1.0, 6.0, 19.0)

	m.Start()
	require.NoError(t, m.queue.AddTask(Task{Kind: TaskDose, Channel: ChannelAB}))

	deadline := time.Now().Add(2 * time.Second)
	for !pumps.isOn("pump-ab") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, pumps.isOn("pump-ab"), "dose never started")

	m.Stop()

	deadline = time.Now().Add(2 * time.Second)
	for pumps.isOn("pump-ab") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, pumps.isOn("pump-ab"))

	// Aborted doses do not count against the reservoir.
	cfg, err = m.GetConfig()
	require.NoError(t, err)
	assert.InDelta(t, 500.0, cfg.AB.StockRemainML, 0.001)
}

func TestCalibration(t *testing.T) {
	m, _ := testDoser(t)

	m.runCalibration(ChannelAB, 0.01)
	require.NoError(t, m.SubmitCalibration(ChannelAB, 25.0))

	cfg, err := m.GetConfig()
	require.NoError(t, err)
	assert.InDelta(t, 25.0/0.01, cfg.AB.RatePerSec, 0.001)

	// A second submit without a fresh run is rejected.
	assert.Error(t, m.SubmitCalibration(ChannelAB, 25.0))
}

func TestRefill(t *testing.T) {
	m, _ := testDoser(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Acid.StockRemainML = 12.5
	require.NoError(t, m.setConfig(cfg))

	require.NoError(t, m.Refill(ChannelAcid))

	cfg, err = m.GetConfig()
	require.NoError(t, err)
	assert.InDelta(t, cfg.Acid.StockStartML, cfg.Acid.StockRemainML, 0.001)
	assert.Error(t, m.Refill("bogus"))
}

func TestOnQueuesAndCancels(t *testing.T) {
	m, _ := testDoser(t)

	require.NoError(t, m.On(ChannelAB, true))
	tasks, err := m.queue.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskDose, tasks[0].Kind)

	// Only one task per channel may be queued.
	assert.Error(t, m.On(ChannelAB, true))

	require.NoError(t, m.On(ChannelAB, false))
	tasks, err = m.queue.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)

	assert.Error(t, m.On("bogus", true))
}

func TestInUse(t *testing.T) {
	m, _ := testDoser(t)
	users, err := m.InUse("equipment", "pump-ab")
	require.NoError(t, err)
	assert.Equal(t, []string{ChannelAB}, users)

	users, err = m.InUse("equipment", "unrelated")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestDoseWritesCSV(t *testing.T) {
	m, _ := testDoser(t)
	m.runDose(ChannelAB, 5, "test")

	l, err := m.csvLog()
	require.NoError(t, err)
	lines, err := l.Tail(10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], ",")
	require.Len(t, fields, 4)
	assert.Equal(t, "AB", fields[1])
	assert.Equal(t, "dose", fields[2])
}
