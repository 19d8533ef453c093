package irrigation

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

type fakeEquipment struct {
	controller.Subsystem
	mu      sync.Mutex
	state   map[string]bool
	changes int
}

func newFakeEquipment() *fakeEquipment {
	return &fakeEquipment{state: make(map[string]bool)}
}

func (f *fakeEquipment) On(id string, b bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[id] = b
	f.changes++
	return nil
}

func (f *fakeEquipment) isOn(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[id]
}

func (f *fakeEquipment) changeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes
}

func testIrrigation(t *testing.T) (*Controller, *fakeEquipment) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tc := controller.NewTestController(store, t.TempDir())
	eq := newFakeEquipment()
	tc.Register("equipment", eq)
	m, err := New(tc)
	require.NoError(t, err)
	require.NoError(t, m.Setup())

	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Enable = true
	cfg.Equipment = []string{"pump"}
	require.NoError(t, m.setConfig(cfg))
	return m, eq
}

func at(minute, second int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, 26, 9, minute, second, 0, time.Local)
	}
}

func TestPumpFollowsSpans(t *testing.T) {
	m, eq := testIrrigation(t)

	m.clock = at(1, 0)
	m.tick()
	assert.True(t, eq.isOn("pump"))

	m.clock = at(5, 0)
	m.tick()
	assert.False(t, eq.isOn("pump"))

	m.clock = at(21, 0)
	m.tick()
	assert.True(t, eq.isOn("pump"))

	m.clock = at(42, 30)
	m.tick()
	assert.True(t, eq.isOn("pump"))

	m.clock = at(43, 0)
	m.tick()
	assert.False(t, eq.isOn("pump"))
}

func TestTransitionOnlySwitching(t *testing.T) {
	m, eq := testIrrigation(t)

	m.clock = at(0, 0)
	m.tick()
	n := eq.changeCount()

	m.clock = at(0, 20)
	m.tick()
	m.clock = at(0, 40)
	m.tick()
	assert.Equal(t, n, eq.changeCount())
}

func TestPerMinuteCSVDedup(t *testing.T) {
	m, eq := testIrrigation(t)

	// Three ticks inside minute 20, then one in minute 21.
	m.clock = at(20, 0)
	m.tick()
	m.clock = at(20, 20)
	m.tick()
	m.clock = at(20, 40)
	m.tick()
	m.clock = at(21, 0)
	m.tick()
	require.True(t, eq.isOn("pump"))

	cfg, err := m.GetConfig()
	require.NoError(t, err)
	l, err := m.csvLog(cfg)
	require.NoError(t, err)
	lines, err := l.Tail(10)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestDisabledDoesNothing(t *testing.T) {
	m, eq := testIrrigation(t)
	require.NoError(t, m.On("default", false))
	eqBefore := eq.changeCount()

	m.clock = at(1, 0)
	m.tick()
	assert.Equal(t, eqBefore, eq.changeCount())
	assert.False(t, eq.isOn("pump"))
}

func TestSpanValidation(t *testing.T) {
	m, _ := testIrrigation(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Spans = []Span{{StartMinute: 50, EndMinute: 10}}
	assert.Error(t, m.setConfig(cfg))
	cfg.Spans = []Span{{StartMinute: -1, EndMinute: 10}}
	assert.Error(t, m.setConfig(cfg))
}

func TestBothPumpsFollowSpans(t *testing.T) {
	m, eq := testIrrigation(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Equipment = []string{"pump-1", "pump-2"}
	require.NoError(t, m.setConfig(cfg))

	m.clock = at(1, 0)
	m.tick()
	assert.True(t, eq.isOn("pump-1"))
	assert.True(t, eq.isOn("pump-2"))

	m.clock = at(5, 0)
	m.tick()
	assert.False(t, eq.isOn("pump-1"))
	assert.False(t, eq.isOn("pump-2"))

	require.NoError(t, m.On("default", false))
	assert.False(t, eq.isOn("pump-1"))
	assert.False(t, eq.isOn("pump-2"))
}

func TestInUse(t *testing.T) {
	m, _ := testIrrigation(t)
	users, err := m.InUse("equipment", "pump")
	require.NoError(t, err)
	assert.Equal(t, []string{"irrigation"}, users)
}
