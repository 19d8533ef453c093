package equipment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/connectors"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

func testEquipment(t *testing.T) (*Controller, *connectors.Outlets, *controller.TestController) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tc := controller.NewTestController(store, t.TempDir())
	outlets := connectors.NewOutlets(tc.DM(), store)
	require.NoError(t, outlets.Setup())
	m := New(tc, outlets)
	require.NoError(t, m.Setup())
	return m, outlets, tc
}

func outletPin(t *testing.T, tc *controller.TestController, pin int) bool {
	t.Helper()
	d, err := tc.DM().DigitalOutputDriver("rpi")
	require.NoError(t, err)
	p, err := d.DigitalOutputPin(pin)
	require.NoError(t, err)
	return p.LastState()
}

func TestEquipmentLifecycle(t *testing.T) {
	m, outlets, tc := testEquipment(t)
	require.NoError(t, outlets.Create(connectors.Outlet{Name: "o-fan", Pin: 13, Inverted: true}))
	outs, _ := outlets.List()
	outletID := outs[0].ID

	require.NoError(t, m.Create(Equipment{Name: "mini-fan", Outlet: outletID}))
	eqs, err := m.List()
	require.NoError(t, err)
	require.Len(t, eqs, 1)
	eq := eqs[0]

	// Creation applies the off state: active-low outlet idles high.
	assert.True(t, outletPin(t, tc, 13))

	require.NoError(t, m.On(eq.ID, true))
	assert.False(t, outletPin(t, tc, 13))
	got, _ := m.Get(eq.ID)
	assert.True(t, got.On)

	users, err := m.InUse("outlet", outletID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mini-fan"}, users)

	m.Stop()
	assert.True(t, outletPin(t, tc, 13), "stop forces relays off")

	require.NoError(t, m.Delete(eq.ID))
	_, err = m.Get(eq.ID)
	assert.Error(t, err)
}

func TestEquipmentBootRestore(t *testing.T) {
	m, outlets, tc := testEquipment(t)
	require.NoError(t, outlets.Create(connectors.Outlet{Name: "o-circ", Pin: 16}))
	require.NoError(t, outlets.Create(connectors.Outlet{Name: "o-pump", Pin: 25}))
	outs, _ := outlets.List()

	require.NoError(t, m.Create(Equipment{Name: "circulator", Outlet: outs[0].ID, On: true}))
	require.NoError(t, m.Create(Equipment{Name: "dosing-pump", Outlet: outs[1].ID, On: true, StayOffOnBoot: true}))

	m.Start()
	assert.True(t, outletPin(t, tc, 16), "circulator restored on")
	assert.False(t, outletPin(t, tc, 25), "pump held off across boot")
}

func TestEquipmentValidation(t *testing.T) {
	m, _, _ := testEquipment(t)
	assert.Error(t, m.Create(Equipment{Outlet: "1"}))
	assert.Error(t, m.Create(Equipment{Name: "fan", Outlet: "404"}))
	assert.Error(t, m.On("404", true))
}
