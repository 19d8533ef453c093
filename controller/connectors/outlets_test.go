package connectors

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cja-skyfarms/skyfarm-pi/controller/drivers"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

func testOutlets(t *testing.T) (*Outlets, *drivers.Manager) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	dm := drivers.NewManager(true, "")
	o := NewOutlets(dm, store)
	require.NoError(t, o.Setup())
	return o, dm
}

func TestOutletCRUD(t *testing.T) {
	o, _ := testOutlets(t)
	require.NoError(t, o.Create(Outlet{Name: "mini-fan", Pin: 13, Inverted: true}))
	outlets, err := o.List()
	require.NoError(t, err)
	require.Len(t, outlets, 1)
	assert.Equal(t, "rpi", outlets[0].Driver)

	assert.Error(t, o.Create(Outlet{Pin: 16}), "nameless outlet should be rejected")
	assert.Error(t, o.Create(Outlet{Name: "x", Driver: "mcp23017", Pin: 4}), "unknown driver should be rejected")

	outlet := outlets[0]
	outlet.Pin = 16
	require.NoError(t, o.Update(outlet.ID, outlet))
	got, err := o.Get(outlet.ID)
	require.NoError(t, err)
	assert.Equal(t, 16, got.Pin)

	require.NoError(t, o.Delete(outlet.ID))
	_, err = o.Get(outlet.ID)
	assert.Error(t, err)
}

func TestOutletInversion(t *testing.T) {
	o, dm := testOutlets(t)
	require.NoError(t, o.Create(Outlet{Name: "pump", Pin: 25, Inverted: true}))
	outlets, err := o.List()
	require.NoError(t, err)
	id := outlets[0].ID

	require.NoError(t, o.Configure(id, true))
	d, err := dm.DigitalOutputDriver("rpi")
	require.NoError(t, err)
	pin, err := d.DigitalOutputPin(25)
	require.NoError(t, err)
	assert.False(t, pin.LastState(), "active-low: logical ON drives the pin low")

	require.NoError(t, o.Configure(id, false))
	assert.True(t, pin.LastState())
}

func TestOutletEquipmentAttachment(t *testing.T) {
	o, _ := testOutlets(t)
	require.NoError(t, o.Create(Outlet{Name: "circulator", Pin: 16}))
	outlets, _ := o.List()
	id := outlets[0].ID

	require.NoError(t, o.AttachEquipment(id, "circulator-1"))
	assert.Error(t, o.AttachEquipment(id, "other"))
	assert.Error(t, o.Delete(id))
	require.NoError(t, o.DetachEquipment(id))
	require.NoError(t, o.Delete(id))
}
