package camera

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/storage"
)

func testCamera(t *testing.T) *Controller {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tc := controller.NewTestController(store, t.TempDir())
	m, err := New(tc)
	require.NoError(t, err)
	require.NoError(t, m.Setup())

	// Small frames keep encode/resize fast.
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.Width = 64
	cfg.Height = 48
	cfg.ThumbWidth = 16
	require.NoError(t, m.setConfig(cfg))
	return m
}

func TestShootWritesImageAndThumbnail(t *testing.T) {
	m := testCamera(t)

	img, err := m.Shoot()
	require.NoError(t, err)
	assert.FileExists(t, img.Path)
	assert.FileExists(t, img.Thumb)

	f, err := os.Open(img.Thumb)
	require.NoError(t, err)
	defer f.Close()
	decoded, _, err := image.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
}

func TestLatest(t *testing.T) {
	m := testCamera(t)

	_, err := m.Latest()
	assert.Error(t, err)

	first, err := m.Shoot()
	require.NoError(t, err)

	latest, err := m.Latest()
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
}

func TestRetention(t *testing.T) {
	m := testCamera(t)
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	cfg.KeepCount = 2
	require.NoError(t, m.setConfig(cfg))

	var last Image
	for i := 0; i < 4; i++ {
		last, err = m.Shoot()
		require.NoError(t, err)
	}

	images, err := m.List()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(images), 2)
	assert.FileExists(t, last.Path)
}

func TestOnTogglesEnable(t *testing.T) {
	m := testCamera(t)
	require.NoError(t, m.On("default", true))
	cfg, err := m.GetConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Enable)
	m.Stop()

	require.NoError(t, m.On("default", false))
	cfg, err = m.GetConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enable)
}

func TestGenerateFrameDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, generateFrame(Config{}, path))
	assert.FileExists(t, path)
}
