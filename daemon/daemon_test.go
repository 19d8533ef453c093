package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testSettings(t *testing.T) Settings {
	t.Helper()
	s := DefaultSettings()
	s.Address = "localhost:0"
	s.DataDir = t.TempDir()
	s.DevMode = true
	return s
}

func testDaemon(t *testing.T, s Settings) *Skyfarm {
	t.Helper()
	sky, err := New(s)
	require.NoError(t, err)
	t.Cleanup(func() {
		sky.store.Close()
	})
	for _, name := range sky.order {
		require.NoError(t, sky.subsystems[name].Setup(), name)
	}
	return sky
}

func TestLoadSettings(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", s.Address)

	path := filepath.Join(t.TempDir(), "config.yml")
	body := "address: \":9090\"\ndev_mode: true\nmqtt:\n  enable: false\n  topic_prefix: farm/room1\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	s, err = LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", s.Address)
	assert.True(t, s.DevMode)
	assert.Equal(t, "farm/room1", s.MQTT.TopicPrefix)
}

func TestSubsystemRegistration(t *testing.T) {
	sky := testDaemon(t, testSettings(t))
	for _, name := range []string{"equipment", "ecph", "climate", "doser", "photoperiod", "irrigation", "camera", "archive"} {
		sub, err := sky.Subsystem(name)
		require.NoError(t, err, name)
		assert.NotNil(t, sub, name)
	}
	_, err := sky.Subsystem("bogus")
	assert.Error(t, err)
}

func TestHealthAndErrorsEndpoints(t *testing.T) {
	sky := testDaemon(t, testSettings(t))
	srv := httptest.NewServer(sky.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "skyfarm-pi", health["name"])

	resp2, err := http.Get(srv.URL + "/api/errors")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	sky := testDaemon(t, testSettings(t))
	srv := httptest.NewServer(sky.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthProtectsAPI(t *testing.T) {
	s := testSettings(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("grow"), bcrypt.MinCost)
	require.NoError(t, err)
	s.Auth = AuthConfig{
		Enable:       true,
		Username:     "farmer",
		PasswordHash: string(hash),
		CookieSecret: "0123456789abcdef",
	}
	sky := testDaemon(t, s)
	srv := httptest.NewServer(sky.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad, err := http.Post(srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"username":"farmer","password":"wrong"}`))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)

	login, err := http.Post(srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"username":"farmer","password":"grow"}`))
	require.NoError(t, err)
	login.Body.Close()
	require.Equal(t, http.StatusOK, login.StatusCode)
	cookies := login.Cookies()
	require.NotEmpty(t, cookies)

	req, err := http.NewRequest("GET", srv.URL+"/api/health", nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestSubsystemAPIsMounted(t *testing.T) {
	sky := testDaemon(t, testSettings(t))
	srv := httptest.NewServer(sky.router())
	defer srv.Close()

	for _, path := range []string{
		"/api/outlets",
		"/api/equipment",
		"/api/ecph/config",
		"/api/climate/config",
		"/api/doser/config",
		"/api/photoperiod/windows",
		"/api/irrigation/config",
		"/api/camera/config",
		"/api/archive/config",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
