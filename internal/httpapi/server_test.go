package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/config"
	"github.com/Zereker/communicator/observer"
	"github.com/Zereker/communicator/observer/journal"
	"github.com/Zereker/communicator/protocol/robot"
	"github.com/Zereker/communicator/transport/dummy"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEvents struct {
	got  journal.Query
	err  error
	list []observer.Event
}

func (f *fakeEvents) Recent(_ context.Context, q journal.Query) ([]observer.Event, error) {
	f.got = q
	return f.list, f.err
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type fixture struct {
	registry *communicator.Registry
	prom     *prometheus.Registry
	events   *fakeEvents
	server   *httptest.Server
}

func newFixture(t *testing.T, checks map[string]HealthChecker) *fixture {
	t.Helper()

	types := communicator.NewTypeTree()
	require.NoError(t, robot.RegisterTypes(types))

	manager := dummy.NewManager(quietLogger())
	manager.Register(dummy.NewScriptedDevice("sim-1", "Sim One", [][]byte{{0x9D, 0x01, 0x05}}))

	prom := prometheus.NewRegistry()
	reg := communicator.NewRegistry(
		communicator.TypeTreeOption(types),
		communicator.LoggerOption(quietLogger()),
		communicator.MetricsOption(prom),
		communicator.TransportFactoryOption(communicator.Dummy, dummy.Factory(manager)),
	)
	t.Cleanup(reg.Close)

	events := &fakeEvents{}
	s, err := New(Deps{
		Logger:   quietLogger(),
		Registry: reg,
		Gatherer: prom,
		Events:   events,
		Checks:   checks,
		Version:  "test",
		Feed: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{registry: reg, prom: prom, events: events, server: srv}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) connectSim(t *testing.T) *communicator.Connection {
	t.Helper()
	conn, err := f.registry.Connect(communicator.Dummy, "sim-1", robot.NewController())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, ok := conn.Device().(*robot.Robot)
		return ok && r.State().LastButton == 5
	}, 5*time.Second, 5*time.Millisecond)
	return conn
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Logger: quietLogger()})
	assert.Error(t, err)
}

func TestDevices(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connectSim(t)

	var body struct {
		Devices []DeviceView `json:"devices"`
		Count   int          `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/devices", &body))
	require.Equal(t, 1, body.Count)
	d := body.Devices[0]
	assert.Equal(t, "robot", d.DeviceType)
	assert.Equal(t, "Sim One", d.Name)
	assert.Equal(t, conn.ID(), d.ConnectionID)
	assert.Equal(t, "dummy", d.ConnectionType)
	state, ok := d.State.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 5, state["last_button"])

	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/devices?type=robot", &body))
	assert.Equal(t, 1, body.Count)
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/devices?type=camera", &body))
	assert.Equal(t, 0, body.Count)
	assert.NotNil(t, body.Devices)
}

func TestConnections(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connectSim(t)

	var list struct {
		Connections []ConnectionView `json:"connections"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/connections", &list))
	require.Len(t, list.Connections, 1)
	assert.Equal(t, conn.ID(), list.Connections[0].ID)
	assert.Equal(t, communicator.Connected.String(), list.Connections[0].Status)
	assert.Equal(t, "robot", list.Connections[0].DeviceType)

	var one ConnectionView
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/connections/"+conn.ID(), &one))
	assert.Equal(t, "sim-1", one.Identifier)

	var apiErr Error
	require.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/connections/missing", &apiErr))
	assert.Equal(t, codeNotFound, apiErr.Code)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connectSim(t)

	resp, err := http.Post(f.server.URL+"/api/v1/connections/"+conn.ID()+"/disconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		return !f.registry.IsConnected(communicator.Dummy, "sim-1")
	}, 5*time.Second, 5*time.Millisecond)

	resp, err = http.Post(f.server.URL+"/api/v1/connections/nope/disconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.events.list = []observer.Event{{ID: "e1", Kind: communicator.EventConnected}}

	var body struct {
		Events []observer.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/events?identifier=sim-1&event=connected&limit=5", &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, journal.Query{Identifier: "sim-1", Kind: "connected", Limit: 5}, f.events.got)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/events?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/events?limit=abc", nil))

	f.events.err = errors.New("disk on fire")
	assert.Equal(t, http.StatusInternalServerError, f.get(t, "/api/v1/events", nil))
}

func TestEvents_Disabled(t *testing.T) {
	s, err := New(Deps{Logger: quietLogger(), Registry: communicator.NewRegistry(communicator.LoggerOption(quietLogger()))})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no gatherer, no metrics route")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, map[string]HealthChecker{
		"journal": checkFunc(func(context.Context) error { return nil }),
	})
	var body map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	f = newFixture(t, map[string]HealthChecker{
		"mqtt": checkFunc(func(context.Context) error { return errors.New("not connected") }),
	})
	body = nil
	require.Equal(t, http.StatusServiceUnavailable, f.get(t, "/healthz", &body))
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "not connected", checks["mqtt"])
}

func TestMetricsAndFeed(t *testing.T) {
	f := newFixture(t, nil)
	f.connectSim(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(data), "communicator_registry_connections"))

	resp, err = http.Get(f.server.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, nil)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc", resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}

func TestStartClose(t *testing.T) {
	s, err := New(Deps{
		Config:   config.HTTPConfig{Listen: "127.0.0.1:0", ReadTimeout: 5, WriteTimeout: 5},
		Logger:   quietLogger(),
		Registry: communicator.NewRegistry(communicator.LoggerOption(quietLogger())),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Close())

	bad, err := New(Deps{
		Config:   config.HTTPConfig{Listen: "256.0.0.1:1"},
		Logger:   quietLogger(),
		Registry: communicator.NewRegistry(communicator.LoggerOption(quietLogger())),
	})
	require.NoError(t, err)
	assert.Error(t, bad.Start())
	assert.NoError(t, bad.Close())
}
