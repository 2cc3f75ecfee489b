package adminapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urs485d/internal/core"
	"urs485d/internal/reactor"
)

func newTestServer(t *testing.T, boxes []*core.Box) *httptest.Server {
	t.Helper()
	loop := reactor.New()
	go loop.Run()
	t.Cleanup(loop.Stop)
	s := NewServer("127.0.0.1:0", boxes, loop)
	return httptest.NewServer(s.http.Handler)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, out))
	return resp.StatusCode
}

func TestHealthzReportsSwitchCount(t *testing.T) {
	boxes := []*core.Box{core.NewBox("rack-a", "ABC123", 10000)}
	srv := newTestServer(t, boxes)
	defer srv.Close()

	var out map[string]any
	status := getJSON(t, srv.URL+"/healthz", &out)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, float64(1), out["switches"])
}

func TestListSwitchesReportsUSBAttachment(t *testing.T) {
	box := core.NewBox("rack-a", "ABC123", 10000)
	srv := newTestServer(t, []*core.Box{box})
	defer srv.Close()

	var out struct {
		Switches []map[string]any `json:"switches"`
	}
	getJSON(t, srv.URL+"/switches", &out)
	require.Len(t, out.Switches, 1)
	assert.Equal(t, "rack-a", out.Switches[0]["name"])
	assert.Equal(t, false, out.Switches[0]["usb_attached"])
}

func TestSwitchNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/switches/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPortEndpointRejectsOutOfRangeIndex(t *testing.T) {
	box := core.NewBox("rack-a", "ABC123", 10000)
	srv := newTestServer(t, []*core.Box{box})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/switches/rack-a/ports/9")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlersReturn503WhenReactorIsDown(t *testing.T) {
	loop := reactor.New()
	loop.Stop()
	s := NewServer("127.0.0.1:0", []*core.Box{core.NewBox("rack-a", "ABC123", 10000)}, loop)
	srv := httptest.NewServer(s.http.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/switches")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPortEndpointReturnsConfiguredPort(t *testing.T) {
	box := core.NewBox("rack-a", "ABC123", 10000)
	box.Ports[3].BaudRate = 57600
	srv := newTestServer(t, []*core.Box{box})
	defer srv.Close()

	var out map[string]any
	status := getJSON(t, srv.URL+"/switches/rack-a/ports/3", &out)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(57600), out["baud_rate"])
}
