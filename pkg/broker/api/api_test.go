// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sf-daq/databuffer-broker/pkg/audit"
	"github.com/sf-daq/databuffer-broker/pkg/broker"
	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/roster"
)

type nullSink struct{}

func (nullSink) Send(*request.WriteRequest) error          { return nil }
func (nullSink) ForwardToEpics(*request.EpicsWriteRequest) {}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	channelsPath := filepath.Join(dir, "channels.txt")
	require.NoError(t, os.WriteFile(channelsPath, []byte("C1\nC2\n"), 0o644))

	r, err := roster.New(channelsPath, 1000, 10)
	require.NoError(t, err)

	manager := broker.NewManager(broker.Options{FacilityRoot: dir}, r, nullSink{},
		audit.NewTrail(filepath.Join(dir, "audit.log")))

	server := httptest.NewServer(NewServer(manager).Handler())
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func doJSON(t *testing.T, method, url string, payload any) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestSessionLifecycle(t *testing.T) {
	server := testServer(t)

	body := getJSON(t, server.URL+"/status")
	assert.Equal(t, "ok", body["state"])
	assert.Equal(t, "stopped", body["status"])

	parameters := map[string]any{
		"general/created":    "now",
		"general/user":       "18493",
		"general/process":    "writer",
		"general/instrument": "alvra",
		"output_file":        "/tmp/out.h5",
	}
	body = doJSON(t, http.MethodPost, server.URL+"/parameters", parameters)
	assert.Equal(t, "ok", body["state"])
	assert.Equal(t, "configured", body["status"])
	assert.Equal(t, "/tmp/out.h5", body["parameters"].(map[string]any)["output_file"])

	body = doJSON(t, http.MethodPut, server.URL+"/start_pulse_id/100", nil)
	assert.Equal(t, "receiving", body["status"])

	body = doJSON(t, http.MethodPut, server.URL+"/stop_pulse_id/200", nil)
	assert.Equal(t, "stopped", body["status"])

	body = getJSON(t, server.URL+"/statistics")
	stats := body["statistics"].(map[string]any)
	assert.Equal(t, float64(1), stats["n_processed_requests"])
}

func TestErrorsAreTrappedAsOK(t *testing.T) {
	server := testServer(t)

	// Missing mandatory parameters surface as state=error, HTTP 200.
	body := doJSON(t, http.MethodPost, server.URL+"/parameters", map[string]any{"general/user": "x"})
	assert.Equal(t, "error", body["state"])
	assert.Contains(t, body["status"], "missing mandatory parameters")

	// Starting the writer without configuring first.
	body = doJSON(t, http.MethodPut, server.URL+"/start_pulse_id/100", nil)
	assert.Equal(t, "error", body["state"])

	// Unparseable pulse ids.
	body = doJSON(t, http.MethodPut, server.URL+"/start_pulse_id/abc", nil)
	assert.Equal(t, "error", body["state"])
}

func TestStopResets(t *testing.T) {
	server := testServer(t)

	parameters := map[string]any{
		"general/created":    "now",
		"general/user":       "18493",
		"general/process":    "writer",
		"general/instrument": "alvra",
		"output_file":        "/tmp/out.h5",
	}
	doJSON(t, http.MethodPost, server.URL+"/parameters", parameters)
	doJSON(t, http.MethodPut, server.URL+"/start_pulse_id/100", nil)

	body := getJSON(t, server.URL+"/stop")
	assert.Equal(t, "stopped", body["status"])
}

func TestRetrieveFromBuffers(t *testing.T) {
	server := testServer(t)

	// The loopback caller maps to no beamline.
	body := doJSON(t, http.MethodPost, server.URL+"/retrieve_from_buffers", map[string]any{
		"pgroup":        "p18493",
		"start_pulseid": 100,
		"stop_pulseid":  200,
		"channels_list": []string{"C1"},
	})
	assert.Equal(t, "failed", body["status"])
	assert.Contains(t, body["message"], "can not determine")
}

func TestKill(t *testing.T) {
	killed := false
	exitProcess = func() { killed = true }
	defer func() { exitProcess = func() { os.Exit(0) } }()

	server := testServer(t)
	body := getJSON(t, server.URL+"/kill")
	assert.Equal(t, "ok", body["state"])
	assert.True(t, killed)
}
