// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package broker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/scaninfo"
)

// retrieveFixture creates /<root>/alvra/data/p18493/raw and a manager
// rooted there.
func retrieveFixture(t *testing.T) (*Manager, *mockSink, string) {
	t.Helper()

	root := t.TempDir()
	rawDir := filepath.Join(root, "alvra", "data", "p18493", "raw")
	require.NoError(t, os.MkdirAll(rawDir, 0o755))

	m, sink, _ := testManager(t, "C1\n", Options{
		FacilityRoot:    root,
		ProcessName:     "sf_databuffer_writer",
		DetectorCommand: "echo",
	})
	return m, sink, rawDir
}

func acquisition(start, stop string) *request.AcquisitionRequest {
	return &request.AcquisitionRequest{
		Pgroup:       "p18493",
		StartPulseID: json.Number(start),
		StopPulseID:  json.Number(stop),
	}
}

func TestRetrieveUnknownBeamline(t *testing.T) {
	m, _, _ := retrieveFixture(t)

	req := acquisition("100", "200")
	req.ChannelsList = []string{"C1"}

	result := m.Retrieve(req, "10.0.0.1", "")
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Message, "can not determine")
}

func TestRetrieveValidation(t *testing.T) {
	m, _, _ := retrieveFixture(t)

	for name, mutate := range map[string]func(*request.AcquisitionRequest){
		"bad pgroup":       func(r *request.AcquisitionRequest) { r.Pgroup = "x123" },
		"short pgroup":     func(r *request.AcquisitionRequest) { r.Pgroup = "p123" },
		"missing pids":     func(r *request.AcquisitionRequest) { r.StartPulseID = "" },
		"non-integer pid":  func(r *request.AcquisitionRequest) { r.StopPulseID = "abc" },
		"inverted range":   func(r *request.AcquisitionRequest) { r.StartPulseID = "300" },
		"disallowed rate":  func(r *request.AcquisitionRequest) { r.RateMultiplicator = "3" },
		"fractional rate":  func(r *request.AcquisitionRequest) { r.RateMultiplicator = "1.5" },
		"escape directory": func(r *request.AcquisitionRequest) { r.DirectoryName = "../../../etc" },
	} {
		t.Run(name, func(t *testing.T) {
			req := acquisition("100", "200")
			req.ChannelsList = []string{"C1"}
			mutate(req)

			result := m.Retrieve(req, "129.129.242.5", "")
			assert.Equal(t, "failed", result.Status, "message: %s", result.Message)
		})
	}
}

func TestRetrievePassWithoutSelectors(t *testing.T) {
	m, sink, _ := retrieveFixture(t)

	result := m.Retrieve(acquisition("100", "200"), "129.129.242.5", "")
	assert.Equal(t, "pass", result.Status)
	assert.Empty(t, sink.sent)
}

func TestRetrieveFanOut(t *testing.T) {
	m, sink, rawDir := retrieveFixture(t)

	req := acquisition("100", "200")
	req.ChannelsList = []string{"C3", "C1", "C1", "C2"}
	req.CameraList = []string{"CAM1:FPICTURE"}
	req.Detectors = map[string]request.DetectorConfig{
		"JF06T32V02": {Compression: true},
	}

	result := m.Retrieve(req, "129.129.242.5", "")
	require.Equal(t, "ok", result.Status, "message: %s", result.Message)
	assert.Equal(t, "1", result.Message)

	// Two queue emissions in fixed order: BSREAD before CAMERAS.
	require.Len(t, sink.sent, 2)
	bsread, cameras := sink.sent[0], sink.sent[1]

	assert.Equal(t, filepath.Join(rawDir, "run_000001.BSREAD.h5"), bsread.OutputFile())
	assert.Equal(t, filepath.Join(rawDir, "run_000001.CAMERAS.h5"), cameras.OutputFile())

	// channels_list is deduplicated and sorted.
	names := []string{}
	for _, c := range bsread.DataAPIRequest.Channels {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"C1", "C2", "C3"}, names)

	assert.Equal(t, "18493", bsread.Parameters["general/user"])
	assert.Equal(t, "alvra", bsread.Parameters["general/instrument"])

	// Fractional Unix seconds from the frozen clock.
	assert.Equal(t, 1709294400.0, bsread.Timestamp)
	assert.Equal(t, 1709294400.0, cameras.Timestamp)

	// No PV list, so no epics PUT.
	assert.Empty(t, sink.epics)

	// The manifest is written under the thousand bucket.
	manifest := filepath.Join(rawDir, "run_info", "000000", "run_000001.json")
	content, err := os.ReadFile(manifest)
	require.NoError(t, err)

	var stored request.AcquisitionRequest
	require.NoError(t, json.Unmarshal(content, &stored))
	assert.Equal(t, "alvra", stored.Beamline)
	assert.Equal(t, int64(1), stored.RunNumber)
	assert.NotEmpty(t, stored.RequestTime)

	// The detector subprocess logged its arguments.
	logPath := filepath.Join(rawDir, "run_info", "000000", "run_000001.JF06T32V02.log")
	require.Eventually(t, func() bool {
		content, err := os.ReadFile(logPath)
		return err == nil && len(content) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetrieveWidensAlignedRange(t *testing.T) {
	m, sink, _ := retrieveFixture(t)

	req := acquisition("100", "200")
	req.RateMultiplicator = "2"
	req.ChannelsList = []string{"C1"}

	result := m.Retrieve(req, "129.129.242.5", "")
	require.Equal(t, "ok", result.Status)

	require.Len(t, sink.sent, 1)
	rng := sink.sent[0].DataAPIRequest.Range
	assert.Equal(t, int64(99), *rng.StartPulseID)
	assert.Equal(t, int64(201), *rng.EndPulseID)
}

func TestRetrievePVForwarding(t *testing.T) {
	m, sink, rawDir := retrieveFixture(t)

	req := acquisition("100", "200")
	req.PVList = []string{"SARES11:PV1", "SARES11:PV2"}

	result := m.Retrieve(req, "129.129.242.5", "")
	require.Equal(t, "ok", result.Status)

	assert.Empty(t, sink.sent)
	require.Len(t, sink.epics, 1)
	ewr := sink.epics[0]
	assert.Equal(t, req.PVList, ewr.Channels)
	assert.Equal(t, filepath.Join(rawDir, "run_000001.PVCHANNELS.h5"), ewr.Parameters["output_file"])
}

func TestRetrieveClosedPgroup(t *testing.T) {
	m, _, rawDir := retrieveFixture(t)

	runInfo := filepath.Join(rawDir, "run_info")
	require.NoError(t, os.MkdirAll(runInfo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runInfo, "CLOSED"), nil, 0o644))

	req := acquisition("100", "200")
	req.ChannelsList = []string{"C1"}

	result := m.Retrieve(req, "129.129.242.5", "")
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Message, "closed")
}

func TestRetrieveClosedPgroupWithoutSelectors(t *testing.T) {
	m, sink, rawDir := retrieveFixture(t)

	runInfo := filepath.Join(rawDir, "run_info")
	require.NoError(t, os.MkdirAll(runInfo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runInfo, "CLOSED"), nil, 0o644))

	// A request selecting no data still fails on a closed pgroup
	// instead of passing through.
	result := m.Retrieve(acquisition("100", "200"), "129.129.242.5", "")
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Message, "closed")
	assert.Empty(t, sink.sent)
}

func TestRetrieveBeamlineForce(t *testing.T) {
	m, _, _ := retrieveFixture(t)

	req := acquisition("100", "200")
	req.ChannelsList = []string{"C1"}

	// The forced beamline wins over the (unknown) caller address.
	result := m.Retrieve(req, "10.0.0.1", "alvra")
	assert.Equal(t, "ok", result.Status, "message: %s", result.Message)
}

func TestRetrieveScanInfo(t *testing.T) {
	m, _, rawDir := retrieveFixture(t)

	req := acquisition("100", "200")
	req.ChannelsList = []string{"C1"}
	req.DirectoryName = "scan/step1"
	req.ScanInfo = &request.ScanStep{
		ScanName:   "energy_scan",
		ScanValues: []any{7100.0},
	}

	result := m.Retrieve(req, "129.129.242.5", "")
	require.Equal(t, "ok", result.Status, "message: %s", result.Message)

	content, err := os.ReadFile(filepath.Join(rawDir, "scan_info", "energy_scan.json"))
	require.NoError(t, err)

	var manifest scaninfo.Manifest
	require.NoError(t, json.Unmarshal(content, &manifest))
	require.Len(t, manifest.PulseIDs, 1)
	assert.Equal(t, [2]int64{100, 200}, manifest.PulseIDs[0])
	require.Len(t, manifest.ScanFiles, 1)
	assert.Equal(t, []string{filepath.Join(rawDir, "scan", "step1", "run_000001.BSREAD.h5")}, manifest.ScanFiles[0])
}
