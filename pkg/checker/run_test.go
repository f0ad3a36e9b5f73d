// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package checker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sf-daq/databuffer-broker/pkg/request"
)

// writeManifest lays out <raw>/run_info/000000/run_000001.json and
// returns the manifest path and the raw directory.
func writeManifest(t *testing.T, req *request.AcquisitionRequest) (string, string) {
	t.Helper()

	rawDir := t.TempDir()
	bucket := filepath.Join(rawDir, "run_info", "000000")
	require.NoError(t, os.MkdirAll(bucket, 0o755))

	body, err := json.Marshal(req)
	require.NoError(t, err)

	manifestPath := filepath.Join(bucket, "run_000001.json")
	require.NoError(t, os.WriteFile(manifestPath, body, 0o644))
	return manifestPath, rawDir
}

func runManifest() *request.AcquisitionRequest {
	return &request.AcquisitionRequest{
		Pgroup:       "p18493",
		RunNumber:    1,
		StartPulseID: "100",
		StopPulseID:  "200",
	}
}

func TestCheckRunFailsOnMissingPromisedFiles(t *testing.T) {
	req := runManifest()
	req.ChannelsList = []string{"C1"}
	req.CameraList = []string{"CAM1:FPICTURE"}
	req.Detectors = map[string]request.DetectorConfig{"JF06T32V02": {}}

	manifestPath, rawDir := writeManifest(t, req)

	// Nothing was ever written: every promised file must fail.
	results, err := CheckRun(manifestPath)
	require.NoError(t, err)
	require.Len(t, results, 3)

	wantFiles := []string{
		filepath.Join(rawDir, "run_000001.BSREAD.h5"),
		filepath.Join(rawDir, "run_000001.CAMERAS.h5"),
		filepath.Join(rawDir, "run_000001.JF06T32V02.h5"),
	}
	for i, fr := range results {
		assert.Equal(t, wantFiles[i], fr.File)
		assert.False(t, fr.Result.Check)
		assert.Equal(t, "file does not exist", fr.Error)
	}
}

func TestCheckRunPartialRunStillFailsTheAbsentFile(t *testing.T) {
	req := runManifest()
	req.ChannelsList = []string{"C1"}
	req.CameraList = []string{"CAM1:FPICTURE"}

	manifestPath, rawDir := writeManifest(t, req)

	// The camera file exists (corrupt, so opening it fails too), the
	// BSREAD file was never produced.
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "run_000001.CAMERAS.h5"), []byte("junk"), 0o644))

	results, err := CheckRun(manifestPath)
	require.NoError(t, err)
	require.Len(t, results, 2)

	bsread, cameras := results[0], results[1]
	assert.Equal(t, filepath.Join(rawDir, "run_000001.BSREAD.h5"), bsread.File)
	assert.False(t, bsread.Result.Check)
	assert.Equal(t, "file does not exist", bsread.Error)

	assert.False(t, cameras.Result.Check)
	assert.NotEmpty(t, cameras.Error)
	assert.NotEqual(t, "file does not exist", cameras.Error)
}

func TestCheckRunSkipsEpicsAndPromisedDuplicates(t *testing.T) {
	req := runManifest()
	req.ChannelsList = []string{"C1"}

	manifestPath, rawDir := writeManifest(t, req)
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "run_000001.PVCHANNELS.h5"), []byte("junk"), 0o644))

	results, err := CheckRun(manifestPath)
	require.NoError(t, err)

	// Only the promised BSREAD file is reported; the epics snapshot is
	// never checked and the promised set is not double-counted.
	require.Len(t, results, 1)
	assert.Equal(t, filepath.Join(rawDir, "run_000001.BSREAD.h5"), results[0].File)
}

func TestCheckRunHonorsDirectoryName(t *testing.T) {
	req := runManifest()
	req.ChannelsList = []string{"C1"}
	req.DirectoryName = "scan/step1"

	manifestPath, rawDir := writeManifest(t, req)

	results, err := CheckRun(manifestPath)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, filepath.Join(rawDir, "scan", "step1", "run_000001.BSREAD.h5"), results[0].File)
}

func TestExpectedFiles(t *testing.T) {
	req := runManifest()
	assert.Empty(t, expectedFiles(req))

	req.ChannelsList = []string{"C1", "C2"}
	req.Detectors = map[string]request.DetectorConfig{"JF06T32V02": {}}

	expected := expectedFiles(req)
	require.Len(t, expected, 2)
	assert.Equal(t, []string{"C1", "C2"}, expected["BSREAD"].ExpectedChannels)
	assert.False(t, expected["BSREAD"].ScanFrames)
	assert.True(t, expected["JF06T32V02"].Detector)
	assert.True(t, expected["JF06T32V02"].ScanFrames)
}
