// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package detector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnTeesOutputToLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "run_000001.JF06T32V02.log")

	job := Job{
		Detector:     "JF06T32V02",
		StartPulseID: 100,
		StopPulseID:  200,
		OutputFile:   filepath.Join(dir, "run_000001.JF06T32V02.h5"),
		Rate:         1,
		ExportFlag:   1,
		ManifestPath: filepath.Join(dir, "run_000001.json"),
		RawFileName:  filepath.Join(dir, "RAW_DATA", "run_000001.JF06T32V02.h5"),
		LogPath:      logPath,
	}

	// echo prints its arguments, so the log captures the exact argv.
	require.NoError(t, Spawn("echo", job))

	require.Eventually(t, func() bool {
		content, err := os.ReadFile(logPath)
		return err == nil && len(content) > 0
	}, 2*time.Second, 10*time.Millisecond)

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)

	fields := strings.Fields(string(content))
	assert.Equal(t, []string{
		"JF06T32V02", "100", "200", job.OutputFile, "1", "1", job.ManifestPath, job.RawFileName,
	}, fields)
}

func TestSpawnMissingCommand(t *testing.T) {
	dir := t.TempDir()
	job := Job{Detector: "JF01T03V01", LogPath: filepath.Join(dir, "det.log")}

	err := Spawn(filepath.Join(dir, "no-such-command"), job)
	assert.Error(t, err)
}
