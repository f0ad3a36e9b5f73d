// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package detector spawns the external retrieval command for large
// pixel detectors. The broker never waits for completion: the process
// is started, its output tees into a per-run log file, and a detached
// goroutine reaps it.
package detector

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// Job describes one detector retrieval.
type Job struct {
	Detector     string
	StartPulseID int64
	StopPulseID  int64
	OutputFile   string
	Rate         int64
	ExportFlag   int
	ManifestPath string
	RawFileName  string
	LogPath      string
}

// Spawn starts the retrieval command for the job and returns without
// waiting. Spawn errors are reported to the caller, which logs and
// proceeds; the acquisition does not depend on the detector process.
func Spawn(command string, job Job) error {
	logFile, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open detector log %s: %w", job.LogPath, err)
	}

	cmd := exec.Command(command,
		job.Detector,
		strconv.FormatInt(job.StartPulseID, 10),
		strconv.FormatInt(job.StopPulseID, 10),
		job.OutputFile,
		strconv.FormatInt(job.Rate, 10),
		strconv.Itoa(job.ExportFlag),
		job.ManifestPath,
		job.RawFileName,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("cannot start %s for detector %s: %w", command, job.Detector, err)
	}

	log.Infof("Started retrieval of detector %s (pid %d), pulse ids %d..%d, log %s.",
		job.Detector, cmd.Process.Pid, job.StartPulseID, job.StopPulseID, job.LogPath)

	go func() {
		defer logFile.Close()
		if err := cmd.Wait(); err != nil {
			log.Errorf("Detector %s retrieval exited with error: %s", job.Detector, err)
			return
		}
		log.Infof("Detector %s retrieval finished.", job.Detector)
	}()

	return nil
}
