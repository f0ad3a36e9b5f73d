// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package checker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sf-daq/databuffer-broker/pkg/request"
)

// FileResult pairs one run output file with its verdict.
type FileResult struct {
	File   string `json:"file"`
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

// epics snapshot files have no pulse alignment to verify.
const epicsTag = "PVCHANNELS"

// expectedFiles derives which output files the manifest's selectors
// promise, keyed by the file tag, with the rules to apply to each.
func expectedFiles(req *request.AcquisitionRequest) map[string]FileOptions {
	expected := map[string]FileOptions{}
	if len(req.ChannelsList) > 0 {
		expected["BSREAD"] = FileOptions{ExpectedChannels: req.ChannelsList}
	}
	if len(req.CameraList) > 0 {
		expected["CAMERAS"] = FileOptions{ExpectedChannels: req.CameraList, ScanFrames: true}
	}
	for det := range req.Detectors {
		expected[det] = FileOptions{Detector: true, ScanFrames: true}
	}
	return expected
}

// CheckRun verifies every output file of a run against its manifest.
// The manifest location fixes the raw directory; the manifest content
// fixes the pulse window, the rate and which files the run must have
// produced. A promised file that does not exist is a failure, not a
// silent gap.
func CheckRun(manifestPath string) ([]FileResult, error) {
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var req request.AcquisitionRequest
	if err := json.Unmarshal(content, &req); err != nil {
		return nil, fmt.Errorf("corrupt manifest %s: %w", manifestPath, err)
	}

	startPulseID, err := req.StartPulseID.Int64()
	if err != nil {
		return nil, fmt.Errorf("manifest start_pulseid: %w", err)
	}
	stopPulseID, err := req.StopPulseID.Int64()
	if err != nil {
		return nil, fmt.Errorf("manifest stop_pulseid: %w", err)
	}
	rate, err := req.Rate()
	if err != nil {
		return nil, err
	}

	// <raw>/run_info/<bucket>/run_NNNNNN.json
	rawDir := filepath.Dir(filepath.Dir(filepath.Dir(manifestPath)))
	dataDir := filepath.Join(rawDir, filepath.FromSlash(req.DirectoryName))
	prefix := fmt.Sprintf("run_%06d.", req.RunNumber)

	expected := expectedFiles(&req)
	tags := make([]string, 0, len(expected))
	for tag := range expected {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var results []FileResult
	for _, tag := range tags {
		file := filepath.Join(dataDir, prefix+tag+".h5")
		if _, err := os.Stat(file); err != nil {
			results = append(results, FileResult{
				File:   file,
				Result: Result{Check: false},
				Error:  "file does not exist",
			})
			continue
		}
		results = append(results, checkOne(file, startPulseID, stopPulseID, rate, expected[tag]))
	}

	// Leftover run files the manifest did not promise still get the
	// plain coverage rules.
	files, err := filepath.Glob(filepath.Join(dataDir, prefix+"*.h5"))
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		tag := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), prefix), ".h5")
		if tag == epicsTag {
			continue
		}
		if _, promised := expected[tag]; promised {
			continue
		}
		results = append(results, checkOne(file, startPulseID, stopPulseID, rate, FileOptions{}))
	}
	return results, nil
}

func checkOne(file string, startPulseID, stopPulseID, rate int64, opts FileOptions) FileResult {
	result, err := Check(file, startPulseID, stopPulseID, rate, opts)
	fr := FileResult{File: file, Result: result}
	if err != nil {
		fr.Result = Result{Check: false}
		fr.Error = err.Error()
	}
	return fr
}
