// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package scaninfo maintains the per-scan manifest under
// <raw>/scan_info/<scan_name>.json. A scan is a sequence of
// acquisitions (steps); each retrieve call appends one step. Appends
// on the same scan are serialized through a per-scan advisory lock, so
// concurrent retrieve calls cannot lose steps.
package scaninfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/sf-daq/databuffer-broker/pkg/request"
)

// Manifest is the on-disk scan document. All lists are step-indexed.
type Manifest struct {
	ScanParameters   map[string]any `json:"scan_parameters"`
	ScanFiles        [][]string     `json:"scan_files"`
	ScanReadbacks    [][]any        `json:"scan_readbacks"`
	ScanValues       [][]any        `json:"scan_values"`
	ScanStepInfo     []any          `json:"scan_step_info"`
	ScanReadbacksRaw [][]any        `json:"scan_readbacks_raw"`
	PulseIDs         [][2]int64     `json:"pulseIds"`
}

// AppendStep merges one acquisition step into the scan manifest,
// creating it on the first step. files is the list of output files the
// step produced.
func AppendStep(scanDir string, step *request.ScanStep, files []string, startPulseID, stopPulseID int64) error {
	if step == nil || step.ScanName == "" {
		return fmt.Errorf("scan_info without scan_name")
	}

	if err := os.MkdirAll(scanDir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(scanDir, step.ScanName+".json")

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("cannot lock scan manifest %s: %w", path, err)
	}
	defer lock.Unlock() //nolint:errcheck

	manifest, err := read(path)
	if err != nil {
		return err
	}

	if manifest.ScanParameters == nil {
		manifest.ScanParameters = step.ScanParameters
	}
	manifest.ScanFiles = append(manifest.ScanFiles, files)
	manifest.ScanReadbacks = append(manifest.ScanReadbacks, step.ScanReadbacks)
	manifest.ScanValues = append(manifest.ScanValues, step.ScanValues)
	manifest.ScanStepInfo = append(manifest.ScanStepInfo, step.ScanStepInfo)
	manifest.ScanReadbacksRaw = append(manifest.ScanReadbacksRaw, step.ScanReadbacksRaw)
	manifest.PulseIDs = append(manifest.PulseIDs, [2]int64{startPulseID, stopPulseID})

	return write(path, manifest)
}

func read(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("corrupt scan manifest %s: %w", path, err)
	}
	return &manifest, nil
}

func write(path string, manifest *Manifest) error {
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
