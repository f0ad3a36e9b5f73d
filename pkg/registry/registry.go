// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package registry owns the per-pgroup monotonic run-number counter
// and the on-disk run manifests. LAST_RUN is the only mutable resource
// shared across broker processes; its read-modify-write runs under an
// advisory file lock so hosts mounting the same beamline filesystem
// allocate distinct numbers.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

const (
	runInfoDir   = "run_info"
	lastRunFile  = "LAST_RUN"
	closedFile   = "CLOSED"
	lockFile     = ".LAST_RUN.lock"
	manifestPerm = 0o644
)

// ErrClosed is returned when the pgroup carries the CLOSED sentinel.
var ErrClosed = errors.New("pgroup is closed for data acquisition")

// ErrUnavailable is returned when the registry directories cannot be
// reached or created.
var ErrUnavailable = errors.New("run registry is unavailable")

// Registry manages run numbers inside one pgroup raw directory.
type Registry struct {
	rawDir string
}

// New returns a registry rooted at the pgroup raw directory
// (/sf/<beamline>/data/<pgroup>/raw). The directory itself must exist;
// run_info/ is created on demand.
func New(rawDir string) *Registry {
	return &Registry{rawDir: rawDir}
}

// RunInfoDir returns the run_info directory of this pgroup.
func (r *Registry) RunInfoDir() string {
	return filepath.Join(r.rawDir, runInfoDir)
}

// BucketDir returns the thousand-wide manifest bucket for run.
func (r *Registry) BucketDir(run int64) string {
	return filepath.Join(r.RunInfoDir(), fmt.Sprintf("%06d", run/1000*1000))
}

// ManifestPath returns the manifest location for run.
func (r *Registry) ManifestPath(run int64) string {
	return filepath.Join(r.BucketDir(run), fmt.Sprintf("run_%06d.json", run))
}

// LogPath returns the detector retrieval log location for run.
func (r *Registry) LogPath(run int64, detector string) string {
	return filepath.Join(r.BucketDir(run), fmt.Sprintf("run_%06d.%s.log", run, detector))
}

func (r *Registry) ensureRunInfo() error {
	if _, err := os.Stat(r.rawDir); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err := os.MkdirAll(r.RunInfoDir(), 0o755); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// Closed reports whether the pgroup carries the CLOSED sentinel and no
// further acquisitions may run.
func (r *Registry) Closed() bool {
	_, err := os.Stat(filepath.Join(r.RunInfoDir(), closedFile))
	return err == nil
}

// Allocate reserves the next run number for this pgroup. A crash
// between the LAST_RUN write and the manifest write may leave a gap in
// the sequence, never a duplicate.
func (r *Registry) Allocate() (int64, error) {
	if err := r.ensureRunInfo(); err != nil {
		return 0, err
	}
	if r.Closed() {
		return 0, ErrClosed
	}

	// The lock file is never renamed over, so every locker sees the
	// same inode.
	lock := flock.New(filepath.Join(r.RunInfoDir(), lockFile))
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("%w: cannot lock %s: %s", ErrUnavailable, lastRunFile, err)
	}
	defer lock.Unlock() //nolint:errcheck

	last, err := r.readLastRun()
	if err != nil {
		return 0, err
	}

	run := last + 1
	if err := r.writeLastRun(run); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(r.BucketDir(run), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	return run, nil
}

// Current reads LAST_RUN without mutation. A missing counter reads as
// zero.
func (r *Registry) Current() (int64, error) {
	if err := r.ensureRunInfo(); err != nil {
		return 0, err
	}
	return r.readLastRun()
}

func (r *Registry) readLastRun() (int64, error) {
	content, err := os.ReadFile(filepath.Join(r.RunInfoDir(), lastRunFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	last, err := strconv.ParseInt(strings.TrimSpace(string(content)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt %s: %s", ErrUnavailable, lastRunFile, err)
	}
	return last, nil
}

func (r *Registry) writeLastRun(run int64) error {
	path := filepath.Join(r.RunInfoDir(), lastRunFile)
	if err := atomicWrite(path, []byte(strconv.FormatInt(run, 10)+"\n")); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// WriteManifest persists the enriched acquisition request for run.
// Manifests are written once and never mutated.
func (r *Registry) WriteManifest(run int64, req any) error {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.BucketDir(run), 0o755); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return atomicWrite(r.ManifestPath(run), append(body, '\n'))
}

// atomicWrite replaces path via a temp file and rename so readers
// never observe a partial write.
func atomicWrite(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(manifestPerm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
