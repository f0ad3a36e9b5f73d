// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package roster loads and validates the channel list the broker
// acquires in interactive sessions. The list is a text file with one
// channel per line; '#' comments and blank lines are ignored.
package roster

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sf-daq/databuffer-broker/pkg/config"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// ChannelLimitError is returned when the channel list exceeds the
// configured limits.
type ChannelLimitError struct {
	Kind  string
	Count int
	Limit int
}

func (e *ChannelLimitError) Error() string {
	return fmt.Sprintf("%s channel limit exceeded: %d channels, limit is %d", e.Kind, e.Count, e.Limit)
}

// Roster is the channel list together with the source file metadata
// used for on-demand refresh.
type Roster struct {
	path         string
	limit        int
	pictureLimit int

	mu       sync.RWMutex
	channels []string
	mtime    time.Time
}

// New creates a roster for path and loads it once. Limit violations
// fail loudly here, at configuration load.
func New(path string, limit, pictureLimit int) (*Roster, error) {
	r := &Roster{path: path, limit: limit, pictureLimit: pictureLimit}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Channels returns the current channel list.
func (r *Roster) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.channels))
	copy(out, r.channels)
	return out
}

// Refresh re-reads the file when its mtime changed since the last
// load. It reports whether a reload happened.
func (r *Roster) Refresh() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, err
	}

	r.mu.RLock()
	unchanged := info.ModTime().Equal(r.mtime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	log.Infof("Channels file %s changed, reloading.", r.path)
	if err := r.load(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Roster) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var channels []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !seen[line] {
			seen[line] = true
			channels = append(channels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	sort.Strings(channels)

	if err := Verify(channels, r.limit, r.pictureLimit); err != nil {
		return err
	}

	r.mu.Lock()
	r.channels = channels
	r.mtime = info.ModTime()
	r.mu.Unlock()

	log.Infof("Loaded %d channels from %s.", len(channels), r.path)
	return nil
}

// Verify enforces the total and picture-channel limits.
func Verify(channels []string, limit, pictureLimit int) error {
	if len(channels) > limit {
		return &ChannelLimitError{Kind: "total", Count: len(channels), Limit: limit}
	}

	pictures := 0
	for _, c := range channels {
		if strings.HasSuffix(c, config.ImageChannelSuffix) {
			pictures++
		}
	}
	if pictures > pictureLimit {
		return &ChannelLimitError{Kind: "picture", Count: pictures, Limit: pictureLimit}
	}
	return nil
}

// Split partitions a channel list into the data-backend and
// image-backend subsets, preserving order.
func Split(channels []string) (data, images []string) {
	for _, c := range channels {
		if strings.HasSuffix(c, config.ImageChannelSuffix) {
			images = append(images, c)
		} else {
			data = append(data, c)
		}
	}
	return data, images
}
