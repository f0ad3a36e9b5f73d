// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package broker implements the acquisition coordination of sf-daq.
// Two entry styles are served by the same manager: the imperative
// configure/start/stop cycle of an interactive beamline session, and
// the one-shot retrieve call of an authenticated console.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sf-daq/databuffer-broker/pkg/align"
	"github.com/sf-daq/databuffer-broker/pkg/audit"
	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/roster"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// RequestSink is the outbound side the manager emits through. It is
// satisfied by sender.RequestSender.
type RequestSink interface {
	Send(*request.WriteRequest) error
	ForwardToEpics(*request.EpicsWriteRequest)
}

const requestTimeFormat = "2006-01-02 15:04:05.000000"

// RequiredParameters must all be present in set_parameters.
var RequiredParameters = []string{
	"general/created",
	"general/user",
	"general/process",
	"general/instrument",
	"output_file",
}

// MissingParameterError reports an incomplete parameter map.
type MissingParameterError struct {
	Missing []string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing mandatory parameters %v; mandatory parameters are %v", e.Missing, RequiredParameters)
}

// Options configure a Manager.
type Options struct {
	FacilityRoot    string
	ProcessName     string
	SplitImages     bool
	GroupImages     bool
	DetectorCommand string
	RetrievalURL    string
}

// Manager orchestrates the acquisition lifecycle.
type Manager struct {
	opts   Options
	roster *roster.Roster
	sender RequestSink
	trail  *audit.Trail
	clock  clock.Clock

	mu                  sync.Mutex
	currentParameters   map[string]any
	currentStartPulseID *int64
	lastStopPulseID     *int64

	stats statistics
}

type statistics struct {
	nProcessedRequests       int64
	processStartupTime       string
	lastSentWriteRequest     *request.WriteRequest
	lastSentWriteRequestTime string
}

// NewManager wires a manager with its collaborators.
func NewManager(opts Options, r *roster.Roster, s RequestSink, trail *audit.Trail) *Manager {
	return newManager(opts, r, s, trail, clock.New())
}

func newManager(opts Options, r *roster.Roster, s RequestSink, trail *audit.Trail, clk clock.Clock) *Manager {
	return &Manager{
		opts:   opts,
		roster: r,
		sender: s,
		trail:  trail,
		clock:  clk,
		stats: statistics{
			processStartupTime: clk.Now().Format(requestTimeFormat),
		},
	}
}

// Status returns "stopped", "configured" or "receiving".
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status()
}

func (m *Manager) status() string {
	switch {
	case m.currentStartPulseID != nil:
		return "receiving"
	case m.currentParameters != nil:
		return "configured"
	default:
		return "stopped"
	}
}

// SetParameters validates and stores the session parameters.
func (m *Manager) SetParameters(parameters map[string]any) error {
	var missing []string
	for _, p := range RequiredParameters {
		if _, ok := parameters[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &MissingParameterError{Missing: missing}
	}

	log.Infof("Configuring session for output_file=%v.", parameters["output_file"])

	m.mu.Lock()
	m.currentParameters = parameters
	m.mu.Unlock()
	return nil
}

// Parameters returns the current session parameters, nil when stopped.
func (m *Manager) Parameters() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentParameters
}

// Stop resets the session without emitting a write request.
func (m *Manager) Stop() {
	log.Info("Stopping the acquisition session.")

	m.mu.Lock()
	m.currentParameters = nil
	m.currentStartPulseID = nil
	m.mu.Unlock()
}

// StartWriter opens the acquisition window at startPulseID. Repeating
// the call with the same pulse id is a no-op; a different pulse id
// abandons the previous session and adopts the new value.
func (m *Manager) StartWriter(startPulseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentParameters == nil {
		return fmt.Errorf("cannot start the writer without parameters")
	}

	if m.currentStartPulseID != nil {
		if *m.currentStartPulseID == startPulseID {
			log.Debugf("start_pulse_id %d already set.", startPulseID)
			return nil
		}
		log.Warnf("Overriding start_pulse_id %d with %d, the previous session is abandoned.",
			*m.currentStartPulseID, startPulseID)
	}

	log.Infof("Set start_pulse_id %d.", startPulseID)
	m.currentStartPulseID = &startPulseID
	return nil
}

// StopWriter closes the window at stopPulseID and emits the write
// requests for the configured channel roster.
func (m *Manager) StopWriter(stopPulseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentStartPulseID == nil {
		if m.lastStopPulseID != nil && *m.lastStopPulseID == stopPulseID {
			log.Debugf("stop_pulse_id %d already processed.", stopPulseID)
			return nil
		}
		log.Warnf("Received stop_pulse_id %d while not receiving, ignoring.", stopPulseID)
		return nil
	}

	startPulseID := *m.currentStartPulseID
	log.Infof("Set stop_pulse_id=%d.", stopPulseID)

	if _, err := m.roster.Refresh(); err != nil {
		log.Warnf("Cannot refresh the channel list, using the previous one: %s", err)
	}
	channels := m.roster.Channels()

	parameters := m.currentParameters
	outputFile, _ := parameters["output_file"].(string)

	type emission struct {
		channels   []string
		outputFile string
	}

	var emissions []emission
	data, images := roster.Split(channels)
	if m.opts.SplitImages && len(images) > 0 {
		if len(data) > 0 {
			emissions = append(emissions, emission{channels: data, outputFile: outputFile})
		}
		if m.opts.GroupImages {
			emissions = append(emissions, emission{channels: images, outputFile: outputFile + ".IMAGES"})
		} else {
			for _, image := range images {
				emissions = append(emissions, emission{
					channels:   []string{image},
					outputFile: outputFile + "." + image + ".IMAGES",
				})
			}
		}
	} else {
		emissions = append(emissions, emission{channels: channels, outputFile: outputFile})
	}

	for i, e := range emissions {
		parametersCopy := make(map[string]any, len(parameters))
		for k, v := range parameters {
			parametersCopy[k] = v
		}
		parametersCopy["output_file"] = e.outputFile

		wr := &request.WriteRequest{
			DataAPIRequest: request.NewDataAPIRequest(e.channels, startPulseID, stopPulseID),
			Parameters:     parametersCopy,
			Timestamp:      m.nowTimestamp(),
		}

		// One epics notification per acquisition, on the first emission.
		m.emit(wr, i == 0)
	}

	m.currentStartPulseID = nil
	m.currentParameters = nil
	m.lastStopPulseID = &stopPulseID
	return nil
}

// nowTimestamp returns the current time as fractional Unix seconds,
// the timestamp format carried by write requests.
func (m *Manager) nowTimestamp() float64 {
	return float64(m.clock.Now().UnixNano()) / float64(time.Second)
}

// emit audit-logs the write request, pushes it to the writer queue and
// optionally notifies the epics writer. Callers hold m.mu.
func (m *Manager) emit(wr *request.WriteRequest, forwardToEpics bool) {
	m.trail.Append(wr)

	if err := m.sender.Send(wr); err != nil {
		log.Errorf("Cannot send write request for %s: %s", wr.OutputFile(), err)
	}

	if forwardToEpics {
		m.sender.ForwardToEpics(&request.EpicsWriteRequest{
			Range:        wr.DataAPIRequest.Range,
			Parameters:   wr.Parameters,
			RetrievalURL: m.opts.RetrievalURL,
		})
	}

	m.stats.nProcessedRequests++
	m.stats.lastSentWriteRequest = wr
	m.stats.lastSentWriteRequestTime = m.clock.Now().Format(requestTimeFormat)
}

// Statistics returns the process counters exposed by GET /statistics.
func (m *Manager) Statistics() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := map[string]any{
		"n_processed_requests": m.stats.nProcessedRequests,
		"process_startup_time": m.stats.processStartupTime,
	}
	if m.stats.lastSentWriteRequest != nil {
		stats["last_sent_write_request"] = m.stats.lastSentWriteRequest
		stats["last_sent_write_request_time"] = m.stats.lastSentWriteRequestTime
	}
	return stats
}

// expandedRange widens the acquisition window so aligned boundaries
// fall strictly inside it, and keeps both pids in the request range.
func expandedRange(startPulseID, stopPulseID, rate int64) request.PulseRange {
	start, stop := align.Expand(startPulseID, stopPulseID, rate)
	return request.PulseRange{StartPulseID: &start, EndPulseID: &stop}
}
