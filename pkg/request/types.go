// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package request defines the wire types shared between the broker,
// the writer and the dispatching layer.
package request

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sf-daq/databuffer-broker/pkg/config"
)

// AcquisitionRequest is the body of POST /retrieve_from_buffers. Pulse
// ids are json.Number so both numeric and quoted values cast cleanly.
type AcquisitionRequest struct {
	Pgroup            string                    `json:"pgroup"`
	Beamline          string                    `json:"beamline,omitempty"`
	RunNumber         int64                     `json:"run_number,omitempty"`
	RequestTime       string                    `json:"request_time,omitempty"`
	StartPulseID      json.Number               `json:"start_pulseid"`
	StopPulseID       json.Number               `json:"stop_pulseid"`
	RateMultiplicator json.Number               `json:"rate_multiplicator,omitempty"`
	DirectoryName     string                    `json:"directory_name,omitempty"`
	ChannelsList      []string                  `json:"channels_list,omitempty"`
	CameraList        []string                  `json:"camera_list,omitempty"`
	PVList            []string                  `json:"pv_list,omitempty"`
	Detectors         map[string]DetectorConfig `json:"detectors,omitempty"`
	ScanInfo          *ScanStep                 `json:"scan_info,omitempty"`
}

// HasDataSelector reports whether the request names anything to
// retrieve. Requests without a selector short-circuit with "pass".
func (r *AcquisitionRequest) HasDataSelector() bool {
	return len(r.ChannelsList) > 0 || len(r.CameraList) > 0 ||
		len(r.PVList) > 0 || len(r.Detectors) > 0
}

// Rate returns the validated rate multiplicator, defaulting to 1.
func (r *AcquisitionRequest) Rate() (int64, error) {
	if r.RateMultiplicator == "" {
		return 1, nil
	}
	k, err := r.RateMultiplicator.Int64()
	if err != nil {
		return 0, fmt.Errorf("rate_multiplicator is not an integer: %s", r.RateMultiplicator)
	}
	if !config.IsAllowedRate(k) {
		return 0, fmt.Errorf("rate_multiplicator %d is not an allowed value", k)
	}
	return k, nil
}

// DetectorConfig carries the per-detector retrieval options.
type DetectorConfig struct {
	Compression bool `json:"compression,omitempty"`
	Conversion  bool `json:"adc_to_energy,omitempty"`
}

// ExportFlag is 1 when the retrieval subprocess must run the export
// step (conversion or compression requested), 0 otherwise.
func (d DetectorConfig) ExportFlag() int {
	if d.Compression || d.Conversion {
		return 1
	}
	return 0
}

// ScanStep is the scan_info payload attached to one retrieve call.
type ScanStep struct {
	ScanName         string         `json:"scan_name"`
	ScanParameters   map[string]any `json:"scan_parameters,omitempty"`
	ScanReadbacks    []any          `json:"scan_readbacks,omitempty"`
	ScanValues       []any          `json:"scan_values,omitempty"`
	ScanReadbacksRaw []any          `json:"scan_readbacks_raw,omitempty"`
	ScanStepInfo     any            `json:"scan_step_info,omitempty"`
}

// ChannelSelector names one channel together with the backend that
// serves it.
type ChannelSelector struct {
	Name    string `json:"name"`
	Backend string `json:"backend,omitempty"`
}

// SelectorFor routes a channel to the image or data backend based on
// its name.
func SelectorFor(channel string) ChannelSelector {
	backend := config.DataBackend
	if strings.HasSuffix(channel, config.ImageChannelSuffix) {
		backend = config.ImageBackend
	}
	return ChannelSelector{Name: channel, Backend: backend}
}

// PulseRange is either a pulse-id range or, in the timestamp fallback,
// a date range.
type PulseRange struct {
	StartPulseID *int64 `json:"startPulseId,omitempty"`
	EndPulseID   *int64 `json:"endPulseId,omitempty"`
	StartDate    string `json:"startDate,omitempty"`
	EndDate      string `json:"endDate,omitempty"`
}

// ResponseFormat asks the dispatching layer for plain JSON.
type ResponseFormat struct {
	Format      string `json:"format"`
	Compression string `json:"compression"`
}

// DataAPIRequest is the dispatching-layer query issued by the writer.
type DataAPIRequest struct {
	Channels     []ChannelSelector `json:"channels"`
	Range        PulseRange        `json:"range"`
	Response     ResponseFormat    `json:"response"`
	EventFields  []string          `json:"eventFields"`
	ConfigFields []string          `json:"configFields"`
}

// NewDataAPIRequest builds the standard query for a set of channels and
// a widened pulse-id range.
func NewDataAPIRequest(channels []string, startPulseID, endPulseID int64) DataAPIRequest {
	selectors := make([]ChannelSelector, len(channels))
	for i, c := range channels {
		selectors[i] = SelectorFor(c)
	}
	return DataAPIRequest{
		Channels: selectors,
		Range: PulseRange{
			StartPulseID: &startPulseID,
			EndPulseID:   &endPulseID,
		},
		Response:     ResponseFormat{Format: "json", Compression: "none"},
		EventFields:  []string{"channel", "pulseId", "value", "shape", "globalDate"},
		ConfigFields: []string{"type", "shape"},
	}
}

// WriteRequest is one unit of work for the writer. Immutable once sent.
type WriteRequest struct {
	DataAPIRequest DataAPIRequest `json:"data_api_request"`
	Parameters     map[string]any `json:"parameters"`
	Timestamp      float64        `json:"timestamp"`
}

// OutputFile returns the output_file parameter, or "" when absent.
func (w *WriteRequest) OutputFile() string {
	if v, ok := w.Parameters["output_file"].(string); ok {
		return v
	}
	return ""
}

// ChannelConfig is the per-channel configs entry of the dispatching
// layer response.
type ChannelConfig struct {
	Type  string `json:"type"`
	Shape []int  `json:"shape"`
}

// ChannelEvent is one recorded pulse of one channel.
type ChannelEvent struct {
	PulseID    int64           `json:"pulseId"`
	Value      json.RawMessage `json:"value"`
	GlobalDate string          `json:"globalDate"`
	Shape      []int           `json:"shape,omitempty"`
}

// ChannelData is the per-channel block of the dispatching layer
// response. Channels may be missing events and two channels may report
// overlapping but unequal pulse-id sets.
type ChannelData struct {
	Channel ChannelSelector `json:"channel"`
	Configs []ChannelConfig `json:"configs"`
	Data    []ChannelEvent  `json:"data"`
}

// EpicsWriteRequest is the body of the PUT forwarded to the epics
// writer for the PV subset of an acquisition.
type EpicsWriteRequest struct {
	Range        PulseRange     `json:"range"`
	Parameters   map[string]any `json:"parameters"`
	Channels     []string       `json:"channels,omitempty"`
	RetrievalURL string         `json:"retrieval_url,omitempty"`
}

// RetrieveResult is the reply of the one-shot retrieve entry point.
type RetrieveResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
