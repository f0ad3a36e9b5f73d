// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package checker verifies written acquisition files against the pulse
// ids the run was supposed to cover.
package checker

import (
	"sort"

	"github.com/sf-daq/databuffer-broker/pkg/align"
)

// Result is the verdict for one file. Reason carries the per-channel
// findings when the check failed or was degraded.
type Result struct {
	Check  bool `json:"check"`
	Reason any  `json:"reason,omitempty"`
}

// ChannelReport lists what one channel is missing. A channel fails
// when an expected pulse is absent, when the channel itself is absent
// from the file, when an auxiliary dataset disagrees with the pulse
// axis or when a frame cannot be read back. Unexpected pulses and bad
// frames degrade the report without failing it.
type ChannelReport struct {
	Name               string   `json:"name"`
	NotInFile          bool     `json:"not_in_file,omitempty"`
	MissingPulseIDs    []int64  `json:"missing_pulse_ids,omitempty"`
	UnexpectedPulseIDs []int64  `json:"unexpected_pulse_ids,omitempty"`
	LengthMismatch     []string `json:"length_mismatch,omitempty"`
	CorruptedFrames    int      `json:"corrupted_frames,omitempty"`
	BadFrames          int      `json:"bad_frames,omitempty"`
}

// OK reports whether the channel passed.
func (r *ChannelReport) OK() bool {
	return !r.NotInFile && len(r.MissingPulseIDs) == 0 &&
		len(r.LengthMismatch) == 0 && r.CorruptedFrames == 0
}

// Clean reports whether the channel has no findings at all.
func (r *ChannelReport) Clean() bool {
	return r.OK() && len(r.UnexpectedPulseIDs) == 0 && r.BadFrames == 0
}

// ExpectedPulseIDs enumerates the pulses a run at rate k must cover.
func ExpectedPulseIDs(startPulseID, stopPulseID, rate int64) []int64 {
	return align.Enumerate(startPulseID, stopPulseID, rate)
}

// VerifyChannel checks a recorded pulse-id axis with its presence mask
// against the expected enumeration. The file axis may be wider than
// the request, since buffered sources widen aligned endpoints by one
// beam period; pulses inside the widened window are tolerated, pulses
// outside it are reported as unexpected.
func VerifyChannel(name string, pulseIDs []int64, present []uint8, startPulseID, stopPulseID, rate int64) ChannelReport {
	report := ChannelReport{Name: name}

	recorded := make(map[int64]bool, len(pulseIDs))
	for i, pid := range pulseIDs {
		hasData := i >= len(present) || present[i] != 0
		if hasData {
			recorded[pid] = true
		}
	}

	for _, pid := range ExpectedPulseIDs(startPulseID, stopPulseID, rate) {
		if !recorded[pid] {
			report.MissingPulseIDs = append(report.MissingPulseIDs, pid)
		}
	}

	lo, hi := align.Expand(startPulseID, stopPulseID, rate)
	for pid := range recorded {
		if pid < lo || pid > hi || (rate > 1 && pid%rate != 0) {
			report.UnexpectedPulseIDs = append(report.UnexpectedPulseIDs, pid)
		}
	}
	sort.Slice(report.UnexpectedPulseIDs, func(i, j int) bool {
		return report.UnexpectedPulseIDs[i] < report.UnexpectedPulseIDs[j]
	})

	return report
}

// VerifyDetector checks a detector frame stream. Detector files carry
// one row per received frame, so the presence rule is the same as for
// buffered channels, with bad frames counted on top.
func VerifyDetector(name string, pulseIDs []int64, isGoodFrame []uint8, startPulseID, stopPulseID, rate int64) ChannelReport {
	report := VerifyChannel(name, pulseIDs, nil, startPulseID, stopPulseID, rate)
	for _, good := range isGoodFrame {
		if good == 0 {
			report.BadFrames++
		}
	}
	return report
}

// missingChannelReports fails every requested channel the file does
// not carry at all.
func missingChannelReports(expected []string, inFile map[string]bool) []ChannelReport {
	var reports []ChannelReport
	for _, name := range expected {
		if !inFile[name] {
			reports = append(reports, ChannelReport{Name: name, NotInFile: true})
		}
	}
	return reports
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

// auxLengthFindings lists the datasets whose length disagrees with the
// pulse axis. Absent datasets are tolerated.
func auxLengthFindings(pulseAxis int, lengths map[string]int) []string {
	var findings []string
	for name, n := range lengths {
		if n != pulseAxis {
			findings = append(findings, name)
		}
	}
	sort.Strings(findings)
	return findings
}

// Summarize folds per-channel reports into one verdict. Only channels
// with findings end up in the reason.
func Summarize(reports []ChannelReport) Result {
	result := Result{Check: true}

	var findings []ChannelReport
	for _, r := range reports {
		if !r.OK() {
			result.Check = false
		}
		if !r.Clean() {
			findings = append(findings, r)
		}
	}
	if len(findings) > 0 {
		result.Reason = findings
	}
	return result
}
