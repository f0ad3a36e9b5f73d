// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sf-daq/databuffer-broker/pkg/align"
	"github.com/sf-daq/databuffer-broker/pkg/config"
	"github.com/sf-daq/databuffer-broker/pkg/detector"
	"github.com/sf-daq/databuffer-broker/pkg/registry"
	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/scaninfo"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

var pgroupPattern = regexp.MustCompile(`^p\d{5,}$`)

func failed(format string, params ...any) request.RetrieveResult {
	message := fmt.Sprintf(format, params...)
	log.Errorf("Retrieve failed: %s", message)
	return request.RetrieveResult{Status: "failed", Message: message}
}

// BeamlineForIP resolves the beamline from the first three octets of
// the client address.
func BeamlineForIP(remoteIP string) (string, bool) {
	octets := strings.Split(remoteIP, ".")
	if len(octets) < 3 {
		return "", false
	}
	beamline, ok := config.BeamlineFromPrefix[strings.Join(octets[:3], ".")]
	return beamline, ok
}

// Retrieve is the one-shot acquisition entry point: validate, allocate
// a run, persist the manifest and fan the request out to the sinks.
func (m *Manager) Retrieve(req *request.AcquisitionRequest, remoteIP, beamlineForce string) request.RetrieveResult {
	beamline := beamlineForce
	if beamline == "" {
		var ok bool
		if beamline, ok = BeamlineForIP(remoteIP); !ok {
			return failed("can not determine from which beamline retrieve request came: %s", remoteIP)
		}
	}

	if !pgroupPattern.MatchString(req.Pgroup) {
		return failed("pgroup %q does not match the expected pXXXXX form", req.Pgroup)
	}

	if req.StartPulseID == "" || req.StopPulseID == "" {
		return failed("start_pulseid and stop_pulseid must be provided")
	}
	startPulseID, err := req.StartPulseID.Int64()
	if err != nil {
		return failed("start_pulseid is not an integer: %s", req.StartPulseID)
	}
	stopPulseID, err := req.StopPulseID.Int64()
	if err != nil {
		return failed("stop_pulseid is not an integer: %s", req.StopPulseID)
	}
	if startPulseID > stopPulseID {
		return failed("start_pulseid %d is past stop_pulseid %d", startPulseID, stopPulseID)
	}

	rate, err := req.Rate()
	if err != nil {
		return failed("%s", err)
	}

	rawDir := filepath.Join(m.opts.FacilityRoot, beamline, "data", req.Pgroup, "raw")
	if info, err := os.Stat(rawDir); err != nil || !info.IsDir() {
		return failed("raw directory %s is not reachable", rawDir)
	}

	// The CLOSED sentinel trumps everything else, including requests
	// that select no data.
	reg := registry.New(rawDir)
	if reg.Closed() {
		return failed("pgroup %s is closed for data acquisition", req.Pgroup)
	}

	if !req.HasDataSelector() {
		log.Infof("Retrieve for %s selects no data, nothing to do.", req.Pgroup)
		return request.RetrieveResult{Status: "pass", Message: "no data source is selected"}
	}

	req.ChannelsList = normalizeChannels(req.ChannelsList)

	outputDir, err := resolveOutputDir(rawDir, req.DirectoryName)
	if err != nil {
		return failed("%s", err)
	}

	runNumber, err := reg.Allocate()
	if err != nil {
		return failed("cannot allocate a run number for %s: %s", req.Pgroup, err)
	}

	req.Beamline = beamline
	req.RunNumber = runNumber
	req.RequestTime = m.clock.Now().Format(requestTimeFormat)

	if err := reg.WriteManifest(runNumber, req); err != nil {
		return failed("cannot write the manifest for run %d: %s", runNumber, err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return failed("cannot create output directory %s: %s", outputDir, err)
	}

	widened := expandedRange(startPulseID, stopPulseID, rate)

	parameters := map[string]any{
		"general/user":       pgroupUser(req.Pgroup),
		"general/process":    m.opts.ProcessName,
		"general/created":    m.clock.Now().Format(requestTimeFormat),
		"general/instrument": beamline,
	}

	runFile := func(kind string) string {
		return filepath.Join(outputDir, fmt.Sprintf("run_%06d.%s.h5", runNumber, kind))
	}
	var outputFiles []string

	m.mu.Lock()
	// PV channels go to the epics writer, not through the writer queue.
	if len(req.PVList) > 0 {
		pvParameters := withOutputFile(parameters, runFile("PVCHANNELS"))
		m.sender.ForwardToEpics(&request.EpicsWriteRequest{
			Range:        widened,
			Parameters:   pvParameters,
			Channels:     req.PVList,
			RetrievalURL: m.opts.RetrievalURL,
		})
		outputFiles = append(outputFiles, runFile("PVCHANNELS"))
	}

	// Queue emissions keep a fixed order: BSREAD before CAMERAS.
	if len(req.ChannelsList) > 0 {
		wr := &request.WriteRequest{
			DataAPIRequest: request.NewDataAPIRequest(req.ChannelsList, *widened.StartPulseID, *widened.EndPulseID),
			Parameters:     withOutputFile(parameters, runFile("BSREAD")),
			Timestamp:      m.nowTimestamp(),
		}
		m.emit(wr, false)
		outputFiles = append(outputFiles, runFile("BSREAD"))
	}

	if len(req.CameraList) > 0 {
		wr := &request.WriteRequest{
			DataAPIRequest: request.NewDataAPIRequest(req.CameraList, *widened.StartPulseID, *widened.EndPulseID),
			Parameters:     withOutputFile(parameters, runFile("CAMERAS")),
			Timestamp:      m.nowTimestamp(),
		}
		m.emit(wr, false)
		outputFiles = append(outputFiles, runFile("CAMERAS"))
	}
	m.mu.Unlock()

	// Detector retrieval is spawn-and-forget and best-effort once the
	// run is allocated.
	if len(req.Detectors) > 0 {
		detStart, detStop, ok := align.Edges(startPulseID, stopPulseID, rate)
		if !ok {
			log.Warnf("No beam-aligned pulse in [%d, %d] at rate %d, skipping detectors.",
				startPulseID, stopPulseID, rate)
		} else {
			for _, name := range sortedDetectors(req.Detectors) {
				job := detector.Job{
					Detector:     name,
					StartPulseID: detStart,
					StopPulseID:  detStop,
					OutputFile:   runFile(name),
					Rate:         rate,
					ExportFlag:   req.Detectors[name].ExportFlag(),
					ManifestPath: reg.ManifestPath(runNumber),
					RawFileName:  rawDetectorFile(rawDir, req.DirectoryName, runNumber, name),
					LogPath:      reg.LogPath(runNumber, name),
				}
				if err := detector.Spawn(m.opts.DetectorCommand, job); err != nil {
					log.Errorf("Cannot start retrieval of detector %s: %s", name, err)
					continue
				}
				outputFiles = append(outputFiles, runFile(name))
			}
		}
	}

	if req.ScanInfo != nil && req.ScanInfo.ScanName != "" {
		scanDir := filepath.Join(rawDir, "scan_info")
		if err := scaninfo.AppendStep(scanDir, req.ScanInfo, outputFiles, startPulseID, stopPulseID); err != nil {
			log.Errorf("Cannot append step to scan %s: %s", req.ScanInfo.ScanName, err)
		}
	}

	log.Infof("Retrieve for %s@%s allocated run %d (%d output files).",
		req.Pgroup, beamline, runNumber, len(outputFiles))

	return request.RetrieveResult{Status: "ok", Message: strconv.FormatInt(runNumber, 10)}
}

func normalizeChannels(channels []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range channels {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// resolveOutputDir joins the optional directory_name under the raw
// directory and rejects paths that would escape it.
func resolveOutputDir(rawDir, directoryName string) (string, error) {
	if directoryName == "" {
		return rawDir, nil
	}
	outputDir := filepath.Clean(filepath.Join(rawDir, directoryName))
	if outputDir != rawDir && !strings.HasPrefix(outputDir, rawDir+string(filepath.Separator)) {
		return "", fmt.Errorf("directory_name %q escapes the raw directory", directoryName)
	}
	return outputDir, nil
}

func rawDetectorFile(rawDir, directoryName string, runNumber int64, det string) string {
	return filepath.Join(rawDir, "RAW_DATA", directoryName, fmt.Sprintf("run_%06d.%s.h5", runNumber, det))
}

// pgroupUser derives the account name from the pgroup: the first five
// digits after the leading 'p'.
func pgroupUser(pgroup string) string {
	if len(pgroup) < 6 {
		return pgroup
	}
	return pgroup[1:6]
}

func withOutputFile(parameters map[string]any, outputFile string) map[string]any {
	out := make(map[string]any, len(parameters)+1)
	for k, v := range parameters {
		out[k] = v
	}
	out["output_file"] = outputFile
	return out
}

func sortedDetectors(detectors map[string]request.DetectorConfig) []string {
	names := make([]string, 0, len(detectors))
	for name := range detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
