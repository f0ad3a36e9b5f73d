// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// daqcheck verifies written acquisition files against the pulses the
// run was supposed to cover.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sf-daq/databuffer-broker/pkg/checker"
)

var (
	manifestPath string
	startPulseID int64
	stopPulseID  int64
	rate         int64
	detector     bool
	scanFrames   bool
	verbose      bool
)

var (
	passLabel = color.New(color.FgGreen, color.Bold).Sprint("OK")
	failLabel = color.New(color.FgRed, color.Bold).Sprint("FAILED")
	warnColor = color.New(color.FgYellow)
)

func main() {
	cmd := &cobra.Command{
		Use:          "daqcheck [files...]",
		Short:        "Consistency check for acquisition files",
		Long:         "Verifies HDF5 acquisition files, either from a run manifest or\nfrom explicit files with a pulse-id window.",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			if manifestPath != "" {
				return checkManifest()
			}
			return checkFiles(args)
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "run-file", "r", "", "check every file of the run described by this manifest")
	cmd.Flags().Int64Var(&startPulseID, "start", 0, "first pulse id of the window (file mode)")
	cmd.Flags().Int64Var(&stopPulseID, "stop", 0, "last pulse id of the window (file mode)")
	cmd.Flags().Int64Var(&rate, "rate-multiplicator", 1, "rate multiplicator of the acquisition")
	cmd.Flags().BoolVar(&detector, "detector", false, "treat the files as detector frame files")
	cmd.Flags().BoolVar(&scanFrames, "scan-frames", false, "read every frame back to catch corrupted chunks")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print per-channel findings")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func report(file string, result checker.Result, checkErr error) bool {
	switch {
	case checkErr != nil:
		fmt.Printf("%s  %s: %s\n", failLabel, file, checkErr)
		return false
	case result.Check:
		fmt.Printf("%s  %s\n", passLabel, file)
	default:
		fmt.Printf("%s  %s\n", failLabel, file)
	}

	if verbose && result.Reason != nil {
		if body, err := json.MarshalIndent(result.Reason, "  ", "  "); err == nil {
			warnColor.Printf("  %s\n", body)
		}
	}
	return result.Check
}

func checkManifest() error {
	results, err := checker.CheckRun(manifestPath)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("no output files found for %s", manifestPath)
	}

	ok := true
	for _, fr := range results {
		var checkErr error
		if fr.Error != "" {
			checkErr = fmt.Errorf("%s", fr.Error)
		}
		if !report(fr.File, fr.Result, checkErr) {
			ok = false
		}
	}
	if !ok {
		os.Exit(1)
	}
	return nil
}

func checkFiles(files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no files given, see --help")
	}
	if stopPulseID < startPulseID || startPulseID <= 0 {
		return fmt.Errorf("file mode needs a valid --start/--stop window")
	}

	opts := checker.FileOptions{Detector: detector, ScanFrames: scanFrames}

	ok := true
	for _, file := range files {
		result, err := checker.Check(file, startPulseID, stopPulseID, rate, opts)
		if !report(file, result, err) {
			ok = false
		}
	}
	if !ok {
		os.Exit(1)
	}
	return nil
}
