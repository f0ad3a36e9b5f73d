// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package checker

import (
	"fmt"

	"gonum.org/v1/hdf5"
)

// FileOptions select the rules applied to one file.
type FileOptions struct {
	// ExpectedChannels must all appear in the file; absent ones fail.
	ExpectedChannels []string
	// ScanFrames reads every data row back, so corrupted chunks are
	// caught instead of trusted.
	ScanFrames bool
	// Detector switches to the detector frame rules: is_good_frame
	// counting and auxiliary dataset length checks.
	Detector bool
}

func openVector(g *hdf5.Group, name string) (*hdf5.Dataset, int, error) {
	dset, err := g.OpenDataset(name)
	if err != nil {
		return nil, 0, err
	}
	space := dset.Space()
	dims, _, err := space.SimpleExtentDims()
	space.Close()
	if err != nil {
		dset.Close()
		return nil, 0, err
	}
	n := 0
	if len(dims) > 0 {
		n = int(dims[0])
	}
	return dset, n, nil
}

func readInt64Vector(g *hdf5.Group, name string) ([]int64, error) {
	dset, n, err := openVector(g, name)
	if err != nil {
		return nil, err
	}
	defer dset.Close()

	out := make([]int64, n)
	if n == 0 {
		return out, nil
	}
	if err := dset.Read(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func readUint8Vector(g *hdf5.Group, name string) ([]uint8, error) {
	dset, n, err := openVector(g, name)
	if err != nil {
		return nil, err
	}
	defer dset.Close()

	out := make([]uint8, n)
	if n == 0 {
		return out, nil
	}
	if err := dset.Read(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// vectorLength returns the first-axis length of a dataset, ok false
// when the dataset is absent.
func vectorLength(g *hdf5.Group, name string) (int, bool) {
	dset, n, err := openVector(g, name)
	if err != nil {
		return 0, false
	}
	dset.Close()
	return n, true
}

// scanDataRows reads the data dataset one row at a time. A row whose
// chunk cannot be read or decompressed counts as corrupted.
func scanDataRows(ch *hdf5.Group) (int, error) {
	dset, err := ch.OpenDataset("data")
	if err != nil {
		return 0, err
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return 0, err
	}
	if len(dims) == 0 || dims[0] == 0 {
		return 0, nil
	}

	rowDims := append([]uint{1}, dims[1:]...)
	rowLen := 1
	for _, d := range dims[1:] {
		rowLen *= int(d)
	}

	memspace, err := hdf5.CreateSimpleDataspace(rowDims, nil)
	if err != nil {
		return 0, err
	}
	defer memspace.Close()

	buf := make([]uint8, rowLen)
	offset := make([]uint, len(dims))

	corrupted := 0
	for i := uint(0); i < dims[0]; i++ {
		offset[0] = i
		if err := space.SelectHyperslab(offset, nil, rowDims, nil); err != nil {
			corrupted++
			continue
		}
		if err := dset.ReadSubset(&buf, memspace, space); err != nil {
			corrupted++
		}
	}
	return corrupted, nil
}

// Check verifies one acquisition file: pulse coverage for every
// channel found in the file, plus failures for every requested channel
// the file does not carry.
func Check(path string, startPulseID, stopPulseID, rate int64, opts FileOptions) (Result, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return Result{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	data, err := f.OpenGroup("data")
	if err != nil {
		return Result{}, fmt.Errorf("%s has no data group: %w", path, err)
	}
	defer data.Close()

	n, err := data.NumObjects()
	if err != nil {
		return Result{}, err
	}

	inFile := make(map[string]bool, n)
	var reports []ChannelReport

	for i := uint(0); i < n; i++ {
		name, err := data.ObjectNameByIndex(i)
		if err != nil {
			return Result{}, err
		}
		inFile[name] = true

		ch, err := data.OpenGroup(name)
		if err != nil {
			return Result{}, fmt.Errorf("channel %s: %w", name, err)
		}
		report, err := checkChannel(ch, name, startPulseID, stopPulseID, rate, opts)
		ch.Close()
		if err != nil {
			return Result{}, err
		}
		reports = append(reports, report)
	}

	reports = append(reports, missingChannelReports(opts.ExpectedChannels, inFile)...)
	return Summarize(reports), nil
}

func checkChannel(ch *hdf5.Group, name string, startPulseID, stopPulseID, rate int64, opts FileOptions) (ChannelReport, error) {
	pulseIDs, err := readInt64Vector(ch, "pulse_id")
	if err != nil {
		return ChannelReport{}, fmt.Errorf("channel %s: %w", name, err)
	}

	var report ChannelReport
	if opts.Detector {
		// Detector exports may omit the auxiliary frame datasets.
		goodFrames, err := readUint8Vector(ch, "is_good_frame")
		if err != nil {
			goodFrames = nil
		}
		report = VerifyDetector(name, pulseIDs, goodFrames, startPulseID, stopPulseID, rate)

		lengths := map[string]int{}
		for _, aux := range []string{"frame_index", "is_good_frame", "daq_rec", "data"} {
			if n, ok := vectorLength(ch, aux); ok {
				lengths[aux] = n
			}
		}
		report.LengthMismatch = auxLengthFindings(len(pulseIDs), lengths)
	} else {
		present, err := readUint8Vector(ch, "is_data_present")
		if err != nil {
			present = nil
		}
		report = VerifyChannel(name, pulseIDs, present, startPulseID, stopPulseID, rate)

		if n, ok := vectorLength(ch, "data"); ok && n != len(pulseIDs) {
			report.LengthMismatch = []string{"data"}
		}
	}

	if opts.ScanFrames {
		corrupted, err := scanDataRows(ch)
		if err != nil {
			// An unreadable data dataset fails the channel outright.
			report.LengthMismatch = appendUnique(report.LengthMismatch, "data")
		} else {
			report.CorruptedFrames = corrupted
		}
	}
	return report, nil
}
