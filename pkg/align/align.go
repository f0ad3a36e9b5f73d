// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package align implements the pulse-id arithmetic of the rate
// subsampling contract. A rate multiplicator k selects the beam-aligned
// pulses {p : p % k == 0}. All functions here are pure; every component
// that reasons about aligned pulse ids goes through this package.
package align

// Expand widens [start, stop] so that an aligned boundary is strictly
// inside the half-open window. An endpoint is moved by one only when it
// happens to be beam-aligned.
func Expand(start, stop, k int64) (int64, int64) {
	if k <= 1 {
		return start, stop
	}
	if start%k == 0 {
		start--
	}
	if stop%k == 0 {
		stop++
	}
	return start, stop
}

// Enumerate returns the ascending aligned pulse ids within
// [start, stop], inclusive.
func Enumerate(start, stop, k int64) []int64 {
	if k <= 0 || stop < start {
		return nil
	}
	first := start
	if rem := first % k; rem != 0 {
		first += k - rem
	}
	if first > stop {
		return nil
	}
	pids := make([]int64, 0, (stop-first)/k+1)
	for p := first; p <= stop; p += k {
		pids = append(pids, p)
	}
	return pids
}

// Edges returns the first and last aligned pulse ids within
// [start, stop]. ok is false when the window contains no aligned pulse.
func Edges(start, stop, k int64) (first, last int64, ok bool) {
	if k <= 0 || stop < start {
		return 0, 0, false
	}
	first = start
	if rem := first % k; rem != 0 {
		first += k - rem
	}
	if first > stop {
		return 0, 0, false
	}
	last = stop - stop%k
	return first, last, true
}
