// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package config

// AllowedRateMultiplicators are the beam-rate subsampling factors the
// timing system supports. The machine runs at 100 Hz; a multiplicator
// k selects the pulses with pulse_id % k == 0.
var AllowedRateMultiplicators = []int64{1, 2, 4, 8, 10, 20, 40, 50, 100}

// IsAllowedRate reports whether k is a supported rate multiplicator.
func IsAllowedRate(k int64) bool {
	for _, r := range AllowedRateMultiplicators {
		if k == r {
			return true
		}
	}
	return false
}

// BeamlineFromPrefix maps the first three octets of a client address to
// the beamline it belongs to.
var BeamlineFromPrefix = map[string]string{
	"129.129.242": "alvra",
	"129.129.243": "bernina",
	"129.129.246": "maloja",
}

// ImageChannelSuffix marks channels served by the image backend.
const ImageChannelSuffix = ":FPICTURE"

// Backends understood by the dispatching layer.
const (
	DataBackend  = "sf-databuffer"
	ImageBackend = "sf-imagebuffer"
)
