package track

import "math"

const (
	// StoppedETASeconds is returned when the vehicle is stationary or its
	// speed is unknown; dividing by a near-zero speed is meaningless.
	StoppedETASeconds = 300

	stationaryCutoffMps = 1.0
)

// EstimateETA returns the whole seconds until arrival at a stop
// distanceMeters away, given the reported speed in km/h (nil when the
// device sent none). A bounded heuristic, not a routing computation.
func EstimateETA(speedKmh *float64, distanceMeters float64) int {
	if speedKmh == nil {
		return StoppedETASeconds
	}
	mps := *speedKmh * 1000.0 / 3600.0
	if mps < stationaryCutoffMps {
		return StoppedETASeconds
	}
	if distanceMeters < 0 {
		return 0
	}
	return int(math.Round(distanceMeters / mps))
}
