package model

// ExecutionReport is returned by the actuator for every primitive.
// Pointer primitives never produce Go errors for misses: a miss is
// Success=false with the deviation recorded.
type ExecutionReport struct {
	Success     bool   `json:"success"`
	RequestedX  int    `json:"requested_x"`
	RequestedY  int    `json:"requested_y"`
	ActualX     int    `json:"actual_x"`
	ActualY     int    `json:"actual_y"`
	DeviationX  int    `json:"deviation_x"`
	DeviationY  int    `json:"deviation_y"`
	ExecutionMs int64  `json:"execution_ms"`
	Message     string `json:"message,omitempty"`
}

// ExceedsDeviation reports whether either axis deviated beyond the
// threshold in logical pixels.
func (r ExecutionReport) ExceedsDeviation(threshold int) bool {
	return abs(r.DeviationX) > threshold || abs(r.DeviationY) > threshold
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
