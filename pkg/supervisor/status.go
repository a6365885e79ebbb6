package supervisor

import "math"

// ZoneStatus is the last known state of one zone.
// Temperature is zero and Valid false when the last reading was not finite.
type ZoneStatus struct {
	Temperature float64 `json:"temperature"`
	Valid       bool    `json:"valid"`
	Target      float64 `json:"target"`
	Output      float64 `json:"output"`
}

// Status is a point-in-time view of a run, suitable for telemetry.
type Status struct {
	RunID       string     `json:"run_id"`
	State       RunState   `json:"state"`
	Fault       string     `json:"fault,omitempty"`
	ElapsedMs   int64      `json:"elapsed_ms"`
	RemainingMs int64      `json:"remaining_ms"`
	Substrate   ZoneStatus `json:"substrate"`
	Source      ZoneStatus `json:"source"`
}

// Snapshot returns the current status.
func (s *Supervisor) Snapshot() Status {
	st := Status{
		RunID:       s.runID.String(),
		State:       s.state,
		ElapsedMs:   s.timer.Elapsed().Milliseconds(),
		RemainingMs: s.timer.Remaining().Milliseconds(),
		Substrate:   zoneStatus(s.lastSubstrate, s.substrate.Target(), s.outputs.Substrate),
		Source:      zoneStatus(s.lastSource, s.source.Target(), s.outputs.Source),
	}
	if s.fault != nil {
		st.Fault = s.fault.Error()
	}
	return st
}

func zoneStatus(temp, target, output float64) ZoneStatus {
	zs := ZoneStatus{Target: target, Output: output}
	if !math.IsNaN(temp) && !math.IsInf(temp, 0) {
		zs.Temperature = temp
		zs.Valid = true
	}
	return zs
}
