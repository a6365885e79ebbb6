package control

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/itohio/godepo/pkg/config"
)

// ErrInvalidReading is returned when a zone receives a temperature that is not
// finite or lies outside the physical limits.
var ErrInvalidReading = errors.New("invalid temperature reading")

// ZoneParameters describe one heater zone. They are fixed for the lifetime of a run.
type ZoneParameters struct {
	Name            string
	BaseTemperature int
	Offset          int
	Kp              float64
	Kd              float64
}

// ParamsFromConfig builds zone parameters from the zone section of the configuration.
func ParamsFromConfig(name string, zc config.ZoneConfig) ZoneParameters {
	return ZoneParameters{
		Name:            name,
		BaseTemperature: zc.Temperature,
		Offset:          zc.Offset,
		Kp:              zc.Kp,
		Kd:              zc.Kd,
	}
}

// Target returns the zone setpoint: base temperature plus offset.
func (p ZoneParameters) Target() float64 {
	return float64(p.BaseTemperature + p.Offset)
}

func (p ZoneParameters) String() string {
	return fmt.Sprintf("%s %d+%d kp=%.2f kd=%.2f", p.Name, p.BaseTemperature, p.Offset, p.Kp, p.Kd)
}

// Channel is a proportional-derivative controller for a single zone.
// It has no integral term; a steady-state offset from the target is expected.
//
// Channel is not safe for concurrent use; it is owned by one caller.
type Channel struct {
	params ZoneParameters
	target float64
	output Range
	limits Limits

	// State
	initialized bool
	prevError   float64
	lastSample  time.Time
	lastOutput  float64
}

// NewChannel creates a controller for the zone, clamping its output into out
// and rejecting readings outside limits.
func NewChannel(params ZoneParameters, out Range, limits Limits) *Channel {
	return &Channel{
		params: params,
		target: params.Target(),
		output: out,
		limits: limits,
	}
}

// Update consumes the latest measured temperature and returns the bounded actuator command.
//
// The first call after creation or Reset has no previous error, so the derivative
// term is skipped and the output is kp*error (clamped). Invalid readings return
// ErrInvalidReading and leave the state untouched.
func (c *Channel) Update(measured float64, now time.Time) (float64, error) {
	if !c.limits.Valid(measured) {
		return c.lastOutput, fmt.Errorf("%w: %s zone read %v", ErrInvalidReading, c.params.Name, measured)
	}

	err := c.target - measured

	var derivative float64
	if c.initialized {
		dt := now.Sub(c.lastSample).Seconds()
		if dt > 0 {
			derivative = (err - c.prevError) / dt
		}
	}

	co := c.params.Kp*err + c.params.Kd*derivative
	bounded := c.output.Clamp(co)

	c.prevError = err
	c.lastSample = now
	c.lastOutput = bounded
	c.initialized = true

	return bounded, nil
}

// Reset clears the controller state before a new run.
func (c *Channel) Reset() {
	c.initialized = false
	c.prevError = 0
	c.lastSample = time.Time{}
	c.lastOutput = 0
}

// Params returns the zone parameters.
func (c *Channel) Params() ZoneParameters {
	return c.params
}

// Target returns the zone setpoint.
func (c *Channel) Target() float64 {
	return c.target
}

// LastOutput returns the most recent bounded command.
func (c *Channel) LastOutput() float64 {
	return c.lastOutput
}

// LastError returns the most recent control error (target - measured).
func (c *Channel) LastError() float64 {
	return c.prevError
}

// LastSample returns the instant of the most recent accepted reading.
func (c *Channel) LastSample() time.Time {
	return c.lastSample
}

// Range is the valid actuator command range.
type Range struct {
	Min float64
	Max float64
}

// RangeFromConfig returns the actuator range from configuration.
func RangeFromConfig(ac config.ActuatorConfig) Range {
	return Range{Min: ac.Min, Max: ac.Max}
}

// Clamp saturates v into the range.
func (r Range) Clamp(v float64) float64 {
	return Clamp(v, r.Min, r.Max)
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Limits is the physically plausible temperature range of a zone.
type Limits struct {
	Min float64
	Max float64
}

// LimitsFromConfig returns temperature limits from configuration.
func LimitsFromConfig(lc config.LimitsConfig) Limits {
	return Limits{Min: lc.MinTemperature, Max: lc.MaxTemperature}
}

// Valid reports whether t is a finite reading inside the limits.
func (l Limits) Valid(t float64) bool {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return false
	}
	return t >= l.Min && t <= l.Max
}

// Clamp limits a value between lo and hi. NaN is pulled to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
