package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/godepo/pkg/config"
	"github.com/itohio/godepo/pkg/control"
	"github.com/itohio/godepo/pkg/process"
)

var (
	// ErrTickBeforeStart is returned by Tick while the supervisor is Idle.
	ErrTickBeforeStart = errors.New("tick before start")
	// ErrAlreadyStarted is returned by Start once a run has begun. A new run needs a new Supervisor.
	ErrAlreadyStarted = errors.New("run already started")
)

// Outputs is the pair of actuator commands produced by one tick.
type Outputs struct {
	Substrate float64 `json:"substrate"`
	Source    float64 `json:"source"`
}

// Supervisor composes the two zone controllers and the process timer into one control cycle.
//
// Supervisor is single-threaded: Start and Tick must not be called concurrently.
type Supervisor struct {
	log   *slog.Logger
	runID uuid.UUID

	substrate *control.Channel
	source    *control.Channel
	timer     *process.Timer
	safeOff   float64

	state   RunState
	fault   error
	outputs Outputs

	// Last temperatures passed to Tick
	lastSubstrate float64
	lastSource    float64
}

// New creates an Idle supervisor from the configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	out := control.RangeFromConfig(cfg.Actuator)
	limits := control.LimitsFromConfig(cfg.Limits)
	runID := uuid.New()

	s := &Supervisor{
		log:       logger.With("run", runID.String()),
		runID:     runID,
		substrate: control.NewChannel(control.ParamsFromConfig("substrate", cfg.Substrate), out, limits),
		source:    control.NewChannel(control.ParamsFromConfig("source", cfg.Source), out, limits),
		timer:     process.NewTimer(cfg.Process.Duration),
		safeOff:   cfg.Actuator.SafeOff,
		state:     Idle,
	}
	s.outputs = s.safeOutputs()

	return s, nil
}

// Start begins the run: Idle -> Running.
func (s *Supervisor) Start(now time.Time) error {
	if s.state != Idle {
		return fmt.Errorf("%w: state is %s", ErrAlreadyStarted, s.state)
	}

	s.substrate.Reset()
	s.source.Reset()
	s.timer.Start(now)
	s.transition(Running)
	s.log.Info("run started",
		"substrate_target", s.substrate.Target(),
		"source_target", s.source.Target(),
		"duration", s.timer.Target().String(),
	)

	return nil
}

// Tick runs one control cycle and returns the actuator commands to apply.
//
// While Idle it returns ErrTickBeforeStart without changing state. Once the run
// is Completed or Faulted it returns safe-off outputs and no error. The tick that
// faults the run returns safe-off outputs together with the fault.
func (s *Supervisor) Tick(substrateTemp, sourceTemp float64, now time.Time) (Outputs, error) {
	switch s.state {
	case Idle:
		return Outputs{}, ErrTickBeforeStart
	case Completed, Faulted:
		return s.safeOutputs(), nil
	}

	s.lastSubstrate, s.lastSource = substrateTemp, sourceTemp

	if _, err := s.timer.Tick(now); err != nil {
		return s.abort(err), err
	}

	if s.timer.IsComplete() {
		s.timer.Stop()
		s.outputs = s.safeOutputs()
		s.transition(Completed)
		s.log.Info("run completed", "elapsed", s.timer.Elapsed().String())
		return s.outputs, nil
	}

	subOut, err := s.substrate.Update(substrateTemp, now)
	if err != nil {
		return s.abort(err), err
	}
	srcOut, err := s.source.Update(sourceTemp, now)
	if err != nil {
		return s.abort(err), err
	}

	s.outputs = Outputs{Substrate: subOut, Source: srcOut}
	return s.outputs, nil
}

// abort moves the run to Faulted and returns the safe-off outputs.
func (s *Supervisor) abort(err error) Outputs {
	s.timer.Stop()
	s.fault = err
	s.outputs = s.safeOutputs()
	s.transition(Faulted)
	s.log.Error("run faulted", "err", err, "elapsed", s.timer.Elapsed().String())
	return s.outputs
}

func (s *Supervisor) transition(to RunState) {
	s.log.Debug("state transition", "from", s.state.String(), "to", to.String())
	s.state = to
}

func (s *Supervisor) safeOutputs() Outputs {
	return Outputs{Substrate: s.safeOff, Source: s.safeOff}
}

// State returns the current run state.
func (s *Supervisor) State() RunState {
	return s.state
}

// Fault returns the reason the run faulted, or nil.
func (s *Supervisor) Fault() error {
	return s.fault
}

// Outputs returns the most recent actuator commands.
func (s *Supervisor) Outputs() Outputs {
	return s.outputs
}

// Elapsed returns the elapsed process time.
func (s *Supervisor) Elapsed() time.Duration {
	return s.timer.Elapsed()
}

// Remaining returns the process time left.
func (s *Supervisor) Remaining() time.Duration {
	return s.timer.Remaining()
}

// RunID returns the identifier of this run.
func (s *Supervisor) RunID() uuid.UUID {
	return s.runID
}

// Targets returns the substrate and source setpoints.
func (s *Supervisor) Targets() (substrate, source float64) {
	return s.substrate.Target(), s.source.Target()
}

// Parameters describes the run parameters on one line.
func (s *Supervisor) Parameters() string {
	return fmt.Sprintf("%s; %s; duration %s", s.substrate.Params(), s.source.Params(), s.timer.Target())
}

// SafeOff returns the actuator command applied when the run is not controlling.
func (s *Supervisor) SafeOff() float64 {
	return s.safeOff
}
