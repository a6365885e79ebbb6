package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/itohio/godepo/pkg/furnace"
	"github.com/itohio/godepo/pkg/monitor"
	"github.com/itohio/godepo/pkg/sample"
	"github.com/itohio/godepo/pkg/supervisor"
	"github.com/itohio/godepo/pkg/telemetry"
)

// ErrStreamClosed is returned when the sample stream ends before the run does.
var ErrStreamClosed = errors.New("sample stream closed")

const (
	// staleFactor is how many tick intervals may pass without a sample before warning.
	staleFactor = 3
	// statusQueue is how many statuses may wait for the publisher before new ones are dropped.
	statusQueue = 16
)

// Runner drives a Supervisor from a sample stream and applies its outputs to the furnace.
type Runner struct {
	sup     *supervisor.Supervisor
	dev     furnace.Device
	pub     telemetry.Publisher
	log     *slog.Logger
	records chan monitor.Record
	status  chan supervisor.Status

	tickInterval time.Duration
	now          func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithPublisher sets the telemetry publisher. The default discards status.
func WithPublisher(p telemetry.Publisher) Option {
	return func(r *Runner) { r.pub = p }
}

// WithTickInterval sets the expected sample cadence used for stale-sample warnings.
func WithTickInterval(d time.Duration) Option {
	return func(r *Runner) { r.tickInterval = d }
}

// WithClock sets the clock used for samples without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner. Records are sent to a buffered channel returned by Records.
func New(sup *supervisor.Supervisor, dev furnace.Device, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Runner{
		sup:          sup,
		dev:          dev,
		pub:          telemetry.Nop{},
		log:          logger.With("run", sup.RunID().String()),
		records:      make(chan monitor.Record, furnace.DefaultBufferSize),
		tickInterval: time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Records returns the per-tick record stream. It is closed when Run returns.
func (r *Runner) Records() <-chan monitor.Record {
	return r.records
}

// Run starts the process on the first sample and ticks the supervisor on every
// following one until the run completes or faults.
//
// It returns nil on completion, the fault on a faulted run, ctx.Err() on
// cancellation and ErrStreamClosed if samples stop first. Safe-off outputs are
// written to the device in every case.
//
// Status is published from a separate goroutine so a slow broker never delays
// a control tick; the final status is always delivered before Run returns.
func (r *Runner) Run(ctx context.Context, samples <-chan sample.Sample) error {
	r.status = make(chan supervisor.Status, statusQueue)
	published := make(chan struct{})
	go r.publishStatus(published)

	defer close(r.records)
	defer func() {
		r.safeOff()
		r.status <- r.sup.Snapshot()
		close(r.status)
		<-published
	}()

	r.log.Info("START", "parameters", r.sup.Parameters())

	stale := time.NewTimer(r.staleAfter())
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Warn("run cancelled", "state", r.sup.State().String(), "elapsed", r.sup.Elapsed().String())
			return ctx.Err()

		case <-stale.C:
			r.log.Warn("no samples received", "for", r.staleAfter().String())
			stale.Reset(r.staleAfter())

		case s, ok := <-samples:
			if !ok {
				r.log.Error("sample stream closed", "state", r.sup.State().String())
				return ErrStreamClosed
			}
			if !stale.Stop() {
				select {
				case <-stale.C:
				default:
				}
			}
			stale.Reset(r.staleAfter())

			done, err := r.step(s)
			if done || err != nil {
				return err
			}
		}
	}
}

// step runs one control cycle for s and reports whether the run has ended.
func (r *Runner) step(s sample.Sample) (bool, error) {
	now := s.Timestamp
	if now.IsZero() {
		now = r.now()
	}

	if r.sup.State() == supervisor.Idle {
		if err := r.sup.Start(now); err != nil {
			return true, err
		}
	}

	out, tickErr := r.sup.Tick(s.Substrate, s.Source, now)
	r.record(s, now)

	if r.sup.State().Terminal() {
		if tickErr != nil {
			return true, fmt.Errorf("run faulted: %w", tickErr)
		}
		r.log.Info("run finished", "state", r.sup.State().String(), "elapsed", r.sup.Elapsed().String())
		return true, nil
	}
	if tickErr != nil {
		return true, tickErr
	}

	if err := r.dev.SetOutputs(out.Substrate, out.Source); err != nil {
		return true, fmt.Errorf("failed to apply outputs: %w", err)
	}
	r.publish()

	return false, nil
}

func (r *Runner) record(s sample.Sample, now time.Time) {
	out := r.sup.Outputs()
	rec := monitor.Record{
		Timestamp:     now,
		Elapsed:       r.sup.Elapsed(),
		State:         r.sup.State(),
		SubstrateTemp: s.Substrate,
		SubstrateOut:  out.Substrate,
		SourceTemp:    s.Source,
		SourceOut:     out.Source,
	}

	select {
	case r.records <- rec:
	default:
		r.log.Warn("records channel full, dropping record")
	}
}

func (r *Runner) safeOff() {
	off := r.sup.SafeOff()
	if err := r.dev.SetOutputs(off, off); err != nil {
		r.log.Error("failed to write safe-off outputs", "err", err)
	}
}

// publish queues the current status without blocking.
func (r *Runner) publish() {
	select {
	case r.status <- r.sup.Snapshot():
	default:
		r.log.Debug("status queue full, dropping status")
	}
}

func (r *Runner) publishStatus(done chan<- struct{}) {
	defer close(done)
	for st := range r.status {
		if err := r.pub.Publish(st); err != nil {
			r.log.Warn("failed to publish status", "err", err)
		}
	}
}

func (r *Runner) staleAfter() time.Duration {
	if r.tickInterval <= 0 {
		return staleFactor * time.Second
	}
	return staleFactor * r.tickInterval
}
