package runner

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/itohio/godepo/pkg/config"
	"github.com/itohio/godepo/pkg/control"
	"github.com/itohio/godepo/pkg/furnace"
	"github.com/itohio/godepo/pkg/monitor"
	"github.com/itohio/godepo/pkg/sample"
	"github.com/itohio/godepo/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu       sync.Mutex
	writes   []supervisor.Outputs
	writeErr error
}

func (d *fakeDevice) Connect() error                    { return nil }
func (d *fakeDevice) Close() error                      { return nil }
func (d *fakeDevice) Samples() <-chan furnace.RawSample { return nil }
func (d *fakeDevice) IsConnected() bool                 { return true }
func (d *fakeDevice) SetOutputs(substrate, source float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, supervisor.Outputs{Substrate: substrate, Source: source})
	return d.writeErr
}

func (d *fakeDevice) last() supervisor.Outputs {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[len(d.writes)-1]
}

type fakePublisher struct {
	mu       sync.Mutex
	delay    time.Duration
	statuses []supervisor.Status
}

func (p *fakePublisher) Publish(s supervisor.Status) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, s)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func testConfig(duration time.Duration) *config.Config {
	cfg := config.Default()
	cfg.Process.Duration = duration
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config, dev furnace.Device, opts ...Option) (*Runner, *supervisor.Supervisor) {
	t.Helper()
	sup, err := supervisor.New(cfg, nil)
	require.NoError(t, err)
	return New(sup, dev, nil, opts...), sup
}

func feed(start time.Time, n int, substrate, source func(i int) float64) chan sample.Sample {
	ch := make(chan sample.Sample, n)
	for i := 0; i < n; i++ {
		ch <- sample.Sample{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Substrate: substrate(i),
			Source:    source(i),
		}
	}
	return ch
}

func constant(v float64) func(int) float64 {
	return func(int) float64 { return v }
}

func drain(records <-chan monitor.Record) []monitor.Record {
	var out []monitor.Record
	for rec := range records {
		out = append(out, rec)
	}
	return out
}

func TestRunner_Completes(t *testing.T) {
	dev := &fakeDevice{}
	pub := &fakePublisher{}
	r, sup := newRunner(t, testConfig(10*time.Second), dev, WithPublisher(pub))

	samples := feed(time.Now(), 15, constant(400), constant(440))
	require.NoError(t, r.Run(context.Background(), samples))

	assert.Equal(t, supervisor.Completed, sup.State())
	assert.Equal(t, 10*time.Second, sup.Elapsed())
	assert.Len(t, samples, 4, "runner stops consuming once complete")

	// First write is kp*error only: 0.02*5 and 0.02*5.
	require.NotEmpty(t, dev.writes)
	assert.InDelta(t, 0.1, dev.writes[0].Substrate, 1e-9)
	assert.InDelta(t, 0.1, dev.writes[0].Source, 1e-9)
	assert.Equal(t, supervisor.Outputs{}, dev.last())

	records := drain(r.Records())
	require.Len(t, records, 11)
	assert.Equal(t, supervisor.Running, records[0].State)
	assert.Equal(t, supervisor.Completed, records[10].State)
	assert.Equal(t, 10*time.Second, records[10].Elapsed)

	require.NotEmpty(t, pub.statuses)
	final := pub.statuses[len(pub.statuses)-1]
	assert.Equal(t, supervisor.Completed, final.State)
	assert.Equal(t, int64(10000), final.ElapsedMs)
}

func TestRunner_FaultsOnInvalidReading(t *testing.T) {
	dev := &fakeDevice{}
	r, sup := newRunner(t, testConfig(time.Hour), dev)

	substrate := func(i int) float64 {
		if i == 3 {
			return math.NaN()
		}
		return 400
	}
	samples := feed(time.Now(), 6, substrate, constant(440))

	err := r.Run(context.Background(), samples)
	require.Error(t, err)
	assert.ErrorIs(t, err, control.ErrInvalidReading)
	assert.Equal(t, supervisor.Faulted, sup.State())
	assert.Equal(t, supervisor.Outputs{}, dev.last())

	records := drain(r.Records())
	require.Len(t, records, 4)
	assert.Equal(t, supervisor.Faulted, records[3].State)
	assert.True(t, math.IsNaN(records[3].SubstrateTemp))
}

func TestRunner_Cancelled(t *testing.T) {
	dev := &fakeDevice{}
	cfg := testConfig(time.Hour)
	cfg.Actuator.SafeOff = 1
	r, sup := newRunner(t, cfg, dev)

	samples := feed(time.Now(), 2, constant(400), constant(440))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx, samples)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, supervisor.Running, sup.State())
	assert.Equal(t, supervisor.Outputs{Substrate: 1, Source: 1}, dev.last())
}

func TestRunner_StreamClosed(t *testing.T) {
	dev := &fakeDevice{}
	r, _ := newRunner(t, testConfig(time.Hour), dev)

	samples := feed(time.Now(), 2, constant(400), constant(440))
	close(samples)

	err := r.Run(context.Background(), samples)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, supervisor.Outputs{}, dev.last())
	assert.Len(t, drain(r.Records()), 2)
}

func TestRunner_DeviceWriteError(t *testing.T) {
	writeErr := errors.New("port gone")
	dev := &fakeDevice{writeErr: writeErr}
	r, _ := newRunner(t, testConfig(time.Hour), dev)

	err := r.Run(context.Background(), feed(time.Now(), 1, constant(400), constant(440)))
	assert.ErrorIs(t, err, writeErr)
}

func TestRunner_StampsMissingTimestamps(t *testing.T) {
	dev := &fakeDevice{}
	start := time.Now()
	var calls int
	clock := func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * time.Second)
	}
	r, sup := newRunner(t, testConfig(3*time.Second), dev, WithClock(clock))

	samples := make(chan sample.Sample, 10)
	for i := 0; i < 10; i++ {
		samples <- sample.Sample{Substrate: 400, Source: 440}
	}

	require.NoError(t, r.Run(context.Background(), samples))
	assert.Equal(t, supervisor.Completed, sup.State())
	assert.Equal(t, 4, calls)
}

func TestRunner_MockFurnace(t *testing.T) {
	cfg := config.Default()
	cfg.Mock.SampleRate = 2 * time.Millisecond
	cfg.Mock.TimeScale = 3000 // 6 s of furnace time per sample
	dev := furnace.NewMock(&cfg.Mock)
	require.NoError(t, dev.Connect())
	defer dev.Close()

	r, sup := newRunner(t, cfg, dev, WithTickInterval(10*time.Millisecond))

	rec := monitor.New(0)
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.ProcessRecords(r.Records())
	}()

	samples := sample.NewConverter(10, nil)(dev.Samples())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wall := time.Now()
	require.NoError(t, r.Run(ctx, samples))
	<-recDone

	// A one hour deposition at 3000x takes about a second of wall time.
	assert.Less(t, time.Since(wall), 30*time.Second)
	assert.Equal(t, supervisor.Completed, sup.State())
	assert.GreaterOrEqual(t, sup.Elapsed(), time.Hour)

	substrate, source := dev.Outputs()
	assert.Equal(t, float64(0), substrate)
	assert.Equal(t, float64(0), source)

	records := rec.Records()
	require.NotEmpty(t, records)
	assert.Equal(t, supervisor.Completed, records[len(records)-1].State)
	for _, record := range records {
		assert.NotEqual(t, supervisor.Faulted, record.State)
		assert.Less(t, record.SubstrateTemp, cfg.Limits.MaxTemperature)
		assert.Less(t, record.SourceTemp, cfg.Limits.MaxTemperature)
	}
}

func TestRunner_MockFurnaceFault(t *testing.T) {
	mockCfg := config.Default().Mock
	mockCfg.SampleRate = 2 * time.Millisecond
	dev := furnace.NewMock(&mockCfg)
	dev.InjectFault(furnace.Source)
	require.NoError(t, dev.Connect())
	defer dev.Close()

	r, sup := newRunner(t, testConfig(time.Hour), dev)
	samples := sample.NewAveragingConverter(4, 10, nil)(dev.Samples())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.Run(ctx, samples)
	assert.ErrorIs(t, err, control.ErrInvalidReading)
	assert.Equal(t, supervisor.Faulted, sup.State())
	assert.Error(t, sup.Fault())
}

func TestRunner_SlowPublisherDoesNotStallControl(t *testing.T) {
	dev := &fakeDevice{}
	pub := &fakePublisher{delay: 100 * time.Millisecond}
	r, sup := newRunner(t, testConfig(50*time.Second), dev, WithPublisher(pub))

	samples := feed(time.Now(), 51, constant(400), constant(440))

	wall := time.Now()
	require.NoError(t, r.Run(context.Background(), samples))
	elapsed := time.Since(wall)

	assert.Equal(t, supervisor.Completed, sup.State())
	assert.Len(t, dev.writes, 51, "50 control writes plus safe-off")

	// Publishing every tick synchronously would take over 5 s.
	assert.Less(t, elapsed, 4*time.Second)

	require.NotEmpty(t, pub.statuses)
	assert.LessOrEqual(t, len(pub.statuses), 51)
	assert.Equal(t, supervisor.Completed, pub.statuses[len(pub.statuses)-1].State)
}
