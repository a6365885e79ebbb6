package furnace

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/godepo/pkg/config"
)

// Zone identifies one heater zone of the furnace.
type Zone int

const (
	Substrate Zone = iota
	Source
)

func (z Zone) String() string {
	switch z {
	case Substrate:
		return "substrate"
	case Source:
		return "source"
	default:
		return fmt.Sprintf("zone(%d)", int(z))
	}
}

// Mock simulates a two-zone furnace for testing and development.
type Mock struct {
	cfg *config.MockConfig

	samples   chan RawSample
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // Closed when the generator exits
	connected bool

	// Applied outputs
	outputs [2]float64
	// Zones whose thermocouple reads NaN
	faulted [2]bool

	// Simulation state
	origin       time.Time // Start of the simulated timeline
	temperatures [2]float64
	steps        int64
}

// NewMock creates a new mocked furnace.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mock{
		cfg:          cfg,
		samples:      make(chan RawSample, DefaultBufferSize),
		ctx:          ctx,
		cancel:       cancel,
		connected:    false,
		origin:       time.Now(),
		temperatures: [2]float64{cfg.Ambient, cfg.Ambient},
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.done = make(chan struct{})
	m.origin = time.Now()

	go m.generateSamples()

	return nil
}

// Close stops the mocked device. The samples channel is closed once the generator exits.
func (m *Mock) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.connected = false
	done := m.done
	m.mu.Unlock()

	<-done
	return nil
}

// Samples returns the channel for reading samples.
func (m *Mock) Samples() <-chan RawSample {
	return m.samples
}

// SetOutputs sets the simulated heater commands.
func (m *Mock) SetOutputs(substrate, source float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}

	m.outputs = [2]float64{substrate, source}

	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Outputs returns the most recently applied commands.
func (m *Mock) Outputs() (substrate, source float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outputs[Substrate], m.outputs[Source]
}

// InjectFault makes the zone's thermocouple read NaN from now on.
func (m *Mock) InjectFault(z Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faulted[z] = true
}

// generateSamples generates simulated samples.
func (m *Mock) generateSamples() {
	defer close(m.done)
	defer close(m.samples)

	rate := m.cfg.SampleRate
	if rate <= 0 {
		rate = 100 * time.Millisecond
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			sample := m.generateSample(time.Now())
			select {
			case m.samples <- sample:
			case <-m.ctx.Done():
				return
			default:
				// Channel full, skip
			}
		}
	}
}

// generateSample advances the thermal model by one sample period.
// With a time scale other than 1 the sample is stamped on the simulated timeline
// so the process timer and the controller see simulated time.
func (m *Mock) generateSample(now time.Time) RawSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := m.cfg.SampleRate.Seconds() * m.cfg.TimeScale
	m.steps++
	simTime := time.Duration(float64(m.steps) * dt * float64(time.Second))

	var readings [2]float64
	for z := range m.temperatures {
		m.temperatures[z] = m.step(m.temperatures[z], m.outputs[z], dt)

		// Add noise
		phase := float64(m.steps) * (1 + 0.37*float64(z))
		readings[z] = m.temperatures[z] + (math.Sin(phase*0.7)+math.Cos(phase*1.3))*m.cfg.NoiseLevel*0.5

		if m.faulted[z] {
			readings[z] = math.NaN()
		}
	}

	if m.cfg.TimeScale != 1 {
		now = m.origin.Add(simTime)
	}

	return RawSample{
		Timestamp:    now,
		DeviceTime:   simTime,
		Substrate:    readings[Substrate],
		SubstrateOut: m.outputs[Substrate],
		Source:       readings[Source],
		SourceOut:    m.outputs[Source],
	}
}

// step applies a first-order lag toward the steady-state temperature for the given output.
// T = T + dt/tau * (ambient + gain*out - T)
func (m *Mock) step(temp, output, dt float64) float64 {
	steady := m.cfg.Ambient + m.cfg.Gain*output
	tau := m.cfg.TimeConstant.Seconds()
	if tau <= 0 {
		return steady
	}
	alpha := dt / tau
	if alpha > 1 {
		alpha = 1
	}
	return temp + alpha*(steady-temp)
}
