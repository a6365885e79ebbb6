package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate when the configuration cannot drive a run.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Substrate   ZoneConfig        `yaml:"substrate"`
	Source      ZoneConfig        `yaml:"source"`
	Process     ProcessConfig     `yaml:"process"`
	Actuator    ActuatorConfig    `yaml:"actuator"`
	Limits      LimitsConfig      `yaml:"limits"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Mock        MockConfig        `yaml:"mock"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// ZoneConfig holds the setpoint and PD gains of one heater zone.
// The zone target is Temperature + Offset.
type ZoneConfig struct {
	Temperature int     `yaml:"temperature"` // Base temperature (°C)
	Offset      int     `yaml:"offset"`      // Added to the base temperature (°C)
	Kp          float64 `yaml:"kp"`
	Kd          float64 `yaml:"kd"`
}

// Target returns the zone setpoint.
func (z ZoneConfig) Target() int {
	return z.Temperature + z.Offset
}

// ProcessConfig contains the deposition timing.
type ProcessConfig struct {
	Duration     time.Duration `yaml:"duration"`
	TickInterval time.Duration `yaml:"tick_interval"` // Expected sample cadence, used for stale-sample warnings
}

// ActuatorConfig defines the valid heater command range.
type ActuatorConfig struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	SafeOff float64 `yaml:"safe_off"` // Output used when the run is not actively controlling
}

// LimitsConfig is the physically plausible temperature range; readings outside it are faults.
type LimitsConfig struct {
	MinTemperature float64 `yaml:"min_temperature"`
	MaxTemperature float64 `yaml:"max_temperature"`
}

// MeasurementConfig contains sample processing parameters.
type MeasurementConfig struct {
	AverageSamples      int           `yaml:"average_samples"`      // Number of samples to average (0 = disabled, default)
	Window              time.Duration `yaml:"window"`               // Run history kept by the recorder
	IntervalTemperature float64       `yaml:"interval_temperature"` // Source temperature that delimits the sublimation interval
}

// MockConfig contains the simulated furnace parameters.
type MockConfig struct {
	Ambient      float64       `yaml:"ambient"`       // Starting and ambient temperature (°C)
	Gain         float64       `yaml:"gain"`          // Steady-state °C above ambient per unit of output
	TimeConstant time.Duration `yaml:"time_constant"` // First-order thermal lag
	NoiseLevel   float64       `yaml:"noise_level"`   // Peak noise amplitude (°C)
	SampleRate   time.Duration `yaml:"sample_rate"`   // Sample rate
	TimeScale    float64       `yaml:"time_scale"`    // Simulated seconds per real second; samples carry simulated timestamps when not 1
}

// MQTTConfig configures status publishing. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
		},
		Substrate: ZoneConfig{
			Temperature: 400,
			Offset:      5,
			Kp:          0.02,
			Kd:          0.60,
		},
		Source: ZoneConfig{
			Temperature: 430,
			Offset:      15,
			Kp:          0.02,
			Kd:          0.40,
		},
		Process: ProcessConfig{
			Duration:     60 * 60 * 1000 * time.Millisecond,
			TickInterval: time.Second,
		},
		Actuator: ActuatorConfig{
			Min:     0,
			Max:     100,
			SafeOff: 0,
		},
		Limits: LimitsConfig{
			MinTemperature: -50,
			MaxTemperature: 1200,
		},
		Measurement: MeasurementConfig{
			AverageSamples:      0, // No averaging by default
			Window:              2 * time.Hour,
			IntervalTemperature: 440,
		},
		Mock: MockConfig{
			Ambient:      25,
			Gain:         500,
			TimeConstant: 10 * time.Minute,
			NoiseLevel:   0.2,
			SampleRate:   100 * time.Millisecond,
			TimeScale:    1,
		},
		MQTT: MQTTConfig{
			Broker:   "",
			Topic:    "godepo/status",
			ClientID: "godepo",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration describes a runnable process.
func (c *Config) Validate() error {
	if c.Actuator.Min >= c.Actuator.Max {
		return fmt.Errorf("%w: actuator min %g must be below max %g", ErrInvalidConfig, c.Actuator.Min, c.Actuator.Max)
	}
	if c.Actuator.SafeOff < c.Actuator.Min || c.Actuator.SafeOff > c.Actuator.Max {
		return fmt.Errorf("%w: actuator safe_off %g outside [%g, %g]", ErrInvalidConfig, c.Actuator.SafeOff, c.Actuator.Min, c.Actuator.Max)
	}
	if c.Process.Duration <= 0 {
		return fmt.Errorf("%w: process duration must be positive, got %s", ErrInvalidConfig, c.Process.Duration)
	}
	if c.Limits.MinTemperature >= c.Limits.MaxTemperature {
		return fmt.Errorf("%w: limits min_temperature %g must be below max_temperature %g", ErrInvalidConfig, c.Limits.MinTemperature, c.Limits.MaxTemperature)
	}

	zones := []struct {
		name string
		zone ZoneConfig
	}{
		{"substrate", c.Substrate},
		{"source", c.Source},
	}
	for _, z := range zones {
		target := float64(z.zone.Target())
		if target < c.Limits.MinTemperature || target > c.Limits.MaxTemperature {
			return fmt.Errorf("%w: %s target %g outside limits", ErrInvalidConfig, z.name, target)
		}
		if z.zone.Kp < 0 || z.zone.Kd < 0 || math.IsNaN(z.zone.Kp) || math.IsNaN(z.zone.Kd) {
			return fmt.Errorf("%w: %s gains must be non-negative", ErrInvalidConfig, z.name)
		}
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	// A zone section that is present but empty falls back to the defaults as a whole,
	// since zero offsets and gains are otherwise legitimate values.
	if c.Substrate == (ZoneConfig{}) {
		c.Substrate = def.Substrate
	}
	if c.Source == (ZoneConfig{}) {
		c.Source = def.Source
	}

	if c.Process.Duration == 0 {
		c.Process.Duration = def.Process.Duration
	}
	if c.Process.TickInterval == 0 {
		c.Process.TickInterval = def.Process.TickInterval
	}

	if c.Actuator.Min == 0 && c.Actuator.Max == 0 {
		c.Actuator = def.Actuator
	}

	if c.Limits.MinTemperature == 0 && c.Limits.MaxTemperature == 0 {
		c.Limits = def.Limits
	}

	if c.Measurement.Window == 0 {
		c.Measurement.Window = def.Measurement.Window
	}
	if c.Measurement.IntervalTemperature == 0 {
		c.Measurement.IntervalTemperature = def.Measurement.IntervalTemperature
	}

	if c.Mock.Gain == 0 {
		c.Mock.Gain = def.Mock.Gain
	}
	if c.Mock.TimeConstant == 0 {
		c.Mock.TimeConstant = def.Mock.TimeConstant
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.TimeScale == 0 {
		c.Mock.TimeScale = def.Mock.TimeScale
	}

	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
}
