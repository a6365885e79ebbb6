package furnace

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the baud rate of the furnace bridge firmware.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default size for the samples channel buffer.
	DefaultBufferSize = 100

	infoPrefix  = "INFO: "
	startPrefix = "START: "
)

// RawSample is one telemetry line from the furnace bridge.
type RawSample struct {
	Timestamp    time.Time     // Host receipt time, carries a monotonic reading
	DeviceTime   time.Duration // Bridge uptime reported on the line
	Substrate    float64       // Substrate temperature (°C), NaN on sensor fault
	SubstrateOut float64       // Substrate output currently applied by the bridge
	Source       float64       // Source temperature (°C), NaN on sensor fault
	SourceOut    float64       // Source output currently applied by the bridge
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial represents a connection to the furnace bridge MCU.
type Serial struct {
	port     string
	baudRate int
	bufSize  int
	log      *slog.Logger

	conn      serial.Port
	samples   chan RawSample
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // Closed when the reader exits
	connected bool
}

// New creates a new Serial device with the specified port, baud rate, and buffer size.
func New(port string, baudRate int, bufSize int, logger *slog.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Serial{
		port:      port,
		baudRate:  baudRate,
		bufSize:   bufSize,
		log:       logger.With("port", port),
		samples:   make(chan RawSample, bufSize),
		ctx:       ctx,
		cancel:    cancel,
		connected: false,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{
			Name:        name,
			Description: name,
		})
	}

	return result, nil
}

// Connect connects to the serial port and starts reading samples.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate,
	}

	port, err := serial.Open(d.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = port
	d.connected = true
	d.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		d.readSamples(port)
	}(d.done)

	return nil
}

// Close closes the connection and stops reading samples.
// The samples channel is closed once the reader exits.
func (d *Serial) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}

	d.cancel()

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.log.Warn("error closing serial port", "err", err)
		}
		d.conn = nil
	}

	d.connected = false
	done := d.done
	d.mu.Unlock()

	<-done
	return nil
}

// Samples returns the channel for reading samples.
func (d *Serial) Samples() <-chan RawSample {
	return d.samples
}

// SetOutputs sends the zone commands to the bridge.
func (d *Serial) SetOutputs(substrate, source float64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return fmt.Errorf("not connected")
	}

	if _, err := io.WriteString(d.conn, formatCommand(substrate, source)); err != nil {
		return fmt.Errorf("failed to send output command: %w", err)
	}

	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// readSamples reads lines from r and parses telemetry lines into RawSample.
// It closes the samples channel when r is exhausted or the device is closed.
func (d *Serial) readSamples(r io.Reader) {
	defer close(d.samples)
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("panic in readSamples", "panic", rec)
		}
	}()

	scanner := bufio.NewScanner(r)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					d.log.Error("error reading from serial port", "err", err)
				}
				return
			}

			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case strings.HasPrefix(line, startPrefix):
				d.log.Info("bridge started", "parameters", strings.TrimPrefix(line, startPrefix))
				continue
			case !strings.HasPrefix(line, infoPrefix):
				d.log.Debug("ignoring line", "line", line)
				continue
			}

			sample, err := parseLine(strings.TrimPrefix(line, infoPrefix), time.Now())
			if err != nil {
				d.log.Warn("failed to parse line", "line", line, "err", err)
				continue
			}

			// Send sample to channel (non-blocking)
			select {
			case d.samples <- sample:
			case <-d.ctx.Done():
				return
			default:
				d.log.Warn("samples channel full, dropping sample")
			}
		}
	}
}

// parseLine parses the payload of an INFO line.
// Format: uptime_ms,substrate_temp,substrate_out,source_temp,source_out
// Example: 120000,404.75,3.20,nan,0.00
//
// Temperatures may be "nan" or "inf" when a thermocouple is disconnected; they
// are passed through so the controller can fault on them.
func parseLine(payload string, now time.Time) (RawSample, error) {
	parts := strings.Split(payload, ",")
	if len(parts) != 5 {
		return RawSample{}, fmt.Errorf("invalid line format: expected 5 comma-separated values, got %d", len(parts))
	}

	uptime, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid uptime: %w", err)
	}
	if uptime < 0 {
		return RawSample{}, fmt.Errorf("negative uptime: %d", uptime)
	}

	values := make([]float64, 4)
	names := [4]string{"substrate temperature", "substrate output", "source temperature", "source output"}
	for i := range values {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i+1]), 64)
		if err != nil {
			return RawSample{}, fmt.Errorf("invalid %s: %w", names[i], err)
		}
		values[i] = v
	}

	return RawSample{
		Timestamp:    now,
		DeviceTime:   time.Duration(uptime) * time.Millisecond,
		Substrate:    values[0],
		SubstrateOut: values[1],
		Source:       values[2],
		SourceOut:    values[3],
	}, nil
}

// formatCommand builds the output command: "OUT <substrate>,<source>\n".
func formatCommand(substrate, source float64) string {
	return fmt.Sprintf("OUT %.2f,%.2f\n", substrate, source)
}
