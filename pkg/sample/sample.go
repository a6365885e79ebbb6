package sample

import (
	"io"
	"log/slog"
	"time"

	"github.com/itohio/godepo/pkg/furnace"
)

// Sample is a pair of zone temperatures taken at one instant.
type Sample struct {
	Timestamp time.Time // Host monotonic time
	Substrate float64   // Substrate temperature (°C)
	Source    float64   // Source temperature (°C)
}

// Converter is a function type that converts RawSample channel to Sample channel.
type Converter func(in <-chan furnace.RawSample) <-chan Sample

// NewConverter creates a converter function that transforms RawSample to Sample.
func NewConverter(bufSize int, logger *slog.Logger) Converter {
	if bufSize <= 0 {
		bufSize = 100
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return func(in <-chan furnace.RawSample) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			for raw := range in {
				select {
				case out <- convertSample(raw):
				case <-time.After(time.Second):
					logger.Warn("converter output channel full, dropping sample")
				}
			}
		}()

		return out
	}
}

// convertSample converts a RawSample to Sample. Non-finite readings pass through unchanged.
func convertSample(raw furnace.RawSample) Sample {
	return Sample{
		Timestamp: raw.Timestamp,
		Substrate: raw.Substrate,
		Source:    raw.Source,
	}
}
