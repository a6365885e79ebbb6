package sample

import (
	"io"
	"log/slog"
	"time"

	"github.com/itohio/godepo/pkg/furnace"
)

// NewAveragingConverter creates a converter that emits, for every RawSample, the
// moving average of the last windowSize samples. This reduces thermocouple noise.
//
// A NaN or infinite reading anywhere in the window makes the average non-finite,
// so a sensor fault reaches the controller instead of being smoothed away.
func NewAveragingConverter(windowSize int, bufSize int, logger *slog.Logger) Converter {
	if windowSize <= 0 {
		windowSize = 1 // No averaging if invalid
	}
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

			buffer := make([]Sample, 0, windowSize+1)
			for raw := range in {
				buffer = append(buffer, convertSample(raw))
				if len(buffer) > windowSize {
					buffer = buffer[1:] // Remove oldest
				}

				select {
				case out <- averageSamples(buffer):
				case <-time.After(time.Second):
					logger.Warn("averaging converter output channel full, dropping sample")
				}
			}
		}()

		return out
	}
}

// averageSamples averages a slice of Samples.
// Uses the most recent sample's timestamp.
func averageSamples(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}

	var sumSubstrate, sumSource float64
	for _, s := range samples {
		sumSubstrate += s.Substrate
		sumSource += s.Source
	}

	n := float64(len(samples))
	return Sample{
		Timestamp: samples[len(samples)-1].Timestamp,
		Substrate: sumSubstrate / n,
		Source:    sumSource / n,
	}
}
