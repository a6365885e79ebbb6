package sample

import (
	"math"
	"testing"
	"time"

	"github.com/itohio/godepo/pkg/furnace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertSample(t *testing.T) {
	now := time.Now()
	raw := furnace.RawSample{
		Timestamp:    now,
		DeviceTime:   time.Minute,
		Substrate:    404.5,
		SubstrateOut: 2.1,
		Source:       444.25,
		SourceOut:    3.3,
	}

	got := convertSample(raw)
	assert.Equal(t, Sample{Timestamp: now, Substrate: 404.5, Source: 444.25}, got)
}

func TestConvertSample_PassesFaults(t *testing.T) {
	got := convertSample(furnace.RawSample{Substrate: math.NaN(), Source: math.Inf(-1)})
	assert.True(t, math.IsNaN(got.Substrate))
	assert.True(t, math.IsInf(got.Source, -1))
}

func TestNewConverter(t *testing.T) {
	converter := NewConverter(10, nil)

	in := make(chan furnace.RawSample, 10)
	out := converter(in)

	now := time.Now()
	for i := 0; i < 5; i++ {
		in <- furnace.RawSample{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Substrate: float64(100 + i),
			Source:    float64(200 + i),
		}
	}
	close(in)

	var samples []Sample
	for s := range out {
		samples = append(samples, s)
	}

	require.Len(t, samples, 5)
	for i, s := range samples {
		assert.Equal(t, now.Add(time.Duration(i)*time.Second), s.Timestamp)
		assert.Equal(t, float64(100+i), s.Substrate)
		assert.Equal(t, float64(200+i), s.Source)
	}
}

func TestNewConverter_DefaultBufferSize(t *testing.T) {
	converter := NewConverter(0, nil)
	in := make(chan furnace.RawSample)
	out := converter(in)
	assert.Equal(t, 100, cap(out))
	close(in)
}
