package monitor

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Stats summarises one zone's temperature over an interval.
type Stats struct {
	Median float64
	StdDev float64
}

func (s Stats) String() string {
	return fmt.Sprintf("%.2f°C\\%.2f°C", s.Median, s.StdDev)
}

// Interval is the sublimation window: the span during which the source zone sat above a threshold.
type Interval struct {
	Threshold float64
	Start     time.Time
	End       time.Time
	Substrate Stats
	Source    Stats
}

// Duration returns End - Start.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) String() string {
	d := i.Duration().Truncate(time.Second)
	return fmt.Sprintf("%dm %ds substrate %s source %s",
		int(d.Minutes()), int(d.Seconds())%60, i.Substrate, i.Source)
}

// Interval finds the sublimation interval in the current records.
// It starts at the first record whose source temperature exceeds threshold and ends
// at the last later record still at or above it. Statistics cover [start, end).
// ok is false when no such interval exists.
func (r *Recorder) Interval(threshold float64) (Interval, bool) {
	records := r.Records()
	return findInterval(records, threshold)
}

func findInterval(records []Record, threshold float64) (Interval, bool) {
	left, right := -1, -1
	for i, rec := range records {
		switch {
		case left < 0 && rec.SourceTemp > threshold:
			left = i
		case left >= 0 && rec.SourceTemp >= threshold:
			right = i
		}
	}
	if left < 0 || right < 0 {
		return Interval{}, false
	}

	span := records[left:right]
	substrate := make([]float64, 0, len(span))
	source := make([]float64, 0, len(span))
	for _, rec := range span {
		substrate = append(substrate, rec.SubstrateTemp)
		source = append(source, rec.SourceTemp)
	}

	return Interval{
		Threshold: threshold,
		Start:     records[left].Timestamp,
		End:       records[right].Timestamp,
		Substrate: stats(substrate),
		Source:    stats(source),
	}, true
}

// stats returns the median and population standard deviation of values.
func stats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	return Stats{Median: median, StdDev: math.Sqrt(sq / float64(n))}
}
