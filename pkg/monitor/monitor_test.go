package monitor

import (
	"testing"
	"time"

	"github.com/itohio/godepo/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(start time.Time, sec int, source float64) Record {
	return Record{
		Timestamp:     start.Add(time.Duration(sec) * time.Second),
		Elapsed:       time.Duration(sec) * time.Second,
		State:         supervisor.Running,
		SubstrateTemp: 400,
		SourceTemp:    source,
	}
}

func TestNew(t *testing.T) {
	r := New(time.Minute)
	assert.Equal(t, time.Minute, r.window)
	assert.Empty(t, r.Records())
	_, ok := r.Last()
	assert.False(t, ok)
}

func TestRecorder_WindowTrimming(t *testing.T) {
	r := New(10 * time.Second)
	start := time.Now()

	for i := 0; i <= 20; i++ {
		r.Add(record(start, i, float64(i)))
	}

	records := r.Records()
	require.Len(t, records, 10)
	assert.Equal(t, float64(11), records[0].SourceTemp)
	assert.Equal(t, float64(20), records[len(records)-1].SourceTemp)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, last.Elapsed)
}

func TestRecorder_UnboundedWindow(t *testing.T) {
	r := New(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		r.Add(record(start, i*3600, 0))
	}
	assert.Len(t, r.Records(), 100)
}

func TestRecorder_RecordsIsCopy(t *testing.T) {
	r := New(time.Minute)
	r.Add(record(time.Now(), 0, 1))

	records := r.Records()
	records[0].SourceTemp = 999
	assert.Equal(t, float64(1), r.Records()[0].SourceTemp)
}

func TestRecorder_OnUpdate(t *testing.T) {
	r := New(time.Minute)

	var got [][]Record
	r.OnUpdate(func(records []Record) {
		got = append(got, records)
	})
	r.OnUpdate(nil)

	start := time.Now()
	r.Add(record(start, 0, 1))
	r.Add(record(start, 1, 2))

	require.Len(t, got, 2)
	assert.Len(t, got[0], 1)
	assert.Len(t, got[1], 2)
}

func TestRecorder_ProcessRecords(t *testing.T) {
	r := New(time.Minute)

	input := make(chan Record, 5)
	start := time.Now()
	for i := 0; i < 5; i++ {
		input <- record(start, i, float64(i))
	}
	close(input)

	r.ProcessRecords(input)
	assert.Len(t, r.Records(), 5)
	assert.True(t, r.shutdown)

	r.ResetShutdown()
	assert.False(t, r.shutdown)
}

func TestRecorder_NoCallbacksAfterShutdown(t *testing.T) {
	r := New(time.Minute)

	count := 0
	r.OnUpdate(func([]Record) { count++ })

	input := make(chan Record, 1)
	input <- record(time.Now(), 0, 0)
	close(input)

	done := make(chan struct{})
	go func() {
		r.ProcessRecords(input)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessRecords did not return after input closed")
	}
	assert.Equal(t, 1, count)

	r.Add(record(time.Now(), 1, 0))
	assert.Equal(t, 1, count, "no callbacks after shutdown")
	assert.Len(t, r.Records(), 2)
}
