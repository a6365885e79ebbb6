package monitor

import (
	"sync"
	"time"

	"github.com/itohio/godepo/pkg/supervisor"
)

var _ RunMonitor = (*Recorder)(nil)

// Record is one control cycle as seen by the runner.
type Record struct {
	Timestamp     time.Time
	Elapsed       time.Duration
	State         supervisor.RunState
	SubstrateTemp float64
	SubstrateOut  float64
	SourceTemp    float64
	SourceOut     float64
}

// RunMonitor keeps a time window of records and notifies listeners.
type RunMonitor interface {
	ProcessRecords(input <-chan Record)
	Records() []Record               // Records in the window, oldest first
	OnUpdate(func(records []Record)) // Register callback for updates
	Interval(threshold float64) (Interval, bool)
}

// Recorder implements RunMonitor.
// Records older than the window (by timestamp) are dropped.
type Recorder struct {
	window time.Duration

	records []Record
	mu      sync.RWMutex

	callbacks []func(records []Record)
	cbMu      sync.RWMutex

	// Set when the input channel closes; no callbacks after that
	shutdown bool
}

// New creates a Recorder keeping records for the given window.
// A non-positive window keeps everything.
func New(window time.Duration) *Recorder {
	return &Recorder{
		window:    window,
		records:   make([]Record, 0),
		callbacks: make([]func(records []Record), 0),
	}
}

// ProcessRecords consumes the input channel until it is closed.
func (r *Recorder) ProcessRecords(input <-chan Record) {
	for rec := range input {
		r.Add(rec)
	}
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}

// Add appends a record, trims the window and notifies callbacks.
func (r *Recorder) Add(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)

	if r.window > 0 {
		cutoff := rec.Timestamp.Add(-r.window)
		idx := 0
		for idx < len(r.records) && !r.records[idx].Timestamp.After(cutoff) {
			idx++
		}
		if idx > 0 {
			r.records = r.records[idx:]
		}
	}

	shouldNotify := !r.shutdown
	r.mu.Unlock()

	if shouldNotify {
		r.notifyCallbacks()
	}
}

// Records returns a copy of the current records.
func (r *Recorder) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Record, len(r.records))
	copy(result, r.records)
	return result
}

// Last returns the most recent record.
func (r *Recorder) Last() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.records) == 0 {
		return Record{}, false
	}
	return r.records[len(r.records)-1], true
}

// OnUpdate registers a callback invoked after every record.
// The callback receives a copy and should return quickly.
func (r *Recorder) OnUpdate(callback func(records []Record)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// ResetShutdown allows callbacks again before feeding a new channel.
func (r *Recorder) ResetShutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = false
}

func (r *Recorder) notifyCallbacks() {
	records := r.Records()

	r.cbMu.RLock()
	callbacks := make([]func(records []Record), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(records)
		}
	}
}
