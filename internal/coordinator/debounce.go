package coordinator

import (
	"sync"
	"time"

	"relayreel/internal/types"
)

type debounceState int

const (
	stateIdle debounceState = iota
	stateBuffering
	stateFlushing
)

func (s debounceState) String() string {
	switch s {
	case stateBuffering:
		return "buffering"
	case stateFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// Debouncer batches events until the stream has been quiet for a while.
//
// idle -> buffering on the first event. Each further event restarts the
// quiet period, up to maxDelay after the first one. When the period ends the
// batch is handed to flush (flushing); events arriving meanwhile are kept
// and start a new buffering period once flush returns, otherwise the state
// goes back to idle. Stop discards whatever is buffered.
type Debouncer struct {
	quiet    time.Duration
	maxDelay time.Duration
	flush    func([]types.Event)

	mu      sync.Mutex
	state   debounceState
	buf     []types.Event
	first   time.Time
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates an idle debouncer.
func NewDebouncer(quiet time.Duration, flush func([]types.Event)) *Debouncer {
	return &Debouncer{quiet: quiet, maxDelay: 4 * quiet, flush: flush}
}

// Add buffers evt.
func (d *Debouncer) Add(evt types.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.buf = append(d.buf, evt)

	switch d.state {
	case stateIdle:
		d.startBuffering()
	case stateBuffering:
		if time.Since(d.first) < d.maxDelay {
			d.timer.Reset(d.quiet)
		}
	case stateFlushing:
		// picked up when the running flush returns
	}
}

// startBuffering arms the timer. Caller holds mu.
func (d *Debouncer) startBuffering() {
	d.state = stateBuffering
	d.first = time.Now()
	d.timer = time.AfterFunc(d.quiet, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped || d.state != stateBuffering {
		d.mu.Unlock()
		return
	}
	batch := d.buf
	d.buf = nil
	d.state = stateFlushing
	d.mu.Unlock()

	if len(batch) > 0 {
		d.flush(batch)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.stopped:
		d.state = stateIdle
	case len(d.buf) > 0:
		d.startBuffering()
	default:
		d.state = stateIdle
	}
}

// Stop discards the buffer. Later Adds are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.buf = nil
	if d.timer != nil {
		d.timer.Stop()
	}
	if d.state == stateBuffering {
		d.state = stateIdle
	}
}

// State reports the current state name.
func (d *Debouncer) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}
