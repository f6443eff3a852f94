// Package perf records named performance marks.
package perf

import (
	"strings"
	"sync"
	"time"

	"phasehost/internal/eventbus"
)

// EventMark is published on the bus for every recorded mark.
const EventMark = "perf.mark"

const defaultMaxMarks = 4096

type Mark struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Recorder keeps an ordered, bounded list of marks. Marks are purely
// observational; Mark never blocks and never fails.
type Recorder struct {
	mu    sync.Mutex
	marks []Mark
	max   int
	start time.Time

	bus eventbus.Bus
}

func NewRecorder(bus eventbus.Bus) *Recorder {
	return &Recorder{max: defaultMaxMarks, start: time.Now(), bus: bus}
}

func (r *Recorder) Mark(name string) {
	if r == nil {
		return
	}
	m := Mark{Name: name, At: time.Now()}
	r.mu.Lock()
	if len(r.marks) >= r.max {
		// drop oldest half; keeps appends amortized O(1)
		n := copy(r.marks, r.marks[len(r.marks)/2:])
		r.marks = r.marks[:n]
	}
	r.marks = append(r.marks, m)
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventMark, Time: m.At, Data: m})
	}
}

// Marks returns a copy of the recorded marks, optionally limited to names
// with the given prefix.
func (r *Recorder) Marks(prefix string) []Mark {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Mark, 0, len(r.marks))
	for _, m := range r.marks {
		if prefix == "" || strings.HasPrefix(m.Name, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Since returns the time elapsed between recorder creation and the first
// mark called name.
func (r *Recorder) Since(name string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.marks {
		if m.Name == name {
			return m.At.Sub(r.start), true
		}
	}
	return 0, false
}
