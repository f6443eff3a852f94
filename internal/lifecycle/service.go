package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"phasehost/internal/eventbus"
	logx "phasehost/pkg/logx"
)

var ErrPhaseRegression = errors.New("lifecycle phase cannot move backwards")

// EventPhase is published on the bus each time a phase is reached.
const EventPhase = "lifecycle.phase"

// PhaseEvent is the payload of EventPhase.
type PhaseEvent struct {
	Phase   Phase         `json:"phase"`
	Name    string        `json:"name"`
	Elapsed time.Duration `json:"elapsed"`
}

// Reached records when a phase was entered.
type Reached struct {
	Phase Phase
	At    time.Time
}

// Service is the source of truth for the host's current phase.
//
// Phases only move forward. Setting a phase marks every earlier phase as
// reached too, so waiters on skipped phases are released in order.
type Service struct {
	mu      sync.Mutex
	phase   Phase
	waiters map[Phase]chan struct{}
	history []Reached
	born    time.Time

	log logx.Logger
	bus eventbus.Bus
}

func New(log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		waiters: map[Phase]chan struct{}{},
		born:    time.Now(),
		log:     log,
		bus:     bus,
	}
	for _, p := range Phases() {
		s.waiters[p] = make(chan struct{})
	}
	return s
}

// Phase returns the current phase (zero before Starting).
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// When returns a channel that is closed once p has been reached.
// Each call returns the same channel for the same phase.
func (s *Service) When(p Phase) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[p]
	if !ok {
		// Unknown phases are never reached.
		ch = make(chan struct{})
		s.waiters[p] = ch
	}
	return ch
}

// Set moves the host to phase p.
func (s *Service) Set(p Phase) error {
	if !p.Valid() {
		return fmt.Errorf("set phase: invalid phase %d", int(p))
	}
	s.mu.Lock()
	if p <= s.phase {
		cur := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, cur, p)
	}
	now := time.Now()
	from := s.phase
	reached := make([]Phase, 0, int(p-from))
	for q := from + 1; q <= p; q++ {
		reached = append(reached, q)
		s.history = append(s.history, Reached{Phase: q, At: now})
	}
	s.phase = p
	// Close in increasing order so observers see a consistent progression.
	for _, q := range reached {
		close(s.waiters[q])
	}
	s.mu.Unlock()

	elapsed := now.Sub(s.born)
	for _, q := range reached {
		s.log.Info("lifecycle phase reached", logx.String("phase", q.String()), logx.Duration("elapsed", elapsed))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventPhase, Time: now, Data: PhaseEvent{Phase: q, Name: q.String(), Elapsed: elapsed}})
		}
	}
	return nil
}

// History returns the phases reached so far, oldest first.
func (s *Service) History() []Reached {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reached(nil), s.history...)
}

// Step is one entry of an Advance plan: wait After, then set Phase.
type Step struct {
	Phase Phase
	After time.Duration
}

// Advance walks the plan in order, skipping phases that were already
// reached. It returns early with ctx.Err() when ctx is canceled.
func (s *Service) Advance(ctx context.Context, plan []Step) error {
	for _, st := range plan {
		if st.Phase <= s.Phase() {
			continue
		}
		if st.After > 0 {
			t := time.NewTimer(st.After)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := s.Set(st.Phase); err != nil && !errors.Is(err, ErrPhaseRegression) {
			return err
		}
	}
	return nil
}
