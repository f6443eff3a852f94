// Package diag persists contribution creation timings and summarizes them.
package diag

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"phasehost/internal/config"
	"phasehost/internal/contrib"
	"phasehost/internal/lifecycle"
	"phasehost/internal/storage"
	logx "phasehost/pkg/logx"
)

const (
	defaultSchedule = "*/30 * * * * *"
	flushTimeout    = 5 * time.Second
)

// TimingSource is satisfied by *contrib.Registry.
type TimingSource interface {
	Timings() map[lifecycle.Phase][]contrib.Timing
}

// Flusher copies new timing entries into a store on a cron schedule and
// once more on Stop. Each process run gets its own run id.
type Flusher struct {
	src   TimingSource
	store storage.Store
	log   logx.Logger

	runID    string
	schedule string
	loc      *time.Location
	parser   cron.Parser
	now      func() time.Time

	mu      sync.Mutex
	flushed map[lifecycle.Phase]int
	total   int
	c       *cron.Cron
}

type Option func(*Flusher)

func WithLogger(log logx.Logger) Option { return func(f *Flusher) { f.log = log } }

// WithSchedule sets the cron expression (seconds optional) and its time zone.
func WithSchedule(spec string, loc *time.Location) Option {
	return func(f *Flusher) {
		if spec != "" {
			f.schedule = spec
		}
		if loc != nil {
			f.loc = loc
		}
	}
}

func WithRunID(id string) Option { return func(f *Flusher) { f.runID = id } }

func New(src TimingSource, store storage.Store, opts ...Option) *Flusher {
	f := &Flusher{
		src:      src,
		store:    store,
		log:      logx.Nop(),
		runID:    uuid.NewString(),
		schedule: defaultSchedule,
		loc:      time.Local,
		parser:   config.ScheduleParser,
		now:      time.Now,
		flushed:  map[lifecycle.Phase]int{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Flusher) RunID() string { return f.runID }

// Flush stores timing entries recorded since the previous successful flush
// and returns how many were written.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	if f.store == nil {
		return 0, storage.ErrDisabled
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	timings := f.src.Timings()
	now := f.now()
	next := make(map[lifecycle.Phase]int, len(timings))
	var out []storage.TimingRecord
	for _, p := range lifecycle.Phases() {
		ts := timings[p]
		next[p] = len(ts)
		for _, t := range ts[min(f.flushed[p], len(ts)):] {
			out = append(out, storage.TimingRecord{
				RunID: f.runID, Phase: p.String(), ID: t.ID, Elapsed: t.Elapsed, At: now,
			})
		}
	}
	if len(out) == 0 {
		return 0, nil
	}
	if err := f.store.AppendTimings(ctx, out); err != nil {
		return 0, err
	}
	f.flushed = next
	f.total += len(out)
	f.log.Debug("timings flushed", logx.String("run_id", f.runID), logx.Int("count", len(out)), logx.Int("total", f.total))
	return len(out), nil
}

// Start schedules periodic flushes until Stop or ctx is done.
func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(f.parser), cron.WithLocation(f.loc))
	if _, err := c.AddFunc(f.schedule, func() {
		fctx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		if _, err := f.Flush(fctx); err != nil && !errors.Is(err, context.Canceled) {
			f.log.Warn("timing flush failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	f.c = c
	f.log.Info("timing flusher started",
		logx.String("run_id", f.runID), logx.String("schedule", f.schedule), logx.String("tz", f.loc.String()))
	return nil
}

// Stop halts the schedule, runs a final flush and logs the summary.
// Without a store only the summary is logged.
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	c := f.c
	f.c = nil
	f.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	n, err := f.Flush(ctx)
	for _, s := range Summarize(f.src.Timings()) {
		f.log.Info("contribution timing summary",
			logx.String("phase", s.Phase.String()), logx.Int("count", s.Count),
			logx.Duration("total", s.Total), logx.String("slowest", s.SlowestID), logx.Duration("slowest_took", s.Slowest))
	}
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		return err
	}
	f.log.Debug("timing flusher stopped", logx.Int("final", n))
	return nil
}

// Close lets the app release the flusher like any other contribution.
func (f *Flusher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	return f.Stop(ctx)
}

// PhaseSummary aggregates the timing log of one phase.
type PhaseSummary struct {
	Phase     lifecycle.Phase
	Count     int
	Total     time.Duration
	SlowestID string
	Slowest   time.Duration
}

// Summarize returns one summary per phase with entries, in phase order.
func Summarize(timings map[lifecycle.Phase][]contrib.Timing) []PhaseSummary {
	var out []PhaseSummary
	for p, ts := range timings {
		if len(ts) == 0 {
			continue
		}
		s := PhaseSummary{Phase: p, Count: len(ts)}
		for _, t := range ts {
			s.Total += t.Elapsed
			if t.Elapsed > s.Slowest {
				s.Slowest, s.SlowestID = t.Elapsed, t.ID
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}
