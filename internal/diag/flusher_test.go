package diag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"phasehost/internal/config"
	"phasehost/internal/contrib"
	"phasehost/internal/lifecycle"
	"phasehost/internal/storage"
)

type fakeSource struct {
	mu sync.Mutex
	m  map[lifecycle.Phase][]contrib.Timing
}

func (s *fakeSource) add(p lifecycle.Phase, id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[lifecycle.Phase][]contrib.Timing{}
	}
	s.m[p] = append(s.m[p], contrib.Timing{ID: id, Elapsed: d})
}

func (s *fakeSource) Timings() map[lifecycle.Phase][]contrib.Timing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[lifecycle.Phase][]contrib.Timing{}
	for p, ts := range s.m {
		out[p] = append([]contrib.Timing(nil), ts...)
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	recs []storage.TimingRecord
	fail error
}

func (m *memStore) AppendTimings(_ context.Context, recs []storage.TimingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memStore) ListTimings(context.Context, storage.TimingQuery) ([]storage.TimingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.TimingRecord(nil), m.recs...), nil
}

func (m *memStore) Close() error { return nil }

func TestFlushWritesOnlyNewEntries(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	st := &memStore{}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f := New(src, st, WithRunID("run-1"))
	f.now = func() time.Time { return at }
	ctx := context.Background()

	src.add(lifecycle.Restored, "b", 2*time.Millisecond)
	src.add(lifecycle.Starting, "a", time.Millisecond)
	if n, err := f.Flush(ctx); err != nil || n != 2 {
		t.Fatalf("Flush = %d, %v; want 2", n, err)
	}
	if n, err := f.Flush(ctx); err != nil || n != 0 {
		t.Fatalf("second Flush = %d, %v; want 0", n, err)
	}

	st.fail = errors.New("disk full")
	src.add(lifecycle.Eventually, "c", 3*time.Millisecond)
	if _, err := f.Flush(ctx); err == nil {
		t.Fatal("expected store error")
	}
	st.fail = nil
	if n, err := f.Flush(ctx); err != nil || n != 1 {
		t.Fatalf("retry Flush = %d, %v; want 1", n, err)
	}

	want := []storage.TimingRecord{
		{RunID: "run-1", Phase: "starting", ID: "a", Elapsed: time.Millisecond, At: at},
		{RunID: "run-1", Phase: "restored", ID: "b", Elapsed: 2 * time.Millisecond, At: at},
		{RunID: "run-1", Phase: "eventually", ID: "c", Elapsed: 3 * time.Millisecond, At: at},
	}
	if diff := cmp.Diff(want, st.recs); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduledFlushAndStop(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	st := &memStore{}
	f := New(src, st, WithSchedule("@every 1s", time.UTC))
	if f.RunID() == "" {
		t.Fatal("empty run id")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.add(lifecycle.Starting, "a", time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for {
		recs, _ := st.ListTimings(ctx, storage.TimingQuery{})
		if len(recs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled flush did not run")
		}
		time.Sleep(20 * time.Millisecond)
	}

	src.add(lifecycle.Ready, "b", time.Millisecond)
	if err := f.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	recs, _ := st.ListTimings(ctx, storage.TimingQuery{})
	if len(recs) != 2 || recs[1].ID != "b" {
		t.Fatalf("records after stop = %+v", recs)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	f := New(&fakeSource{}, &memStore{}, WithSchedule("not a schedule", nil))
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartAcceptsConfigSchedules(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"*/30 * * * * *", "0 */5 * * *", "@hourly", "@every 90s"} {
		t.Run(spec, func(t *testing.T) {
			t.Parallel()
			if _, err := config.ScheduleParser.Parse(spec); err != nil {
				t.Fatalf("config rejects %q: %v", spec, err)
			}
			f := New(&fakeSource{}, &memStore{}, WithSchedule(spec, time.UTC))
			if err := f.Start(context.Background()); err != nil {
				t.Fatalf("Start(%q): %v", spec, err)
			}
			if err := f.Stop(context.Background()); err != nil {
				t.Fatalf("Stop: %v", err)
			}
		})
	}
}

func TestStopWithoutStoreOnlySummarizes(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.add(lifecycle.Starting, "a", time.Millisecond)
	if err := New(src, nil).Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	got := Summarize(map[lifecycle.Phase][]contrib.Timing{
		lifecycle.Restored: {{ID: "x", Elapsed: 5 * time.Millisecond}, {ID: "y", Elapsed: 7 * time.Millisecond}},
		lifecycle.Starting: {{ID: "a", Elapsed: time.Millisecond}},
		lifecycle.Ready:    nil,
	})
	want := []PhaseSummary{
		{Phase: lifecycle.Starting, Count: 1, Total: time.Millisecond, SlowestID: "a", Slowest: time.Millisecond},
		{Phase: lifecycle.Restored, Count: 2, Total: 12 * time.Millisecond, SlowestID: "y", Slowest: 7 * time.Millisecond},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}
