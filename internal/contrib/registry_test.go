package contrib

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"phasehost/internal/lifecycle"
	"phasehost/internal/perf"
)

func TestRestoredBatchThenLazyLookup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("a", AfterRestored, rec.factory("a"))
	h.reg.Register("b", AfterRestored, rec.factory("b"))
	h.start(t)
	if isClosed(h.reg.WhenRestored()) {
		t.Fatal("restored signal fired before the phase was reached")
	}

	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })
	h.idle.drain(10 * time.Millisecond)

	if diff := cmp.Diff([]string{"a", "b"}, rec.got()); diff != "" {
		t.Fatalf("creation order mismatch (-want +got):\n%s", diff)
	}
	if !isClosed(h.reg.WhenRestored()) {
		t.Fatal("restored signal not fired after the batch drained")
	}

	h.reg.Register("c", Lazy, rec.factory("c"))
	if n := rec.count("c"); n != 0 {
		t.Fatalf("lazy contribution created on registration (%d calls)", n)
	}
	ctx := context.Background()
	c1, err := h.reg.GetOrCreate(ctx, "c")
	if err != nil {
		t.Fatalf("GetOrCreate(c): %v", err)
	}
	if n := rec.count("c"); n != 1 {
		t.Fatalf("factory calls = %d, want 1", n)
	}
	if n := h.logs.count("before the restored phase"); n != 0 {
		t.Fatalf("unexpected early-creation warning (%d)", n)
	}
	c2, err := h.reg.GetOrCreate(ctx, "c")
	if err != nil {
		t.Fatalf("second GetOrCreate(c): %v", err)
	}
	if c1 != c2 {
		t.Fatal("GetOrCreate returned a different instance")
	}
	if n := rec.count("c"); n != 1 {
		t.Fatalf("factory calls after second lookup = %d, want 1", n)
	}
}

func TestGetOrCreateConcurrentCallsShareOneInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var (
		mu    sync.Mutex
		calls int
	)
	h.reg.Register("svc", Lazy, func(context.Context) (Contribution, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return &struct{}{}, nil
	})
	h.set(t, lifecycle.Restored)
	h.start(t)

	const n = 16
	got := make([]Contribution, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.reg.GetOrCreate(context.Background(), "svc")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			got[i] = c
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("factory calls = %d, want 1", calls)
	}
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("call %d returned a different instance", i)
		}
	}
}

func TestBlockingPhasesRunInOrderInsideStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("s1", BlockStartup, rec.factory("s1"))
	h.reg.Register("r1", BlockRestore, rec.factory("r1"))
	h.reg.Register("s2", BlockStartup, rec.factory("s2"))
	h.set(t, lifecycle.Ready)
	h.start(t)

	if diff := cmp.Diff([]string{"s1", "s2", "r1"}, rec.got()); diff != "" {
		t.Fatalf("creation order mismatch (-want +got):\n%s", diff)
	}

	// Phases already dispatched create late registrations inline.
	h.reg.Register("s3", BlockStartup, rec.factory("s3"))
	if n := rec.count("s3"); n != 1 {
		t.Fatalf("late BlockStartup registration calls = %d, want 1", n)
	}
	// Restored has not been reached: queued, not created.
	h.reg.Register("later", AfterRestored, rec.factory("later"))
	if n := rec.count("later"); n != 0 {
		t.Fatalf("AfterRestored created before the phase (%d)", n)
	}
}

func TestBlockingPhaseProcessedWhenReached(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("s", BlockStartup, rec.factory("s"))
	h.start(t)
	if n := rec.count("s"); n != 0 {
		t.Fatalf("created before starting phase (%d)", n)
	}
	h.set(t, lifecycle.Starting)
	waitFor(t, "starting batch", func() bool { return rec.count("s") == 1 })
}

func TestEventuallyWaitsForRestoredBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("r", AfterRestored, rec.factory("r"))
	h.reg.Register("e1", Eventually, rec.factory("e1"))
	h.reg.Register("e2", Eventually, rec.factory("e2"))
	h.start(t)

	// Eventually is reached together with Restored.
	h.set(t, lifecycle.Eventually)
	waitFor(t, "restored slice", func() bool { return h.idle.len() == 1 })
	time.Sleep(10 * time.Millisecond)
	if got := rec.got(); len(got) != 0 {
		t.Fatalf("created before any idle slice ran: %v", got)
	}

	// Eventually is reached but not dispatched: still queued.
	h.reg.Register("e3", Eventually, rec.factory("e3"))
	if n := rec.count("e3"); n != 0 {
		t.Fatalf("eventually contribution created before restored completion")
	}

	h.idle.step(10 * time.Millisecond)
	if !isClosed(h.reg.WhenRestored()) {
		t.Fatal("restored signal not fired")
	}
	waitFor(t, "eventually slice", func() bool { return h.idle.len() == 1 })
	h.idle.drain(10 * time.Millisecond)

	if diff := cmp.Diff([]string{"r", "e1", "e2", "e3"}, rec.got()); diff != "" {
		t.Fatalf("creation order mismatch (-want +got):\n%s", diff)
	}
	h.reg.Register("e4", Eventually, rec.factory("e4"))
	if n := rec.count("e4"); n != 1 {
		t.Fatalf("late eventually registration calls = %d, want 1", n)
	}

	h.idle.mu.Lock()
	timeouts := append([]time.Duration(nil), h.idle.timeouts...)
	h.idle.mu.Unlock()
	if diff := cmp.Diff([]time.Duration{500 * time.Millisecond, 3 * time.Second}, timeouts); diff != "" {
		t.Fatalf("forced timeouts mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateIDKeepsFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("x", BlockStartup, rec.factory("first"))
	h.reg.Register("x", AfterRestored, rec.factory("second"))
	if n := h.logs.count("duplicate contribution id"); n != 1 {
		t.Fatalf("duplicate log lines = %d, want 1", n)
	}
	if _, byID := h.reg.Pending(); byID != 1 {
		t.Fatalf("pending ids = %d, want 1", byID)
	}

	h.set(t, lifecycle.Starting)
	h.start(t)
	if diff := cmp.Diff([]string{"first"}, rec.got()); diff != "" {
		t.Fatalf("creation mismatch (-want +got):\n%s", diff)
	}

	// Already instantiated ids are rejected too.
	h.reg.Register("x", BlockStartup, rec.factory("third"))
	if n := h.logs.count("duplicate contribution id"); n != 2 {
		t.Fatalf("duplicate log lines = %d, want 2", n)
	}
	if n := rec.count("third"); n != 0 {
		t.Fatal("duplicate registration was created")
	}
}

type observed struct {
	phase lifecycle.Phase
	id    string
	err   error
}

type testObserver struct {
	mu  sync.Mutex
	got []observed
}

func (o *testObserver) ObserveCreate(phase lifecycle.Phase, id string, _ time.Duration, err error) {
	o.mu.Lock()
	o.got = append(o.got, observed{phase: phase, id: id, err: err})
	o.mu.Unlock()
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	obs := &testObserver{}
	h := newHarness(t, WithObserver(obs))
	rec := newRecord()
	boom := errors.New("boom")
	h.reg.Register("A", BlockRestore, func(context.Context) (Contribution, error) { return nil, boom })
	h.reg.Register("P", BlockRestore, func(context.Context) (Contribution, error) { panic("kaboom") })
	h.reg.Register("N", BlockRestore, func(context.Context) (Contribution, error) { return nil, nil })
	h.reg.Register("B", BlockRestore, rec.factory("B"))
	h.reg.Register("C", BlockRestore, rec.factory("C"))
	h.set(t, lifecycle.Ready)
	h.start(t)

	if diff := cmp.Diff([]string{"B", "C"}, rec.got()); diff != "" {
		t.Fatalf("creation mismatch (-want +got):\n%s", diff)
	}
	if n := h.logs.count("contribution creation failed"); n != 3 {
		t.Fatalf("failure log lines = %d, want 3", n)
	}

	for _, id := range []string{"A", "P", "N"} {
		_, err := h.reg.GetOrCreate(context.Background(), id)
		if !errors.Is(err, ErrCreationFailed) {
			t.Fatalf("GetOrCreate(%s) err = %v, want ErrCreationFailed", id, err)
		}
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	var panics, failures int
	for _, o := range obs.got {
		var ce *ConstructionError
		if errors.As(o.err, &ce) {
			failures++
			if ce.IsPanic() {
				panics++
			}
		}
	}
	// 3 batch failures + 3 retries through GetOrCreate.
	if failures != 6 || panics != 2 {
		t.Fatalf("failures = %d panics = %d, want 6 and 2", failures, panics)
	}
	if obs.got[0].err == nil || !errors.Is(obs.got[0].err, boom) || obs.got[0].phase != lifecycle.Ready {
		t.Fatalf("first observation = %+v", obs.got[0])
	}
}

func TestIdleDrainUnderLoadUsesOneSlicePerContribution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	want := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, id := range want {
		h.reg.Register(id, AfterRestored, rec.factory(id))
	}
	h.start(t)
	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })

	// No idle time at all: every slice is a forced one.
	if slices := h.idle.drain(0); slices != len(want) {
		t.Fatalf("slices = %d, want %d", slices, len(want))
	}
	if diff := cmp.Diff(want, rec.got()); diff != "" {
		t.Fatalf("creation order mismatch (-want +got):\n%s", diff)
	}
	if !isClosed(h.reg.WhenRestored()) {
		t.Fatal("restored signal not fired")
	}
}

func TestIdleDrainWithBudgetUsesOneSlice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	for _, id := range []string{"a", "b", "c"} {
		h.reg.Register(id, AfterRestored, rec.factory(id))
	}
	h.start(t)
	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })
	if slices := h.idle.drain(time.Second); slices != 1 {
		t.Fatalf("slices = %d, want 1", slices)
	}
}

func TestEmptyRestoredBatchStillSignals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })
	h.idle.drain(time.Second)
	if !isClosed(h.reg.WhenRestored()) {
		t.Fatal("restored signal not fired for empty batch")
	}
}

func TestLookupErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("lazy", Lazy, rec.factory("lazy"))

	if _, err := h.reg.GetOrCreate(context.Background(), "lazy"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("before start: err = %v, want ErrNotStarted", err)
	}
	h.start(t)
	if _, err := h.reg.GetOrCreate(context.Background(), "missing"); !errors.Is(err, ErrUnknownContribution) {
		t.Fatalf("err = %v, want ErrUnknownContribution", err)
	}
	if err := h.reg.Start(context.Background(), StartDeps{Phases: h.lc, Idle: h.idle}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	if err := New().Start(context.Background(), StartDeps{}); err == nil {
		t.Fatal("expected error when starting without collaborators")
	}
}

func TestEarlyLazyLookupWarns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("lazy", Lazy, rec.factory("lazy"))
	h.set(t, lifecycle.Ready)
	h.start(t)

	if _, err := h.reg.GetOrCreate(context.Background(), "lazy"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if n := h.logs.count("before the restored phase"); n != 1 {
		t.Fatalf("early warning lines = %d, want 1", n)
	}
	timings := h.reg.Timings()
	if len(timings[lifecycle.Ready]) != 1 || timings[lifecycle.Ready][0].ID != "lazy" {
		t.Fatalf("timings = %+v, want one entry under ready", timings)
	}
}

func TestLazyNeverCreatedByPhases(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("lazy", Lazy, rec.factory("lazy"))
	h.reg.Register("", Lazy, rec.factory("anonymous"))
	h.start(t)
	h.set(t, lifecycle.Eventually)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })
	h.idle.drain(time.Second)
	waitFor(t, "eventually slice", func() bool { return h.idle.len() > 0 })
	h.idle.drain(time.Second)

	if got := rec.got(); len(got) != 0 {
		t.Fatalf("lazy contributions created by phases: %v", got)
	}
	if n := h.logs.count("lazy contribution registered without an id"); n != 1 {
		t.Fatalf("missing id log lines = %d, want 1", n)
	}
	if byPhase, byID := h.reg.Pending(); byPhase != 0 || byID != 1 {
		t.Fatalf("pending = %d/%d, want 0/1", byPhase, byID)
	}
}

func TestSlowCreationTimingsAndMarks(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name      string
		built     bool
		wantSlow  int
		wantMarks int
	}{
		{name: "built", built: true, wantSlow: 1, wantMarks: 2},
		{name: "dev", built: false, wantSlow: 2, wantMarks: 4},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			marks := perf.NewRecorder(nil)
			h := newHarness(t, WithBuilt(tc.built), WithMarker(marks), WithSlowThresholds(time.Nanosecond, time.Nanosecond))
			slow := func(context.Context) (Contribution, error) {
				time.Sleep(2 * time.Millisecond)
				return &struct{}{}, nil
			}
			h.reg.Register("slow", BlockStartup, slow)
			h.reg.Register("", BlockStartup, slow)
			h.set(t, lifecycle.Starting)
			h.start(t)

			if n := h.logs.count("slow contribution creation"); n != tc.wantSlow {
				t.Fatalf("slow warnings = %d, want %d", n, tc.wantSlow)
			}
			timings := h.reg.Timings()[lifecycle.Starting]
			if len(timings) != 1 || timings[0].ID != "slow" || timings[0].Elapsed < 2*time.Millisecond {
				t.Fatalf("timings = %+v", timings)
			}
			if n := len(marks.Marks("phasehost/willCreateContribution/")) + len(marks.Marks("phasehost/didCreateContribution/")); n != tc.wantMarks {
				t.Fatalf("per-contribution marks = %d, want %d", n, tc.wantMarks)
			}
			if len(marks.Marks("phasehost/didCreateContributions/starting")) != 1 {
				t.Fatal("missing batch mark")
			}
			if n := len(h.reg.Instances()); n != 2 {
				t.Fatalf("instances = %d, want 2", n)
			}
		})
	}
}

func TestStopAbandonsPendingSlices(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("x", AfterRestored, rec.factory("x"))
	h.start(t)
	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.reg.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.idle.drain(time.Second)
	if n := rec.count("x"); n != 0 {
		t.Fatalf("created after Stop (%d)", n)
	}
}

func TestLookupBeforeFirstPhaseCountsAsStarting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("lazy", Lazy, rec.factory("lazy"))
	h.start(t)

	if _, err := h.reg.GetOrCreate(context.Background(), "lazy"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if n := h.logs.count("before the restored phase"); n != 1 {
		t.Fatalf("early warning lines = %d, want 1", n)
	}
	timings := h.reg.Timings()
	for p := range timings {
		if !p.Valid() {
			t.Fatalf("timing recorded under phase %d: %+v", p, timings)
		}
	}
	if got := timings[lifecycle.Starting]; len(got) != 1 || got[0].ID != "lazy" {
		t.Fatalf("timings = %+v, want one entry under starting", timings)
	}
}

func TestForcedEarlyContributionNotRebuiltByItsBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("x", AfterRestored, rec.factory("x"))
	h.reg.Register("y", AfterRestored, rec.factory("y"))
	h.set(t, lifecycle.Ready)
	h.start(t)

	if _, err := h.reg.GetOrCreate(context.Background(), "x"); err != nil {
		t.Fatalf("GetOrCreate(x): %v", err)
	}
	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })
	h.idle.drain(time.Second)

	if n := rec.count("x"); n != 1 {
		t.Fatalf("x created %d times, want 1", n)
	}
	if diff := cmp.Diff([]string{"x", "y"}, rec.got()); diff != "" {
		t.Fatalf("creation order mismatch (-want +got):\n%s", diff)
	}
	if !isClosed(h.reg.WhenRestored()) {
		t.Fatal("restored signal not fired")
	}
}

func TestRegistrationDuringRestoredDrainIsCreatedOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	h.reg.Register("a", AfterRestored, func(ctx context.Context) (Contribution, error) {
		h.reg.Register("late", AfterRestored, rec.factory("late"))
		return rec.factory("a")(ctx)
	})
	h.reg.Register("b", AfterRestored, rec.factory("b"))
	h.start(t)
	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 })
	h.idle.drain(0)

	if diff := cmp.Diff([]string{"late", "a", "b"}, rec.got()); diff != "" {
		t.Fatalf("creation order mismatch (-want +got):\n%s", diff)
	}
	if n := rec.count("late"); n != 1 {
		t.Fatalf("late created %d times, want 1", n)
	}
	if !isClosed(h.reg.WhenRestored()) {
		t.Fatal("restored signal not fired")
	}
}

func TestIdleDrainKeepsOneCancelPerBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := newRecord()
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		h.reg.Register(id, AfterRestored, rec.factory(id))
	}
	pending := func() int {
		h.reg.mu.Lock()
		defer h.reg.mu.Unlock()
		return len(h.reg.idleCancel)
	}
	h.start(t)
	h.set(t, lifecycle.Restored)
	waitFor(t, "restored slice", func() bool { return h.idle.len() > 0 && pending() == 1 })

	for h.idle.step(0) {
		if n := pending(); n > 1 {
			t.Fatalf("idle cancel funcs = %d, want at most 1", n)
		}
	}
	if n := rec.count("c6"); n != 1 {
		t.Fatalf("batch not drained: %v", rec.got())
	}
	if n := pending(); n != 0 {
		t.Fatalf("idle cancel funcs after drain = %d, want 0", n)
	}
}
