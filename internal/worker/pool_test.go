package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"job-processing-core/internal/backoff"
	"job-processing-core/internal/deadletter"
	"job-processing-core/internal/errs"
	"job-processing-core/internal/jobs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/progress"
	"job-processing-core/internal/retry"
	"job-processing-core/internal/router"
	"job-processing-core/internal/store"
)

type fixture struct {
	store  store.Store
	router *router.Router
	repo   *jobs.Repository
	dlq    *deadletter.Service
	pool   *Pool
}

func newFixture(t *testing.T, clock clockwork.Clock, base time.Duration, register func(r *router.Router)) *fixture {
	t.Helper()
	f := newIdleFixture(t, clock, base, register)
	if _, err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return f
}

// newIdleFixture builds a pool that has not been started yet.
func newIdleFixture(t *testing.T, clock clockwork.Clock, base time.Duration, register func(r *router.Router)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	r := router.New()
	register(r)
	repo := jobs.NewRepository(st)
	dlq := deadletter.NewService(st, clock, nil)
	pool := NewPool(r, repo, retry.New(backoff.NewExponential(base, 10*base), clock), dlq,
		WithClock(clock),
		WithProgress(progress.NewTracker(st, clock, nil)),
	)
	dlq.UseResubmitter(pool)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return &fixture{store: st, router: r, repo: repo, dlq: dlq, pool: pool}
}

func waitTerminal(t *testing.T, ch <-chan models.Job) models.Job {
	t.Helper()
	select {
	case j, ok := <-ch:
		if !ok {
			t.Fatalf("watch channel closed without a result")
		}
		return j
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for job to finish")
	}
	return models.Job{}
}

func TestPoolCompletesJob(t *testing.T) {
	var gotTrace string
	var gotAttempt int
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("email", func(_ context.Context, c *router.Call) error {
			gotTrace, gotAttempt = c.TraceID, c.Attempt
			return nil
		})
	})

	job, ch, err := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "email", TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusPending || job.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("unexpected submitted job %+v", job)
	}
	done := waitTerminal(t, ch)
	if done.Status != models.StatusCompleted || done.AttemptCount != 1 || done.FinishedAt == nil {
		t.Fatalf("unexpected final job %+v", done)
	}
	if gotTrace != "trace-1" || gotAttempt != 1 {
		t.Fatalf("handler saw trace=%q attempt=%d", gotTrace, gotAttempt)
	}
	stored, err := f.repo.Get(context.Background(), job.ID)
	if err != nil || stored.Status != models.StatusCompleted {
		t.Fatalf("completed job must stay in the store: %+v %v", stored, err)
	}
}

func TestPoolFailingHandlerDeadLettersAfterBudget(t *testing.T) {
	var executions int32
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("flaky", func(context.Context, *router.Call) error {
			atomic.AddInt32(&executions, 1)
			return errors.New("upstream unavailable")
		})
	})

	_, ch, err := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "flaky", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitTerminal(t, ch)
	if done.Status != models.StatusDeadLettered || done.AttemptCount != 3 {
		t.Fatalf("unexpected final job %+v", done)
	}
	if n := atomic.LoadInt32(&executions); n != 3 {
		t.Fatalf("expected 3 executions got %d", n)
	}

	listing, err := f.dlq.List(context.Background(), deadletter.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if listing.TotalCount != 1 {
		t.Fatalf("expected exactly one entry got %d", listing.TotalCount)
	}
	entry := listing.Entries[0]
	if entry.AttemptCount != 3 || !entry.CanRetry || entry.Status != models.DeadLetterPendingReview {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.FailureReason != "upstream unavailable" || entry.JobID != done.ID {
		t.Fatalf("unexpected failure metadata %+v", entry)
	}
	counts, _ := f.dlq.Counts(context.Background())
	if counts["flaky"] != 1 {
		t.Fatalf("expected topic counter 1 got %v", counts)
	}
}

func TestPoolPermanentErrorSkipsRetries(t *testing.T) {
	var executions int32
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("parse", func(context.Context, *router.Call) error {
			atomic.AddInt32(&executions, 1)
			return errs.Permanent(errors.New("malformed payload"))
		})
	})

	_, ch, _ := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "parse", MaxAttempts: 5})
	done := waitTerminal(t, ch)
	if done.Status != models.StatusDeadLettered || done.AttemptCount != 1 || executions != 1 {
		t.Fatalf("permanent failure must not retry: %+v executions=%d", done, executions)
	}
	entry, err := f.dlq.Get(context.Background(), deadletter.EntryID(done.ID))
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.CanRetry {
		t.Fatalf("permanent failure must not be retryable")
	}
	if !strings.Contains(entry.ErrorStack, "pool_test.go") {
		t.Fatalf("expected error stack to point at the handler, got %q", entry.ErrorStack)
	}
}

func TestPoolUnknownTopicDeadLetters(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(*router.Router) {})

	_, ch, err := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "ghost"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitTerminal(t, ch)
	if done.Status != models.StatusDeadLettered || done.AttemptCount != 1 {
		t.Fatalf("unexpected final job %+v", done)
	}
	entry, _ := f.dlq.Get(context.Background(), deadletter.EntryID(done.ID))
	if entry.CanRetry {
		t.Fatalf("unknown topic must not be retryable")
	}
}

func TestPoolRunsSlotsInParallel(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	var active, peak int32
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("render", func(_ context.Context, c *router.Call) error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			started <- c.JobID
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		}, router.WithConcurrency(5))
	})

	var chans []<-chan models.Job
	for i := 0; i < 6; i++ {
		_, ch, err := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "render"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		chans = append(chans, ch)
	}

	for i := 0; i < 5; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 5 jobs started", i)
		}
	}
	select {
	case id := <-started:
		t.Fatalf("sixth job %s started while all slots were busy", id)
	case <-time.After(100 * time.Millisecond):
	}
	if got := atomic.LoadInt32(&active); got != 5 {
		t.Fatalf("expected 5 running got %d", got)
	}

	release <- struct{}{}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("sixth job did not start after a slot freed")
	}
	close(release)
	for _, ch := range chans {
		waitTerminal(t, ch)
	}
	if peak != 5 {
		t.Fatalf("expected peak concurrency 5 got %d", peak)
	}
}

func TestPoolStartsJobsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("ordered", router.Typed(func(_ context.Context, _ *router.Call, p struct {
			N string `json:"n"`
		}) error {
			mu.Lock()
			order = append(order, p.N)
			mu.Unlock()
			return nil
		}), router.WithConcurrency(1))
	})

	var last <-chan models.Job
	for _, n := range []string{"1", "2", "3", "4"} {
		_, ch, err := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "ordered", Payload: []byte(`{"n":"` + n + `"}`)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		last = ch
	}
	waitTerminal(t, last)
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "1,2,3,4" {
		t.Fatalf("jobs ran out of order: %v", order)
	}
}

func TestPoolChainIsolatesFailure(t *testing.T) {
	var aRuns, bRuns int32
	emitted := make(chan string, 1)
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("A", func(ctx context.Context, c *router.Call) error {
			atomic.AddInt32(&aRuns, 1)
			next := models.NewChainContext(c.TraceID).With("A", []byte(`{"ok":true}`))
			id, err := c.Emit(ctx, "B", next)
			if err != nil {
				return err
			}
			emitted <- id
			return nil
		}, router.WithEmits("B"))
		_ = r.Register("B", func(context.Context, *router.Call) error {
			atomic.AddInt32(&bRuns, 1)
			return errs.Permanent(errors.New("step B cannot proceed"))
		})
	})
	if err := f.router.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	a, aCh, err := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "A", TraceID: "chain-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	aDone := waitTerminal(t, aCh)
	bID := <-emitted
	bCh, err := f.pool.Watch(context.Background(), bID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	bDone := waitTerminal(t, bCh)

	if aDone.Status != models.StatusCompleted || aDone.AttemptCount != 1 {
		t.Fatalf("A should complete once: %+v", aDone)
	}
	if bDone.Status != models.StatusDeadLettered || bDone.TraceID != "chain-1" || bDone.ParentJobID != a.ID {
		t.Fatalf("unexpected B job %+v", bDone)
	}
	if aRuns != 1 || bRuns != 1 {
		t.Fatalf("expected one run each, got A=%d B=%d", aRuns, bRuns)
	}
	aStored, _ := f.repo.Get(context.Background(), a.ID)
	if aStored.Status != models.StatusCompleted {
		t.Fatalf("A must stay completed, got %s", aStored.Status)
	}
}

func TestPoolFailedHandlerDropsEmissions(t *testing.T) {
	var bRuns int32
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("A", func(ctx context.Context, c *router.Call) error {
			if _, err := c.Emit(ctx, "B", nil); err != nil {
				return err
			}
			return errs.Permanent(errors.New("failed after emitting"))
		}, router.WithEmits("B"))
		_ = r.Register("B", func(context.Context, *router.Call) error {
			atomic.AddInt32(&bRuns, 1)
			return nil
		})
	})

	_, ch, _ := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "A"})
	waitTerminal(t, ch)
	all, _ := f.repo.List(context.Background(), jobs.Filter{Topic: "B"})
	if len(all) != 0 || atomic.LoadInt32(&bRuns) != 0 {
		t.Fatalf("emissions of a failed attempt must not be submitted")
	}
}

func TestPoolTimeoutIsRetryable(t *testing.T) {
	var executions int32
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("slow", func(ctx context.Context, _ *router.Call) error {
			atomic.AddInt32(&executions, 1)
			<-ctx.Done()
			return ctx.Err()
		}, router.WithTimeout(20*time.Millisecond), router.WithMaxAttempts(2))
	})

	_, ch, _ := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "slow"})
	done := waitTerminal(t, ch)
	if done.Status != models.StatusDeadLettered || executions != 2 {
		t.Fatalf("timeout should retry then dead-letter: %+v executions=%d", done, executions)
	}
	if !strings.Contains(done.LastError, "timed out") {
		t.Fatalf("expected timeout reason got %q", done.LastError)
	}
	entry, _ := f.dlq.Get(context.Background(), deadletter.EntryID(done.ID))
	if !entry.CanRetry {
		t.Fatalf("timeouts are retryable failures")
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("panicky", func(context.Context, *router.Call) error {
			panic("nil map")
		}, router.WithMaxAttempts(1))
	})
	_, ch, _ := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "panicky"})
	done := waitTerminal(t, ch)
	if done.Status != models.StatusDeadLettered || !strings.Contains(done.LastError, "panic") {
		t.Fatalf("unexpected job %+v", done)
	}
}

func TestPoolBackoffFollowsClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var executions int32
	f := newFixture(t, clock, time.Second, func(r *router.Router) {
		_ = r.Register("eventually", func(context.Context, *router.Call) error {
			if atomic.AddInt32(&executions, 1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	})

	job, ch, err := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "eventually", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.BlockUntil(1)
	stored, _ := f.repo.Get(context.Background(), job.ID)
	if stored.Status != models.StatusFailedRetryable || stored.NextRetryAt == nil {
		t.Fatalf("expected failed-retryable with nextRetryAt, got %+v", stored)
	}
	if got := stored.NextRetryAt.Sub(job.CreatedAt); got != time.Second {
		t.Fatalf("first backoff should be 1s got %s", got)
	}

	clock.Advance(999 * time.Millisecond)
	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Fatalf("retry ran before its backoff elapsed: %d executions", n)
	}
	clock.Advance(time.Millisecond)

	clock.BlockUntil(1)
	stored, _ = f.repo.Get(context.Background(), job.ID)
	if got := stored.NextRetryAt.Sub(clock.Now()); got != 2*time.Second {
		t.Fatalf("second backoff should be 2s got %s", got)
	}
	clock.Advance(2 * time.Second)

	done := waitTerminal(t, ch)
	if done.Status != models.StatusCompleted || done.AttemptCount != 3 {
		t.Fatalf("unexpected final job %+v", done)
	}
}

func TestPoolDelayedSubmission(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var executions int32
	f := newFixture(t, clock, time.Second, func(r *router.Router) {
		_ = r.Register("later", func(context.Context, *router.Call) error {
			atomic.AddInt32(&executions, 1)
			return nil
		})
	})
	_, ch, _ := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "later", Delay: time.Minute})
	clock.BlockUntil(1)
	if atomic.LoadInt32(&executions) != 0 {
		t.Fatalf("delayed job ran early")
	}
	clock.Advance(time.Minute)
	if done := waitTerminal(t, ch); done.Status != models.StatusCompleted {
		t.Fatalf("unexpected job %+v", done)
	}
}

func TestPoolProgressClearedOnCompletion(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("long", func(ctx context.Context, c *router.Call) error {
			if err := c.StartProgress(ctx); err != nil {
				return err
			}
			for _, pct := range []int{30, 60, 100} {
				if err := c.ReportProgress(ctx, pct); err != nil {
					return err
				}
			}
			return nil
		})
	})
	job, ch, _ := f.pool.SubmitAndWatch(context.Background(), SubmitParams{Topic: "long", TraceID: "t-long"})
	done := waitTerminal(t, ch)
	if !done.TracksProgress {
		t.Fatalf("job should be marked as tracking progress")
	}
	tracker := progress.NewTracker(f.store, nil, nil)
	if _, ok, _ := tracker.Get(context.Background(), job.TraceID); ok {
		t.Fatalf("progress record should be removed on completion")
	}
}

func TestPoolChainStepsShareProgressTrace(t *testing.T) {
	gate := make(chan struct{})
	emitted := make(chan string, 1)
	reported := make(chan error, 1)
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("A", func(ctx context.Context, c *router.Call) error {
			if err := c.StartProgress(ctx); err != nil {
				return err
			}
			if err := c.ReportProgress(ctx, 100); err != nil {
				return err
			}
			id, err := c.Emit(ctx, "B", nil)
			emitted <- id
			return err
		}, router.WithEmits("B"))
		_ = r.Register("B", func(ctx context.Context, c *router.Call) error {
			if err := c.StartProgress(ctx); err != nil {
				return err
			}
			<-gate
			err := c.ReportProgress(ctx, 50)
			reported <- err
			return err
		})
	})
	ctx := context.Background()

	_, aCh, err := f.pool.SubmitAndWatch(ctx, SubmitParams{Topic: "A", TraceID: "shared"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done := waitTerminal(t, aCh); done.Status != models.StatusCompleted {
		t.Fatalf("A should complete: %+v", done)
	}
	bCh, err := f.pool.Watch(ctx, <-emitted)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	close(gate)
	select {
	case err := <-reported:
		if err != nil {
			t.Fatalf("B lost its progress record to A finishing: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("B never reported progress")
	}
	if done := waitTerminal(t, bCh); done.Status != models.StatusCompleted || !done.TracksProgress {
		t.Fatalf("B should complete while tracking progress: %+v", done)
	}
	if _, ok, _ := progress.NewTracker(f.store, nil, nil).Get(ctx, "shared"); ok {
		t.Fatalf("B finishing should clear the shared record")
	}
}

func TestPoolHoldsSubmissionsUntilStart(t *testing.T) {
	f := newIdleFixture(t, clockwork.NewRealClock(), time.Millisecond, func(*router.Router) {})
	ctx := context.Background()

	job, ch, err := f.pool.SubmitAndWatch(ctx, SubmitParams{Topic: "late"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.router.Register("late", func(context.Context, *router.Call) error { return nil },
		router.WithConcurrency(2), router.WithTimeout(time.Minute)); err != nil {
		t.Fatalf("register: %v", err)
	}
	stored, _ := f.repo.Get(ctx, job.ID)
	if stored.Status != models.StatusPending || stored.AttemptCount != 0 {
		t.Fatalf("job must not run before start: %+v", stored)
	}

	n, err := f.pool.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if n != 0 {
		t.Fatalf("a held submission is not a resumed job, got %d", n)
	}
	done := waitTerminal(t, ch)
	if done.Status != models.StatusCompleted || done.AttemptCount != 1 {
		t.Fatalf("job submitted before its topic was registered should run: %+v", done)
	}
	f.pool.mu.Lock()
	var slots int
	var timeout time.Duration
	if l, ok := f.pool.lanes["late"]; ok {
		slots, timeout = l.slots, l.timeout
	}
	f.pool.mu.Unlock()
	if slots != 2 || timeout != time.Minute {
		t.Fatalf("lane should use the registered limits, got slots=%d timeout=%s", slots, timeout)
	}
	if _, err := f.pool.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
}

func TestPoolStartResumesInterruptedJobs(t *testing.T) {
	f := newIdleFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("email", func(context.Context, *router.Call) error { return nil })
	})
	ctx := context.Background()
	now := time.Now()
	interrupted := models.Job{ID: "j-run", Topic: "email", TraceID: "t", AttemptCount: 1, MaxAttempts: 3, Status: models.StatusRunning, CreatedAt: now}
	done := models.Job{ID: "j-done", Topic: "email", TraceID: "t", AttemptCount: 1, MaxAttempts: 3, Status: models.StatusCompleted, CreatedAt: now}
	for _, j := range []models.Job{interrupted, done} {
		if err := f.repo.Save(ctx, j); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	ch, err := f.pool.Watch(ctx, "j-run")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	n, err := f.pool.Start(ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	final := waitTerminal(t, ch)
	if final.Status != models.StatusCompleted || final.AttemptCount != 2 {
		t.Fatalf("unexpected resumed job %+v", final)
	}

	doneCh, _ := f.pool.Watch(ctx, "j-done")
	if j := waitTerminal(t, doneCh); j.Status != models.StatusCompleted {
		t.Fatalf("watching a finished job should deliver it immediately")
	}
}

func TestPoolStartDeadLettersExhaustedJobs(t *testing.T) {
	var executions int32
	f := newIdleFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("email", func(context.Context, *router.Call) error {
			atomic.AddInt32(&executions, 1)
			return nil
		})
	})
	ctx := context.Background()
	_ = f.repo.Save(ctx, models.Job{ID: "spent", Topic: "email", AttemptCount: 3, MaxAttempts: 3, Status: models.StatusRunning, CreatedAt: time.Now()})
	ch, _ := f.pool.Watch(ctx, "spent")
	if _, err := f.pool.Start(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	final := waitTerminal(t, ch)
	if final.Status != models.StatusDeadLettered || final.AttemptCount != 3 || executions != 0 {
		t.Fatalf("exhausted job must dead-letter without running: %+v executions=%d", final, executions)
	}
}

func TestPoolStop(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock(), time.Millisecond, func(r *router.Router) {
		_ = r.Register("email", func(context.Context, *router.Call) error { return nil })
	})
	if err := f.pool.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := f.pool.Submit(context.Background(), SubmitParams{Topic: "email"}); !errors.Is(err, errs.ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped got %v", err)
	}
	if _, err := f.pool.Watch(context.Background(), "any"); !errors.Is(err, errs.ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped got %v", err)
	}
}
