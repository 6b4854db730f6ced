package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"job-processing-core/internal/backoff"
	"job-processing-core/internal/config"
	"job-processing-core/internal/deadletter"
	"job-processing-core/internal/errs"
	"job-processing-core/internal/jobs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/router"
	"job-processing-core/internal/store"
)

func newEngine(t *testing.T, s store.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithBackoff(backoff.NewExponential(time.Millisecond, 5*time.Millisecond))}, opts...)
	e := New(s, nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func await(t *testing.T, ch <-chan models.Job) models.Job {
	t.Helper()
	select {
	case j, ok := <-ch:
		if !ok {
			t.Fatalf("watch closed early")
		}
		return j
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for job")
	}
	return models.Job{}
}

func TestDeadLetterRetryResolves(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore())

	var healthy atomic.Bool
	var runs int32
	if err := e.Register("webhook", func(context.Context, *router.Call) error {
		atomic.AddInt32(&runs, 1)
		if !healthy.Load() {
			return errors.New("endpoint returned 503")
		}
		return nil
	}, router.WithMaxAttempts(3)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, ch, err := e.SubmitAndWatch(ctx, SubmitRequest{Topic: "webhook", Payload: []byte(`{"url":"x"}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := await(t, ch)
	if failed.Status != models.StatusDeadLettered || failed.AttemptCount != 3 {
		t.Fatalf("unexpected job %+v", failed)
	}

	dlq := e.DeadLetters()
	listing, _ := dlq.List(ctx, deadletter.Filter{Status: models.DeadLetterPendingReview})
	if listing.TotalCount != 1 {
		t.Fatalf("expected one pending entry got %d", listing.TotalCount)
	}
	entry := listing.Entries[0]

	healthy.Store(true)
	rec, err := dlq.Retry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := rec.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != models.DeadLetterResolved {
		t.Fatalf("expected resolved got %s", final.Status)
	}

	recovery, err := e.GetJob(ctx, rec.JobID)
	if err != nil {
		t.Fatalf("get recovery job: %v", err)
	}
	if recovery.Status != models.StatusCompleted || recovery.AttemptCount != 1 || recovery.RecoveryOf != entry.ID || recovery.TraceID != failed.TraceID {
		t.Fatalf("unexpected recovery job %+v", recovery)
	}
	all, _ := dlq.List(ctx, deadletter.Filter{})
	if all.TotalCount != 1 {
		t.Fatalf("retry must not add entries, got %d", all.TotalCount)
	}
	if atomic.LoadInt32(&runs) != 4 {
		t.Fatalf("expected 3 failed runs plus 1 recovery run, got %d", runs)
	}
}

func TestDeadLetterRetryFailsAgain(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore())
	_ = e.Register("webhook", func(context.Context, *router.Call) error {
		return errors.New("still down")
	}, router.WithMaxAttempts(2))
	_ = e.Start(ctx)

	_, ch, _ := e.SubmitAndWatch(ctx, SubmitRequest{Topic: "webhook"})
	job := await(t, ch)

	rec, err := e.DeadLetters().Retry(ctx, deadletter.EntryID(job.ID))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := rec.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != models.DeadLetterPendingReview || final.FailureReason != "still down" || final.AttemptCount != 2 {
		t.Fatalf("unexpected entry %+v", final)
	}
	listing, _ := e.DeadLetters().List(ctx, deadletter.Filter{})
	if listing.TotalCount != 1 {
		t.Fatalf("a failed recovery must not add entries, got %d", listing.TotalCount)
	}
	counts, _ := e.DeadLetters().Counts(ctx)
	if counts["webhook"] != 2 {
		t.Fatalf("expected two dead-letter transitions for the topic, got %v", counts)
	}
}

// deadLetterOutage fails dead-letter writes while down is set.
type deadLetterOutage struct {
	store.Store
	down atomic.Bool
}

func (o *deadLetterOutage) CompareAndSwap(ctx context.Context, namespace, key string, old, new []byte) (bool, error) {
	if namespace == store.NamespaceDeadLetters && o.down.Load() {
		return false, errors.New("dead-letter store unavailable")
	}
	return o.Store.CompareAndSwap(ctx, namespace, key, old, new)
}

// A job whose entry could not be written is recorded by the next start.
func TestStartRecordsDeadLettersMissedByRecord(t *testing.T) {
	ctx := context.Background()
	st := &deadLetterOutage{Store: store.NewMemoryStore()}
	st.down.Store(true)
	register := func(e *Engine) {
		_ = e.Register("parse", func(context.Context, *router.Call) error {
			return errs.Permanent(errors.New("malformed document"))
		})
	}

	first := newEngine(t, st)
	register(first)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, ch, err := first.SubmitAndWatch(ctx, SubmitRequest{Topic: "parse"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := await(t, ch)
	if job.Status != models.StatusDeadLettered || !job.NonRetryable || job.LastError != "malformed document" {
		t.Fatalf("unexpected job %+v", job)
	}
	if _, err := first.DeadLetters().Get(ctx, deadletter.EntryID(job.ID)); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("entry should be missing while the store is down, got %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = first.Stop(stopCtx)

	st.down.Store(false)
	second := newEngine(t, st)
	register(second)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	entry, err := second.DeadLetters().Get(ctx, deadletter.EntryID(job.ID))
	if err != nil {
		t.Fatalf("entry should be recorded on restart: %v", err)
	}
	if entry.CanRetry || entry.FailureReason != "malformed document" || entry.JobID != job.ID {
		t.Fatalf("unexpected entry %+v", entry)
	}
	counts, _ := second.DeadLetters().Counts(ctx)
	if counts["parse"] != 1 {
		t.Fatalf("expected one dead-letter transition, got %v", counts)
	}
}

func TestConcurrentRetryThroughEngine(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore())
	release := make(chan struct{})
	var fail atomic.Bool
	fail.Store(true)
	_ = e.Register("task", func(context.Context, *router.Call) error {
		if fail.Load() {
			return errs.Permanent(errors.New("nope"))
		}
		<-release
		return nil
	})
	_ = e.Start(ctx)
	_, ch, _ := e.SubmitAndWatch(ctx, SubmitRequest{Topic: "task"})
	job := await(t, ch)

	// Make the entry retryable; permanent failures are not.
	id := deadletter.EntryID(job.ID)
	entry, _ := e.DeadLetters().Get(ctx, id)
	entry.CanRetry = true
	_ = store.SetJSON(ctx, e.store, store.NamespaceDeadLetters, id, entry)
	fail.Store(false)

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	recs := make(chan *deadletter.Recovery, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := e.DeadLetters().Retry(ctx, id)
			errsCh <- err
			if rec != nil {
				recs <- rec
			}
		}()
	}
	wg.Wait()
	close(errsCh)
	close(recs)

	var ok, conflict int
	for err := range errsCh {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflict)
	}
	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := (<-recs).Wait(waitCtx)
	if err != nil || final.Status != models.DeadLetterResolved {
		t.Fatalf("unexpected final entry %+v %v", final, err)
	}
}

func TestProgressThroughEngine(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore())
	reached := make(chan struct{})
	release := make(chan struct{})
	_ = e.Register("report", func(ctx context.Context, c *router.Call) error {
		if err := c.StartProgress(ctx); err != nil {
			return err
		}
		for _, pct := range []int{30, 60} {
			if err := c.ReportProgress(ctx, pct); err != nil {
				return err
			}
		}
		close(reached)
		<-release
		return c.ReportProgress(ctx, 100)
	})
	_ = e.Start(ctx)

	id, ch, err := e.SubmitAndWatch(ctx, SubmitRequest{Topic: "report", TraceID: "trace-report"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-reached
	rec, ok, err := e.GetProgress(ctx, "trace-report")
	if err != nil || !ok || rec.PercentComplete != 60 {
		t.Fatalf("expected 60%% in flight, got %+v ok=%v err=%v", rec, ok, err)
	}
	running, _ := e.GetJob(ctx, id)
	if running.Status != models.StatusRunning {
		t.Fatalf("expected running job got %s", running.Status)
	}
	close(release)
	await(t, ch)
	if _, ok, _ := e.GetProgress(ctx, "trace-report"); ok {
		t.Fatalf("progress should be cleared once the job completes")
	}
}

func TestStartRejectsDanglingEmits(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	_ = e.Register("a", func(context.Context, *router.Call) error { return nil }, router.WithEmits("b"))
	var unknown *errs.UnknownTopicError
	if err := e.Start(context.Background()); !errors.As(err, &unknown) || unknown.Topic != "b" {
		t.Fatalf("expected UnknownTopicError for b, got %v", err)
	}
}

func TestTopicOverrides(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), WithTopicOverrides(map[string]config.TopicOverride{
		"img": {Concurrency: 2, MaxAttempts: 7},
	}))
	_ = e.Register("img", func(context.Context, *router.Call) error { return nil }, router.WithConcurrency(9), router.WithTimeout(time.Second))
	routes := e.Routes()
	if len(routes) != 1 || routes[0].Concurrency != 2 || routes[0].MaxAttempts != 7 || routes[0].Timeout != time.Second {
		t.Fatalf("override not applied: %+v", routes)
	}
	id, err := e.Submit(context.Background(), SubmitRequest{Topic: "img"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, _ := e.GetJob(context.Background(), id)
	if job.MaxAttempts != 7 {
		t.Fatalf("expected topic max attempts 7 got %d", job.MaxAttempts)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	if _, err := e.Submit(context.Background(), SubmitRequest{}); err == nil {
		t.Fatalf("expected error for missing topic")
	}
	if _, err := e.Submit(context.Background(), SubmitRequest{Topic: "x", Payload: []byte("{bad")}); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
	if _, err := e.GetJob(context.Background(), "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

// A second engine over the same Redis store picks up work the first one left behind.
func TestRestartResumesFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()

	first := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	crashed := models.Job{ID: "job-1", Topic: "email", TraceID: "t", AttemptCount: 1, MaxAttempts: 3, Status: models.StatusRunning, CreatedAt: time.Now()}
	if err := jobs.NewRepository(first).Save(ctx, crashed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	second := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	e := newEngine(t, second)
	var runs int32
	_ = e.Register("email", func(context.Context, *router.Call) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := e.GetJob(ctx, "job-1")
		if err == nil && j.Status == models.StatusCompleted {
			if j.AttemptCount != 2 || atomic.LoadInt32(&runs) != 1 {
				t.Fatalf("unexpected resumed job %+v runs=%d", j, runs)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job was not resumed: %+v %v", j, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
