// Package worker runs jobs on bounded per-topic slot pools and routes
// failures to the retry controller and the dead-letter store.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"job-processing-core/internal/deadletter"
	"job-processing-core/internal/errs"
	"job-processing-core/internal/jobs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/retry"
	"job-processing-core/internal/router"
	"job-processing-core/internal/telemetry"
)

const recordAttempts = 3

// DeadLetterRecorder receives jobs that will not run again.
type DeadLetterRecorder interface {
	Record(ctx context.Context, job models.Job, cause error, canRetry bool) (models.DeadLetterEntry, error)
}

// ProgressTracker is the part of the progress tracker the pool needs.
type ProgressTracker interface {
	router.ProgressReporter
	Finish(ctx context.Context, traceID, jobID string) error
}

// SubmitParams describes a new job. Zero values are filled in by Submit.
type SubmitParams struct {
	ID          string
	Topic       string
	Payload     json.RawMessage
	TraceID     string
	MaxAttempts int
	Delay       time.Duration
	ParentJobID string
	RecoveryOf  string
}

type lane struct {
	topic   string
	slots   int
	timeout time.Duration
	active  int
	queue   []models.Job
}

type waiter struct {
	ch   chan models.Job
	once sync.Once
}

func newWaiter() *waiter { return &waiter{ch: make(chan models.Job, 1)} }

func (w *waiter) deliver(j models.Job) {
	w.once.Do(func() {
		w.ch <- j
		close(w.ch)
	})
}

func (w *waiter) abandon() { w.once.Do(func() { close(w.ch) }) }

// Pool owns status transitions of in-flight jobs.
type Pool struct {
	router      *router.Router
	jobs        *jobs.Repository
	retry       *retry.Controller
	deadLetters DeadLetterRecorder
	progress    ProgressTracker
	clock       clockwork.Clock
	logger      *zap.Logger
	middleware  Middleware

	defaultConcurrency int
	defaultTimeout     time.Duration
	defaultMaxAttempts int

	mu       sync.Mutex
	lanes    map[string]*lane
	timers   map[string]clockwork.Timer
	waiters  map[string][]*waiter
	claimed  map[string]struct{}
	deferred []models.Job
	started  bool
	stopped  bool
	running  sync.WaitGroup
}

func NewPool(r *router.Router, repo *jobs.Repository, rc *retry.Controller, dl DeadLetterRecorder, opts ...Option) *Pool {
	p := &Pool{
		router:             r,
		jobs:               repo,
		retry:              rc,
		deadLetters:        dl,
		clock:              clockwork.NewRealClock(),
		logger:             zap.NewNop(),
		defaultConcurrency: DefaultConcurrency,
		defaultTimeout:     DefaultTimeout,
		defaultMaxAttempts: DefaultMaxAttempts,
		lanes:              make(map[string]*lane),
		timers:             make(map[string]clockwork.Timer),
		waiters:            make(map[string][]*waiter),
		claimed:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.middleware == nil {
		p.middleware = Chain(Recover(p.logger), Tracing())
	}
	return p
}

// DefaultMaxAttempts is the budget given to jobs whose topic sets none.
func (p *Pool) DefaultMaxAttempts() int { return p.defaultMaxAttempts }

// Submit persists a pending job and schedules it.
func (p *Pool) Submit(ctx context.Context, params SubmitParams) (models.Job, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return models.Job{}, errs.ErrPoolStopped
	}
	return p.submit(ctx, params)
}

// SubmitAndWatch is Submit plus a channel that receives the job once it is terminal.
func (p *Pool) SubmitAndWatch(ctx context.Context, params SubmitParams) (models.Job, <-chan models.Job, error) {
	if params.ID == "" {
		params.ID = uuid.NewString()
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return models.Job{}, nil, errs.ErrPoolStopped
	}
	w := newWaiter()
	p.waiters[params.ID] = append(p.waiters[params.ID], w)
	p.mu.Unlock()

	job, err := p.submit(ctx, params)
	if err != nil {
		p.dropWaiter(params.ID, w)
		return models.Job{}, nil, err
	}
	return job, w.ch, nil
}

// SubmitRecovery submits the fresh job of a dead-letter retry.
func (p *Pool) SubmitRecovery(ctx context.Context, req deadletter.RecoveryRequest) (<-chan models.Job, error) {
	_, ch, err := p.SubmitAndWatch(ctx, SubmitParams{
		ID:          req.JobID,
		Topic:       req.Topic,
		Payload:     req.Payload,
		TraceID:     req.TraceID,
		MaxAttempts: req.MaxAttempts,
		RecoveryOf:  req.EntryID,
	})
	return ch, err
}

// Watch returns a channel that receives the job once it is terminal. A job
// that already finished is delivered immediately.
func (p *Pool) Watch(ctx context.Context, jobID string) (<-chan models.Job, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, errs.ErrPoolStopped
	}
	w := newWaiter()
	p.waiters[jobID] = append(p.waiters[jobID], w)
	p.mu.Unlock()

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		p.dropWaiter(jobID, w)
		return nil, err
	}
	if job.Status.Terminal() {
		p.dropWaiter(jobID, w)
		w.deliver(job)
	}
	return w.ch, nil
}

// Start begins dispatching. Jobs submitted before Start are held until then,
// so lanes pick up the limits of topics registered after the submission.
//
// Every non-terminal job found in the store is scheduled as well. Jobs that
// were running when the previous process died are treated as never started;
// their attempt count already reflects the interrupted attempt. Start returns
// the number of stored jobs it resumed.
func (p *Pool) Start(ctx context.Context) (int, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		return 0, nil
	}

	all, err := p.jobs.List(ctx, jobs.Filter{})
	if err != nil {
		return 0, err
	}
	var resume []models.Job
	for _, j := range all {
		if j.Status.Terminal() {
			continue
		}
		if j.Status == models.StatusRunning {
			j.Status = models.StatusPending
			j.ScheduledAt = p.clock.Now()
			j.UpdatedAt = j.ScheduledAt
			if err := p.jobs.Save(ctx, j); err != nil {
				return 0, err
			}
		}
		resume = append(resume, j)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return 0, nil
	}
	p.started = true
	resumed := 0
	for _, j := range resume {
		if _, ok := p.claimed[j.ID]; ok {
			continue
		}
		p.claimed[j.ID] = struct{}{}
		p.scheduleLocked(j)
		resumed++
	}
	held := p.deferred
	p.deferred = nil
	for _, j := range held {
		p.scheduleLocked(j)
	}
	p.mu.Unlock()

	if resumed > 0 {
		p.logger.Info("resumed unfinished jobs", zap.Int("count", resumed))
	}
	if len(held) > 0 {
		p.logger.Info("released jobs submitted before start", zap.Int("count", len(held)))
	}
	return resumed, nil
}

// Stop cancels pending timers, waits for running handlers and releases
// watchers. Queued and delayed jobs stay persisted for the next Start.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	for id, ws := range p.waiters {
		for _, w := range ws {
			w.abandon()
		}
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	return err
}

func (p *Pool) submit(ctx context.Context, params SubmitParams) (models.Job, error) {
	if params.Topic == "" {
		return models.Job{}, errors.New("topic must not be empty")
	}
	now := p.clock.Now()
	job := models.Job{
		ID:          params.ID,
		Topic:       params.Topic,
		Payload:     params.Payload,
		TraceID:     params.TraceID,
		MaxAttempts: params.MaxAttempts,
		Status:      models.StatusPending,
		ScheduledAt: now,
		ParentJobID: params.ParentJobID,
		RecoveryOf:  params.RecoveryOf,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.TraceID == "" {
		job.TraceID = uuid.NewString()
	}
	if params.Delay > 0 {
		job.ScheduledAt = now.Add(params.Delay)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = p.defaultMaxAttempts
		if route, err := p.router.Resolve(job.Topic); err == nil && route.MaxAttempts > 0 {
			job.MaxAttempts = route.MaxAttempts
		}
	}
	if err := p.jobs.Save(ctx, job); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsSubmitted.WithLabelValues(job.Topic).Inc()
	p.logger.Debug("job submitted",
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic),
		zap.String("trace_id", job.TraceID),
		zap.Time("scheduled_at", job.ScheduledAt),
	)
	p.admit(job)
	return job, nil
}

// admit hands a freshly submitted job to the scheduler, or holds it until
// Start. A job Start already picked up from the store is not scheduled twice.
func (p *Pool) admit(job models.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.claimed[job.ID]; ok {
		return
	}
	p.claimed[job.ID] = struct{}{}
	if !p.started {
		p.deferred = append(p.deferred, job)
		return
	}
	p.scheduleLocked(job)
}

// schedule makes job eligible at its ScheduledAt. After Stop it is a no-op:
// the job is already persisted and the next Start picks it up.
func (p *Pool) schedule(job models.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduleLocked(job)
}

func (p *Pool) scheduleLocked(job models.Job) {
	if p.stopped {
		return
	}
	if wait := job.ScheduledAt.Sub(p.clock.Now()); wait > 0 {
		if old, ok := p.timers[job.ID]; ok {
			old.Stop()
		}
		p.timers[job.ID] = p.clock.AfterFunc(wait, func() { p.release(job) })
		return
	}
	p.enqueueLocked(job)
}

func (p *Pool) release(job models.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.timers, job.ID)
	if p.stopped {
		return
	}
	p.enqueueLocked(job)
}

func (p *Pool) enqueueLocked(job models.Job) {
	l := p.laneLocked(job.Topic)
	l.queue = append(l.queue, job)
	p.dispatchLocked(l)
}

func (p *Pool) laneLocked(topic string) *lane {
	if l, ok := p.lanes[topic]; ok {
		return l
	}
	l := &lane{topic: topic, slots: p.defaultConcurrency, timeout: p.defaultTimeout}
	if route, err := p.router.Resolve(topic); err == nil {
		if route.Concurrency > 0 {
			l.slots = route.Concurrency
		}
		if route.Timeout > 0 {
			l.timeout = route.Timeout
		}
	}
	p.lanes[topic] = l
	return l
}

// dispatchLocked starts queued jobs in FIFO order while the lane has free slots.
func (p *Pool) dispatchLocked(l *lane) {
	for !p.stopped && l.active < l.slots && len(l.queue) > 0 {
		job := l.queue[0]
		l.queue[0] = models.Job{}
		l.queue = l.queue[1:]
		l.active++
		p.running.Add(1)
		go p.run(l, job)
	}
	telemetry.QueueDepth.WithLabelValues(l.topic).Set(float64(len(l.queue)))
	telemetry.InFlight.WithLabelValues(l.topic).Set(float64(l.active))
}

func (p *Pool) run(l *lane, job models.Job) {
	defer p.running.Done()
	p.execute(job)

	p.mu.Lock()
	l.active--
	p.dispatchLocked(l)
	p.mu.Unlock()
}

// execute runs one attempt. Handler errors never escape; they become status
// transitions.
func (p *Pool) execute(job models.Job) {
	ctx := context.Background()
	if job.AttemptCount >= job.MaxAttempts {
		p.deadLetter(ctx, job, errors.Errorf("attempt budget of %d exhausted", job.MaxAttempts), true)
		return
	}

	now := p.clock.Now()
	job.AttemptCount++
	job.Status = models.StatusRunning
	job.StartedAt = &now
	job.NextRetryAt = nil
	job.UpdatedAt = now
	p.save(ctx, job)

	route, err := p.router.Resolve(job.Topic)
	if err != nil {
		p.fail(ctx, job, err)
		return
	}

	var progress router.ProgressReporter
	if p.progress != nil {
		progress = p.progress
	}
	call := p.router.NewCall(job, progress)
	err = p.invoke(route, &job, call)
	if call.ProgressStarted() {
		job.TracksProgress = true
	}
	if err != nil {
		p.fail(ctx, job, err)
		return
	}
	p.complete(ctx, job, call)
}

// invoke waits for the handler to return even past its timeout: the slot
// stays occupied for the handler's full duration.
func (p *Pool) invoke(route router.Route, job *models.Job, call *router.Call) error {
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := p.clock.Now()
	err := p.middleware(ctx, job, func(ctx context.Context) error {
		return route.Handler(ctx, call)
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &errs.TimeoutError{Topic: job.Topic, Timeout: timeout, Err: err}
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.HandlerDuration.WithLabelValues(job.Topic, outcome).Observe(p.clock.Since(start).Seconds())
	return err
}

// complete clears the job's progress before its emissions are submitted, so a
// downstream step on the same trace starts from a clean record.
func (p *Pool) complete(ctx context.Context, job models.Job, call *router.Call) {
	p.finishProgress(ctx, job)
	for _, e := range call.Emissions() {
		if _, err := p.submit(ctx, SubmitParams{
			ID:          e.JobID,
			Topic:       e.Topic,
			Payload:     e.Payload,
			TraceID:     job.TraceID,
			ParentJobID: job.ID,
		}); err != nil {
			p.logger.Error("failed to submit emitted job",
				zap.String("job_id", job.ID),
				zap.String("emitted_job_id", e.JobID),
				zap.String("emitted_topic", e.Topic),
				zap.Error(err),
			)
		}
	}

	now := p.clock.Now()
	job.Status = models.StatusCompleted
	job.LastError = ""
	job.FinishedAt = &now
	job.UpdatedAt = now
	p.save(ctx, job)
	telemetry.JobsCompleted.WithLabelValues(job.Topic).Inc()
	p.logger.Debug("job completed",
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic),
		zap.Int("attempt", job.AttemptCount),
	)
	p.notify(job)
}

func (p *Pool) fail(ctx context.Context, job models.Job, cause error) {
	job.LastError = cause.Error()
	decision := p.retry.Decide(job, cause)
	if !decision.Retry {
		p.deadLetter(ctx, job, cause, decision.CanRetry)
		return
	}

	next := decision.NextRetryAt
	job.Status = models.StatusFailedRetryable
	job.NextRetryAt = &next
	job.ScheduledAt = next
	job.UpdatedAt = p.clock.Now()
	p.save(ctx, job)
	telemetry.JobsRetried.WithLabelValues(job.Topic).Inc()
	p.logger.Info("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic),
		zap.String("trace_id", job.TraceID),
		zap.Int("attempt", job.AttemptCount),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("delay", decision.Delay),
		zap.Error(cause),
	)
	p.schedule(job)
}

// deadLetter records the entry before the job turns terminal, so anyone
// observing a dead-lettered job can already find its entry. The failure is
// kept on the job as well; if recording fails here the dead-letter service
// records the entry from the job on the next start.
func (p *Pool) deadLetter(ctx context.Context, job models.Job, cause error, canRetry bool) {
	now := p.clock.Now()
	job.Status = models.StatusDeadLettered
	job.LastError = cause.Error()
	job.ErrorStack = errs.Stack(cause)
	job.NonRetryable = !canRetry
	job.FinishedAt = &now
	job.UpdatedAt = now

	var err error
	for i := 0; i < recordAttempts; i++ {
		if _, err = p.deadLetters.Record(ctx, job, cause, canRetry); err == nil {
			break
		}
	}
	if err != nil {
		p.logger.Error("failed to record dead letter",
			zap.String("job_id", job.ID),
			zap.String("topic", job.Topic),
			zap.String("reason", job.LastError),
			zap.Error(err),
		)
	}
	p.save(ctx, job)
	p.finishProgress(ctx, job)
	p.notify(job)
}

func (p *Pool) finishProgress(ctx context.Context, job models.Job) {
	if !job.TracksProgress || p.progress == nil {
		return
	}
	if err := p.progress.Finish(ctx, job.TraceID, job.ID); err != nil {
		p.logger.Warn("failed to clear progress", zap.String("trace_id", job.TraceID), zap.Error(err))
	}
}

func (p *Pool) save(ctx context.Context, job models.Job) {
	if err := p.jobs.Save(ctx, job); err != nil {
		p.logger.Error("failed to persist job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}

func (p *Pool) notify(job models.Job) {
	p.mu.Lock()
	ws := p.waiters[job.ID]
	delete(p.waiters, job.ID)
	delete(p.claimed, job.ID)
	p.mu.Unlock()
	for _, w := range ws {
		w.deliver(job)
	}
}

func (p *Pool) dropWaiter(jobID string, w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.waiters[jobID]
	for i, cur := range ws {
		if cur == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(p.waiters, jobID)
	} else {
		p.waiters[jobID] = ws
	}
}
