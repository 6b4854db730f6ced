// Package engine wires the router, worker pool, retry controller, dead-letter
// store and progress tracker over one state store.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"job-processing-core/internal/backoff"
	"job-processing-core/internal/config"
	"job-processing-core/internal/deadletter"
	"job-processing-core/internal/jobs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/progress"
	"job-processing-core/internal/retry"
	"job-processing-core/internal/router"
	"job-processing-core/internal/store"
	"job-processing-core/internal/worker"
)

type settings struct {
	clock       clockwork.Clock
	strategy    backoff.Strategy
	concurrency int
	timeout     time.Duration
	maxAttempts int
	overrides   map[string]config.TopicOverride
	middleware  []worker.Middleware
}

// Option configures an Engine.
type Option func(*settings)

func WithClock(c clockwork.Clock) Option { return func(s *settings) { s.clock = c } }

func WithBackoff(b backoff.Strategy) Option { return func(s *settings) { s.strategy = b } }

// WithDefaults sets the limits for topics that do not set their own.
func WithDefaults(concurrency int, timeout time.Duration, maxAttempts int) Option {
	return func(s *settings) {
		s.concurrency, s.timeout, s.maxAttempts = concurrency, timeout, maxAttempts
	}
}

// WithTopicOverrides applies file-based limits on top of registration options.
func WithTopicOverrides(o map[string]config.TopicOverride) Option {
	return func(s *settings) { s.overrides = o }
}

func WithMiddleware(mws ...worker.Middleware) Option {
	return func(s *settings) { s.middleware = mws }
}

// SubmitRequest is the public submission contract.
type SubmitRequest struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Delay       time.Duration   `json:"-"`
}

type Engine struct {
	store       store.Store
	router      *router.Router
	jobs        *jobs.Repository
	progress    *progress.Tracker
	deadLetters *deadletter.Service
	pool        *worker.Pool
	overrides   map[string]config.TopicOverride
	logger      *zap.Logger
}

func New(s store.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := settings{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.strategy == nil {
		cfg.strategy = backoff.NewExponential(2*time.Second, 5*time.Minute)
	}

	r := router.New()
	repo := jobs.NewRepository(s)
	tracker := progress.NewTracker(s, cfg.clock, logger.Named("progress"))
	dlq := deadletter.NewService(s, cfg.clock, logger.Named("deadletter"))

	poolOpts := []worker.Option{
		worker.WithClock(cfg.clock),
		worker.WithLogger(logger.Named("worker")),
		worker.WithProgress(tracker),
		worker.WithDefaults(cfg.concurrency, cfg.timeout, cfg.maxAttempts),
	}
	if len(cfg.middleware) > 0 {
		poolOpts = append(poolOpts, worker.WithMiddleware(cfg.middleware...))
	}
	pool := worker.NewPool(r, repo, retry.New(cfg.strategy, cfg.clock), dlq, poolOpts...)
	dlq.UseResubmitter(pool)

	return &Engine{
		store:       s,
		router:      r,
		jobs:        repo,
		progress:    tracker,
		deadLetters: dlq,
		pool:        pool,
		overrides:   cfg.overrides,
		logger:      logger,
	}
}

// Register binds handler to topic. Overrides loaded from the topics file win
// over opts.
func (e *Engine) Register(topic string, handler router.Handler, opts ...router.Option) error {
	if o, ok := e.overrides[topic]; ok {
		if o.Concurrency > 0 {
			opts = append(opts, router.WithConcurrency(o.Concurrency))
		}
		if o.Timeout > 0 {
			opts = append(opts, router.WithTimeout(o.Timeout))
		}
		if o.MaxAttempts > 0 {
			opts = append(opts, router.WithMaxAttempts(o.MaxAttempts))
		}
	}
	return e.router.Register(topic, handler, opts...)
}

// Start validates the topology, starts dispatching, resumes unfinished jobs
// and re-attaches interrupted dead-letter retries. Jobs submitted before Start
// wait for it, so topics may be registered after work for them arrives.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.router.Validate(); err != nil {
		return err
	}
	for topic := range e.overrides {
		if _, err := e.router.Resolve(topic); err != nil {
			e.logger.Warn("topic override for unregistered topic", zap.String("topic", topic))
		}
	}
	resumed, err := e.pool.Start(ctx)
	if err != nil {
		return errors.Wrap(err, "resume jobs")
	}
	if err := e.deadLetters.Reconcile(ctx); err != nil {
		return errors.Wrap(err, "reconcile dead letters")
	}
	e.logger.Info("engine started", zap.Strings("topics", e.router.Topics()), zap.Int("resumed", resumed))
	return nil
}

// Stop waits for running handlers, then for dead-letter outcome watchers.
func (e *Engine) Stop(ctx context.Context) error {
	poolErr := e.pool.Stop(ctx)
	dlqErr := e.deadLetters.Stop(ctx)
	if poolErr != nil {
		return poolErr
	}
	return dlqErr
}

// Submit creates a job and returns its id.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Topic == "" {
		return "", errors.New("topic is required")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return "", errors.New("payload must be valid JSON")
	}
	job, err := e.pool.Submit(ctx, worker.SubmitParams{
		Topic:       req.Topic,
		Payload:     req.Payload,
		TraceID:     req.TraceID,
		MaxAttempts: req.MaxAttempts,
		Delay:       req.Delay,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// SubmitAndWatch is Submit plus a channel that yields the terminal job.
func (e *Engine) SubmitAndWatch(ctx context.Context, req SubmitRequest) (string, <-chan models.Job, error) {
	job, ch, err := e.pool.SubmitAndWatch(ctx, worker.SubmitParams{
		Topic:       req.Topic,
		Payload:     req.Payload,
		TraceID:     req.TraceID,
		MaxAttempts: req.MaxAttempts,
		Delay:       req.Delay,
	})
	if err != nil {
		return "", nil, err
	}
	return job.ID, ch, nil
}

func (e *Engine) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, err := e.jobs.Get(ctx, id)
	if err != nil {
		return j, errors.Wrapf(err, "job %s", id)
	}
	return j, nil
}

func (e *Engine) ListJobs(ctx context.Context, f jobs.Filter) ([]models.Job, error) {
	return e.jobs.List(ctx, f)
}

// GetProgress returns the latest checkpoint for traceID and whether one exists.
func (e *Engine) GetProgress(ctx context.Context, traceID string) (models.ProgressRecord, bool, error) {
	return e.progress.Get(ctx, traceID)
}

func (e *Engine) DeadLetters() *deadletter.Service { return e.deadLetters }

func (e *Engine) Routes() []router.Route { return e.router.Routes() }

// Ping reports whether the state store is reachable.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }
