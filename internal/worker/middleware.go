package worker

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"job-processing-core/internal/models"
)

const tracerName = "job-processing-core/worker"

// Next is the rest of the execution chain.
type Next func(ctx context.Context) error

// Middleware wraps one handler invocation.
type Middleware func(ctx context.Context, job *models.Job, next Next) error

// Chain composes middleware; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, job *models.Job, next Next) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := h
			h = func(ctx context.Context) error {
				return mw(ctx, job, inner)
			}
		}
		return h(ctx)
	}
}

// Recover turns a handler panic into an ordinary, retryable failure.
func Recover(logger *zap.Logger) Middleware {
	return func(ctx context.Context, job *models.Job, next Next) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic in handler for topic %s: %v", job.Topic, r)
				logger.Error("job handler panicked",
					zap.String("job_id", job.ID),
					zap.String("topic", job.Topic),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		return next(ctx)
	}
}

// Tracing wraps execution in a span from the global tracer provider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, job *models.Job, next Next) error {
		ctx, span := tracer.Start(ctx, "job.execute",
			trace.WithAttributes(
				attribute.String("job.id", job.ID),
				attribute.String("job.topic", job.Topic),
				attribute.String("job.trace_id", job.TraceID),
				attribute.Int("job.attempt", job.AttemptCount),
				attribute.Int("job.max_attempts", job.MaxAttempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
