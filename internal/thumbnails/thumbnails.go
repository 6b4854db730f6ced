// Package thumbnails is a two-step image workflow: a resize or thumbnail step
// hands its result to image.processed, which closes the chain.
package thumbnails

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"job-processing-core/internal/config"
	"job-processing-core/internal/models"
	"job-processing-core/internal/router"
)

const (
	TopicResize    = "image.resize"
	TopicThumbnail = "image.thumbnail"
	TopicProcessed = "image.processed"

	flowName = "thumbnails"
)

// Registrar is satisfied by the engine and by a bare router.
type Registrar interface {
	Register(topic string, handler router.Handler, opts ...router.Option) error
}

// Processed is the payload handed to image.processed.
type Processed struct {
	Chain    models.ChainContext `json:"chain"`
	Location string              `json:"location"`
}

// stepOutput is what each step records in the chain context.
type stepOutput struct {
	Source   string `json:"source"`
	Location string `json:"location"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Register binds all three topics of the workflow.
func Register(ctx context.Context, r Registrar, cfg config.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	resize, err := NewResizeHandler(ctx, cfg)
	if err != nil {
		return err
	}
	thumb := NewThumbnailHandler(cfg)

	if err := r.Register(TopicResize, router.Typed(resize.Handle),
		router.WithEmits(TopicProcessed), router.WithFlows(flowName)); err != nil {
		return err
	}
	if err := r.Register(TopicThumbnail, router.Typed(thumb.Handle),
		router.WithEmits(TopicProcessed), router.WithFlows(flowName)); err != nil {
		return err
	}
	return r.Register(TopicProcessed, router.Typed(processedHandler(logger)),
		router.WithMaxAttempts(1), router.WithFlows(flowName))
}

// emitProcessed appends step's output to chain and hands it to image.processed.
func emitProcessed(ctx context.Context, call *router.Call, chain *models.ChainContext, step string, out stepOutput) error {
	base := models.NewChainContext(call.TraceID)
	if chain != nil {
		base = *chain
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "encode step output")
	}
	_, err = call.Emit(ctx, TopicProcessed, Processed{
		Chain:    base.With(step, raw),
		Location: out.Location,
	})
	return err
}

func processedHandler(logger *zap.Logger) func(context.Context, *router.Call, Processed) error {
	return func(_ context.Context, call *router.Call, p Processed) error {
		if p.Chain.TraceID != call.TraceID {
			return permanentf("chain trace %q does not match job trace %q", p.Chain.TraceID, call.TraceID)
		}
		logger.Info("image processed",
			zap.String("trace_id", call.TraceID),
			zap.String("job_id", call.JobID),
			zap.Strings("steps", p.Chain.Steps),
			zap.String("location", p.Location),
		)
		return nil
	}
}
