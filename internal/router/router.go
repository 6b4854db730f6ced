// Package router binds topics to handlers and validates that every topic a
// handler emits has a consumer.
package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"job-processing-core/internal/errs"
)

// Handler executes one job. Return errs.Permanent to skip remaining attempts;
// any other error is retried.
type Handler func(ctx context.Context, call *Call) error

// Route is the registration of one topic. Zero values fall back to the pool defaults.
type Route struct {
	Topic       string
	Handler     Handler
	Concurrency int
	Timeout     time.Duration
	MaxAttempts int
	Emits       []string
	Flows       []string
}

// Option configures a Route at registration.
type Option func(*Route)

// WithConcurrency caps simultaneous executions for the topic.
func WithConcurrency(n int) Option { return func(r *Route) { r.Concurrency = n } }

// WithTimeout bounds every invocation of the handler.
func WithTimeout(d time.Duration) Option { return func(r *Route) { r.Timeout = d } }

// WithMaxAttempts sets the default attempt budget for jobs on the topic.
func WithMaxAttempts(n int) Option { return func(r *Route) { r.MaxAttempts = n } }

// WithEmits declares the topics the handler may hand work to.
func WithEmits(topics ...string) Option {
	return func(r *Route) { r.Emits = append(r.Emits, topics...) }
}

// WithFlows tags the route with the workflows it belongs to.
func WithFlows(names ...string) Option {
	return func(r *Route) { r.Flows = append(r.Flows, names...) }
}

// Router maps topic names to routes. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func New() *Router {
	return &Router{routes: make(map[string]Route)}
}

// Register binds handler to topic. A topic has exactly one handler.
func (r *Router) Register(topic string, handler Handler, opts ...Option) error {
	if topic == "" {
		return errors.New("topic must not be empty")
	}
	if handler == nil {
		return errors.Errorf("nil handler for topic %q", topic)
	}
	route := Route{Topic: topic, Handler: handler}
	for _, opt := range opts {
		opt(&route)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[topic]; exists {
		return &errs.DuplicateTopicError{Topic: topic}
	}
	r.routes[topic] = route
	return nil
}

// Resolve returns the route for topic or an *errs.UnknownTopicError.
func (r *Router) Resolve(topic string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[topic]
	if !ok {
		return Route{}, &errs.UnknownTopicError{Topic: topic}
	}
	return route, nil
}

// Topics lists registered topics in lexical order.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Routes returns a snapshot of all routes in topic order.
func (r *Router) Routes() []Route {
	topics := r.Topics()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(topics))
	for _, t := range topics {
		out = append(out, r.routes[t])
	}
	return out
}

// Validate fails when a route declares an emitted topic nobody consumes.
func (r *Router) Validate() error {
	for _, route := range r.Routes() {
		for _, emitted := range route.Emits {
			if _, err := r.Resolve(emitted); err != nil {
				return errors.Wrapf(err, "topic %q emits to %q", route.Topic, emitted)
			}
		}
	}
	return nil
}

func (r *Router) canEmit(from, to string) error {
	route, err := r.Resolve(from)
	if err != nil {
		return err
	}
	declared := false
	for _, t := range route.Emits {
		if t == to {
			declared = true
			break
		}
	}
	if !declared {
		return &errs.UnknownTopicError{Topic: to}
	}
	_, err = r.Resolve(to)
	return err
}

// Typed adapts a handler that takes a decoded payload. A payload that does not
// decode into T fails permanently, since retrying cannot fix it.
func Typed[T any](fn func(ctx context.Context, call *Call, payload T) error) Handler {
	return func(ctx context.Context, call *Call) error {
		var payload T
		if len(call.Payload) > 0 {
			if err := json.Unmarshal(call.Payload, &payload); err != nil {
				return errs.Permanent(errors.Wrapf(err, "decode payload for topic %q", call.Topic))
			}
		}
		return fn(ctx, call, payload)
	}
}
