package models

import "encoding/json"

// ChainContext is handed from step n to step n+1 of a multi-step workflow.
// The trace never changes; each step appends its output under its own topic.
type ChainContext struct {
	TraceID string                     `json:"trace_id"`
	Steps   []string                   `json:"steps,omitempty"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
}

// NewChainContext starts an empty chain for a trace.
func NewChainContext(traceID string) ChainContext {
	return ChainContext{TraceID: traceID}
}

// With returns a copy of c that records output for step. c is left untouched.
func (c ChainContext) With(step string, output json.RawMessage) ChainContext {
	next := ChainContext{
		TraceID: c.TraceID,
		Steps:   make([]string, 0, len(c.Steps)+1),
		Data:    make(map[string]json.RawMessage, len(c.Data)+1),
	}
	next.Steps = append(next.Steps, c.Steps...)
	next.Steps = append(next.Steps, step)
	for k, v := range c.Data {
		next.Data[k] = v
	}
	if output != nil {
		next.Data[step] = append(json.RawMessage(nil), output...)
	}
	return next
}

// Output returns the data recorded by step, if any.
func (c ChainContext) Output(step string) (json.RawMessage, bool) {
	v, ok := c.Data[step]
	return v, ok
}
