// SPDX-License-Identifier: MIT

// Package pipeline holds the pipeline registry and the per-pipeline runtime
// that exposes the latest processed frame to preview streams.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a pipeline id is unknown to the registry.
var ErrNotFound = errors.New("pipeline not found")

// ErrRunning is returned when a mutation requires the pipeline to be stopped.
var ErrRunning = errors.New("pipeline is running")

// MissingFieldError reports a required configuration field that was absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// Status is the lifecycle state of a pipeline.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// ModelRef is the declarative model reference inside a pipeline config. It is
// kept as a loose document so engine-specific keys (device, precision, ...)
// survive round-trips untouched.
type ModelRef map[string]any

// ID returns the referenced model id, or "" when the reference is empty.
func (m ModelRef) ID() string {
	if m == nil {
		return ""
	}
	if id, ok := m["id"].(string); ok {
		return id
	}
	return ""
}

// SetID rewrites the referenced model id in place.
func (m ModelRef) SetID(id string) {
	if m != nil {
		m["id"] = id
	}
}

// EngineType returns the declared inference engine type, or "unknown".
func (m ModelRef) EngineType() string {
	if m != nil {
		if t, ok := m["engine_type"].(string); ok && t != "" {
			return t
		}
	}
	return "unknown"
}

// Config is the declarative part of a pipeline.
type Config struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	FrameSource  map[string]any   `json:"frame_source"`
	Model        ModelRef         `json:"model"`
	Destinations []map[string]any `json:"destinations"`
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &MissingFieldError{Field: "name"}
	}
	if len(c.FrameSource) == 0 {
		return &MissingFieldError{Field: "frame_source"}
	}
	if c.Model == nil {
		return &MissingFieldError{Field: "model"}
	}
	if c.Destinations == nil {
		return &MissingFieldError{Field: "destinations"}
	}
	return nil
}

// Pipeline is a configured inference pipeline with lifecycle state.
type Pipeline struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Config
}

// Clone returns a deep-enough copy for handing out across the registry
// boundary. Nested documents are copied one level deep, which covers every
// mutation the daemon performs on them.
func (p *Pipeline) Clone() *Pipeline {
	cp := *p
	cp.FrameSource = cloneDoc(p.FrameSource)
	cp.Model = ModelRef(cloneDoc(p.Model))
	if p.Destinations != nil {
		cp.Destinations = make([]map[string]any, len(p.Destinations))
		for i, d := range p.Destinations {
			cp.Destinations[i] = cloneDoc(d)
		}
	}
	return &cp
}

func cloneDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
