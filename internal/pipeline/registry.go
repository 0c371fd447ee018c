// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	vlog "github.com/mfricke/visiond/internal/log"
)

// Registry owns the set of configured pipelines. Every mutation is persisted
// atomically to a single JSON document so a crash never leaves a torn file.
type Registry struct {
	mu        sync.RWMutex
	path      string
	pipelines map[string]*Pipeline
}

type registryDoc struct {
	Pipelines []*Pipeline `json:"pipelines"`
}

// NewRegistry opens the registry backed by the document at path. A missing
// document is treated as an empty registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, pipelines: make(map[string]*Pipeline)}
	data, err := os.ReadFile(path) // #nosec G304 -- path derives from the data dir
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read pipeline registry: %w", err)
	}
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pipeline registry %s: %w", path, err)
	}
	for _, p := range doc.Pipelines {
		// A crash while running must not resurrect pipelines as running.
		if p.Status == StatusRunning {
			p.Status = StatusStopped
		}
		r.pipelines[p.ID] = p
	}
	logger := vlog.WithComponent("pipeline")
	logger.Info().
		Int("count", len(r.pipelines)).
		Str("path", path).
		Msg("pipeline registry loaded")
	return r, nil
}

// Create validates the config and registers a new pipeline.
func (r *Registry) Create(cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	p := &Pipeline{
		ID:        uuid.NewString(),
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Config:    cfg,
	}
	r.pipelines[p.ID] = p
	if err := r.persistLocked(); err != nil {
		delete(r.pipelines, p.ID)
		return "", err
	}
	return p.ID, nil
}

// Get returns a copy of the pipeline with the given id.
func (r *Registry) Get(id string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// List returns copies of all pipelines ordered by creation time.
func (r *Registry) List() []*Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Names returns the set of pipeline names currently in use.
func (r *Registry) Names() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make(map[string]struct{}, len(r.pipelines))
	for _, p := range r.pipelines {
		names[p.Name] = struct{}{}
	}
	return names
}

// Update replaces the declarative config of a stopped pipeline.
func (r *Registry) Update(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status == StatusRunning {
		return ErrRunning
	}
	prev := p.Config
	p.Config = cfg
	p.UpdatedAt = time.Now().UTC()
	if err := r.persistLocked(); err != nil {
		p.Config = prev
		return err
	}
	return nil
}

// Delete removes a pipeline from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status == StatusRunning {
		return ErrRunning
	}
	delete(r.pipelines, id)
	if err := r.persistLocked(); err != nil {
		r.pipelines[id] = p
		return err
	}
	return nil
}

// SetStatus records a lifecycle transition.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	doc := registryDoc{Pipelines: make([]*Pipeline, 0, len(r.pipelines))}
	for _, p := range r.pipelines {
		doc.Pipelines = append(doc.Pipelines, p)
	}
	sort.Slice(doc.Pipelines, func(i, j int) bool { return doc.Pipelines[i].ID < doc.Pipelines[j].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pipeline registry: %w", err)
	}
	if err := renameio.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write pipeline registry: %w", err)
	}
	return nil
}
