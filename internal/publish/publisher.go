// SPDX-License-Identifier: MIT

package publish

import (
	"context"
	"errors"
	"sync"

	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/metrics"
)

// Publisher is the destination registry: a mutable ordered collection of
// destinations addressed by identifier, with fan-out delivery.
type Publisher struct {
	mu    sync.RWMutex
	order []string
	dests map[string]Destination
}

// NewPublisher creates an empty destination registry.
func NewPublisher() *Publisher {
	return &Publisher{dests: make(map[string]Destination)}
}

// Add registers a destination and returns its identifier.
func (p *Publisher) Add(d Destination) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := d.ID()
	if _, exists := p.dests[id]; !exists {
		p.order = append(p.order, id)
	}
	p.dests[id] = d
	return id
}

// RemoveByID removes and closes a destination. It reports whether the id was
// known.
func (p *Publisher) RemoveByID(id string) bool {
	p.mu.Lock()
	d, ok := p.dests[id]
	if ok {
		delete(p.dests, id)
		for i, existing := range p.order {
			if existing == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	if ok {
		if err := d.Close(); err != nil {
			logger := vlog.WithComponent("publish")
			logger.Warn().Err(err).Str("destination_id", id).Msg("close destination")
		}
	}
	return ok
}

// GetByID returns the destination with the given identifier.
func (p *Publisher) GetByID(id string) (Destination, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.dests[id]
	return d, ok
}

// List returns the destinations in registration order.
func (p *Publisher) List() []Destination {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Destination, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.dests[id])
	}
	return out
}

// Len returns the number of registered destinations.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Result is the outcome of delivering one message to one destination.
type Result struct {
	Kind  string `json:"kind"`
	State string `json:"state"` // "ok", "rate_limited" or "error"
	Error string `json:"error,omitempty"`
}

// Publish fans the message out to every destination in order. One failing
// destination never prevents delivery to the others.
func (p *Publisher) Publish(ctx context.Context, msg Message) map[string]Result {
	results := make(map[string]Result)
	for _, d := range p.List() {
		res := Result{Kind: d.Kind(), State: "ok"}
		switch err := d.Publish(ctx, msg); {
		case err == nil:
			metrics.PublishResults.WithLabelValues(d.Kind(), "ok").Inc()
		case errors.Is(err, ErrRateLimited):
			res.State = "rate_limited"
			metrics.PublishResults.WithLabelValues(d.Kind(), "rate_limited").Inc()
		default:
			res.State = "error"
			res.Error = err.Error()
			metrics.PublishResults.WithLabelValues(d.Kind(), "error").Inc()
			logger := vlog.WithComponent("publish")
			logger.Warn().
				Err(err).
				Str("destination_id", d.ID()).
				Str("kind", d.Kind()).
				Msg("publish failed")
		}
		results[d.ID()] = res
	}
	return results
}

// Snapshot serializes every destination for persistence, in order.
func (p *Publisher) Snapshot() []Record {
	dests := p.List()
	out := make([]Record, 0, len(dests))
	for _, d := range dests {
		out = append(out, Serialize(d))
	}
	return out
}

// Restore reconstructs destinations from persisted records. A record that
// fails to reconstruct is logged and skipped; it never aborts restoration of
// the remaining destinations.
func (p *Publisher) Restore(records []Record, nodeID, nodeName string) {
	logger := vlog.WithComponent("publish")
	restored := 0
	for _, rec := range records {
		d, err := Deserialize(rec, nodeID, nodeName)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("destination_id", rec.ID).
				Str("kind", rec.Kind).
				Msg("skipping destination that failed to restore")
			continue
		}
		p.Add(d)
		restored++
	}
	logger.Info().Int("restored", restored).Int("total", len(records)).Msg("destinations restored")
}

// Close releases every destination, used during daemon shutdown.
func (p *Publisher) Close() {
	for _, d := range p.List() {
		if err := d.Close(); err != nil {
			logger := vlog.WithComponent("publish")
			logger.Warn().Err(err).Str("destination_id", d.ID()).Msg("close destination")
		}
	}
}
