// SPDX-License-Identifier: MIT

// Package publish implements result-publishing destinations, the ordered
// destination registry, and the persistence protocol that saves and restores
// destinations across restarts.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Destination kinds. The set is closed; the persistence protocol depends on
// it (see record.go).
const (
	KindBus     = "nats"
	KindWebhook = "webhook"
	KindSerial  = "serial"
	KindFolder  = "folder"
	KindFile    = "file"
)

// ErrRateLimited is returned by Publish when the destination's minimum
// delivery interval has not elapsed. It is an expected outcome, not a
// failure.
var ErrRateLimited = errors.New("delivery rate limited")

// ConfigError reports an invalid destination configuration.
type ConfigError struct {
	Kind   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configure %s destination: %s", e.Kind, e.Reason)
}

// Message is one inference result document to deliver.
type Message map[string]any

// imageKey is the message field carrying an embedded image payload.
const imageKey = "image_data"

// withoutImage returns a shallow copy of the message with any embedded image
// payload removed.
func (m Message) withoutImage() Message {
	if _, ok := m[imageKey]; !ok {
		return m
	}
	out := make(Message, len(m))
	for k, v := range m {
		if k == imageKey {
			continue
		}
		out[k] = v
	}
	return out
}

// Destination is a polymorphic result-publishing target.
type Destination interface {
	// ID is the stable identifier, generated once and preserved across
	// edits and restarts.
	ID() string
	// Kind names the destination type.
	Kind() string
	// Configure applies a sparse configuration document. String values have
	// node identity variables substituted beforehand.
	Configure(config map[string]any) error
	// Publish delivers one message, honoring the rate limit.
	Publish(ctx context.Context, msg Message) error
	// SetRateLimit sets the minimum interval between deliveries; zero or
	// negative disables limiting.
	SetRateLimit(interval time.Duration)
	// RateLimit returns the configured minimum interval, zero when unset.
	RateLimit() time.Duration
	// Config returns the sparse configuration: only non-empty values.
	Config() map[string]any
	// SetContext injects the owning node's identity used for variable
	// substitution in configuration values.
	SetContext(nodeID, nodeName string)
	// Close releases any connection or handle held by the destination.
	Close() error
}

// New constructs an unconfigured destination of the given kind. An empty id
// generates a fresh one.
func New(kind, id string) (Destination, error) {
	if id == "" {
		id = uuid.NewString()
	}
	switch kind {
	case KindBus:
		return &busDestination{base: base{id: id, kind: kind}}, nil
	case KindWebhook:
		return &webhookDestination{base: base{id: id, kind: kind}}, nil
	case KindSerial:
		return &serialDestination{base: base{id: id, kind: kind}}, nil
	case KindFolder:
		return &folderDestination{base: base{id: id, kind: kind}}, nil
	case KindFile:
		return &fileDestination{base: base{id: id, kind: kind}}, nil
	default:
		return nil, &ConfigError{Kind: kind, Reason: "unknown destination kind"}
	}
}

// Kinds returns the closed set of supported destination kinds.
func Kinds() []string {
	return []string{KindBus, KindWebhook, KindSerial, KindFolder, KindFile}
}

// base carries the behavior shared by every destination kind.
type base struct {
	id   string
	kind string

	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter

	nodeID   string
	nodeName string

	includeImage *bool
}

func (b *base) ID() string   { return b.id }
func (b *base) Kind() string { return b.kind }

func (b *base) SetContext(nodeID, nodeName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodeID = nodeID
	b.nodeName = nodeName
}

func (b *base) SetRateLimit(interval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interval = interval
	if interval <= 0 {
		b.limiter = nil
		return
	}
	b.limiter = rate.NewLimiter(rate.Every(interval), 1)
}

func (b *base) RateLimit() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// allow reports whether a delivery may proceed under the rate limit.
func (b *base) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limiter == nil {
		return true
	}
	return b.limiter.Allow()
}

// expand substitutes node identity variables in a configuration value.
func (b *base) expand(value string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.NewReplacer(
		"{node_id}", b.nodeID,
		"{node_name}", b.nodeName,
	).Replace(value)
}

// payload applies the image-embedding flag to a message.
func (b *base) payload(msg Message) Message {
	if b.includeImage != nil && !*b.includeImage {
		return msg.withoutImage()
	}
	return msg
}

// applyCommon consumes the config keys every kind understands.
func (b *base) applyCommon(cfg map[string]any) {
	if v, ok := cfgBool(cfg, "include_image_data"); ok {
		b.includeImage = &v
	}
}

// emitCommon adds the shared keys to a sparse config document.
func (b *base) emitCommon(out map[string]any) {
	if b.includeImage != nil {
		out["include_image_data"] = *b.includeImage
	}
}

// Loose-document accessors. JSON numbers arrive as float64.

func cfgString(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key].(string)
	return v, ok && v != ""
}

func cfgInt(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func cfgBool(cfg map[string]any, key string) (bool, bool) {
	v, ok := cfg[key].(bool)
	return v, ok
}

func cfgFloat(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
