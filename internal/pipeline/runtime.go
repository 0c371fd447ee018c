// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	vlog "github.com/mfricke/visiond/internal/log"
)

// Frame is an instantaneous snapshot of the most recent processed image of a
// running pipeline. Readers never mutate it.
type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

// Width returns the pixel width of the frame image.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the pixel height of the frame image.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// Instance is the per-pipeline runtime state. It keeps a single-writer,
// multi-reader slot holding the latest frame; readers take a snapshot without
// locking.
type Instance struct {
	id          string
	latest      atomic.Pointer[Frame]
	seq         atomic.Uint64
	running     atomic.Bool
	initialized atomic.Bool
	viewers     atomic.Int32
}

// ID returns the pipeline id this instance belongs to.
func (i *Instance) ID() string { return i.id }

// SetFrame publishes a new latest frame. Only the producing goroutine calls
// this.
func (i *Instance) SetFrame(img image.Image) {
	f := &Frame{
		Image:      img,
		Seq:        i.seq.Add(1),
		CapturedAt: time.Now(),
	}
	i.latest.Store(f)
}

// LatestFrame returns the most recent frame snapshot, or nil when the
// pipeline has not produced a frame yet. Never blocks.
func (i *Instance) LatestFrame() *Frame { return i.latest.Load() }

// IsRunning reports whether the instance's producer loop is alive.
func (i *Instance) IsRunning() bool { return i.running.Load() }

// IsInitialized reports whether the instance's producer came up. An
// initialized instance may still have an empty frame slot; streams poll for
// the first frame separately.
func (i *Instance) IsInitialized() bool { return i.initialized.Load() }

// StartStreaming signals that a preview viewer attached.
func (i *Instance) StartStreaming() { i.viewers.Add(1) }

// StopStreaming signals that a preview viewer detached. Extra calls after the
// counter reached zero are ignored so every stream exit path may call it.
func (i *Instance) StopStreaming() {
	for {
		n := i.viewers.Load()
		if n <= 0 {
			return
		}
		if i.viewers.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// StreamingEnabled reports whether at least one preview viewer is attached.
func (i *Instance) StreamingEnabled() bool { return i.viewers.Load() > 0 }

// Runtime tracks the active (started) pipelines.
type Runtime struct {
	mu        sync.Mutex
	instances map[string]*instanceHandle
	producers ProducerFactory
}

type instanceHandle struct {
	inst   *Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuntime creates a runtime that builds frame producers with the given
// factory.
func NewRuntime(producers ProducerFactory) *Runtime {
	return &Runtime{
		instances: make(map[string]*instanceHandle),
		producers: producers,
	}
}

// Start brings a pipeline's frame producer up. It fails when the pipeline is
// already active or its frame source is unsupported.
func (r *Runtime) Start(p *Pipeline) error {
	producer, err := r.producers.New(p.FrameSource)
	if err != nil {
		return fmt.Errorf("frame source for pipeline %s: %w", p.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[p.ID]; ok {
		return fmt.Errorf("pipeline %s: %w", p.ID, ErrRunning)
	}

	inst := &Instance{id: p.ID}
	inst.running.Store(true)
	inst.initialized.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	h := &instanceHandle{inst: inst, cancel: cancel, done: make(chan struct{})}
	r.instances[p.ID] = h

	logger := vlog.WithComponent("runtime").With().Str("pipeline_id", p.ID).Logger()
	go func() {
		defer close(h.done)
		defer inst.running.Store(false)
		if err := producer.Produce(ctx, inst.SetFrame); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("frame producer stopped unexpectedly")
		}
	}()
	logger.Info().Msg("pipeline instance started")
	return nil
}

// Stop tears the pipeline's producer down and waits for it to exit.
func (r *Runtime) Stop(id string) error {
	r.mu.Lock()
	h, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	h.cancel()
	<-h.done
	logger := vlog.WithComponent("runtime")
	logger.Info().Str("pipeline_id", id).Msg("pipeline instance stopped")
	return nil
}

// Get returns the active instance for a pipeline id.
func (r *Runtime) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return h.inst, true
}

// Active reports whether the pipeline id has a live instance.
func (r *Runtime) Active(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// StopAll tears down every active instance, used during daemon shutdown.
func (r *Runtime) StopAll() {
	r.mu.Lock()
	handles := make([]*instanceHandle, 0, len(r.instances))
	for id, h := range r.instances {
		handles = append(handles, h)
		delete(r.instances, id)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}
