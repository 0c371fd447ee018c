// SPDX-License-Identifier: MIT

// Package stream implements the live preview streaming engine. Each open
// stream is an independent loop that pulls the latest frame of a running
// pipeline, paces it to the tier's cadence, downscales and JPEG-encodes it,
// and emits it as one multipart chunk.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	"github.com/disintegration/imaging"

	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/metrics"
	"github.com/mfricke/visiond/internal/pipeline"
)

// Boundary is the multipart boundary literal of the stream response.
const Boundary = "frame"

// ContentType is the response content type for preview streams.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// missCap bounds how many consecutive iterations may fail to emit a frame
// before the stream gives up.
const missCap = 50

// startupPoll is the interval at which Open polls for the first frame.
const startupPoll = 100 * time.Millisecond

var (
	// ErrNotActive means the pipeline has no live instance.
	ErrNotActive = errors.New("pipeline is not running")

	// ErrNotInitialized means the instance exists but has not finished
	// initialization.
	ErrNotInitialized = errors.New("pipeline is not initialized")

	// ErrNotReady means the pipeline produced no frame within the startup
	// budget. Retryable.
	ErrNotReady = errors.New("no frames available yet")
)

// Accessor exposes the latest-frame slot of a running pipeline instance.
type Accessor interface {
	LatestFrame() *pipeline.Frame
	IsRunning() bool
	IsInitialized() bool
	StartStreaming()
	StopStreaming()
}

// Lookup resolves the live instance for a pipeline id.
type Lookup func(id string) (Accessor, bool)

// EncodeFunc compresses one frame image at the given JPEG quality.
type EncodeFunc func(w io.Writer, img image.Image, quality int) error

// Engine opens preview streams against the live pipeline set.
type Engine struct {
	lookup        Lookup
	startupBudget time.Duration
	encode        EncodeFunc
}

// New creates a streaming engine. startupBudget bounds the wait for a first
// frame when a stream is opened.
func New(lookup Lookup, startupBudget time.Duration) *Engine {
	return &Engine{
		lookup:        lookup,
		startupBudget: startupBudget,
		encode:        encodeJPEG,
	}
}

func encodeJPEG(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

// Stream is one open preview stream. Serve must be called exactly once.
type Stream struct {
	engine *Engine
	acc    Accessor
	id     string
	tier   Tier
}

// Open checks the stream preconditions and blocks until the pipeline has a
// first frame, up to the engine's startup budget. On ErrNotReady the
// streaming-enabled flag is left cleared; no partial stream is opened.
func (e *Engine) Open(ctx context.Context, id string, tier Tier) (*Stream, error) {
	acc, ok := e.lookup(id)
	if !ok || !acc.IsRunning() {
		return nil, ErrNotActive
	}
	if !acc.IsInitialized() {
		return nil, ErrNotInitialized
	}

	acc.StartStreaming()

	deadline := time.Now().Add(e.startupBudget)
	for acc.LatestFrame() == nil {
		if time.Now().After(deadline) || ctx.Err() != nil {
			acc.StopStreaming()
			return nil, ErrNotReady
		}
		time.Sleep(startupPoll)
	}

	return &Stream{engine: e, acc: acc, id: id, tier: tier}, nil
}

// Serve runs the emit loop until the viewer disconnects (ctx), the pipeline
// stops, or the consecutive-miss cap is reached. Cleanup — clearing the
// streaming flag and recording the frame count — runs exactly once on every
// exit path. The returned count is the number of frames emitted.
func (s *Stream) Serve(ctx context.Context, w io.Writer) (frames uint64) {
	tier := s.tier
	logger := vlog.WithComponent("stream").With().
		Str("pipeline_id", s.id).
		Str("tier", tier.Name).
		Logger()

	metrics.StreamsActive.WithLabelValues(tier.Name).Inc()
	defer func() {
		metrics.StreamsActive.WithLabelValues(tier.Name).Dec()
		s.acc.StopStreaming()
		logger.Info().Uint64("frames", frames).Msg("stream ended")
	}()

	misses := 0
	var lastEmit time.Time

	for misses < missCap {
		if ctx.Err() != nil {
			return frames
		}
		if _, ok := s.engine.lookup(s.id); !ok || !s.acc.IsRunning() {
			return frames
		}

		// Cadence throttling naps do not consume a miss.
		now := time.Now()
		if !lastEmit.IsZero() && now.Sub(lastEmit) < tier.MinInterval {
			time.Sleep(tier.MissSleep)
			continue
		}

		frame := s.acc.LatestFrame()
		if frame == nil {
			misses++
			metrics.FrameMisses.WithLabelValues(tier.Name, "no_frame").Inc()
			time.Sleep(tier.MissSleep)
			continue
		}

		if err := s.emit(w, frame, tier); err != nil {
			if errors.Is(err, errClientGone) {
				return frames
			}
			// A single failed encode never terminates the stream.
			misses++
			metrics.FrameMisses.WithLabelValues(tier.Name, "encode").Inc()
			logger.Debug().Err(err).Msg("frame iteration failed")
			time.Sleep(tier.ErrBackoff)
			continue
		}

		frames++
		misses = 0
		lastEmit = now
		metrics.FramesEmitted.WithLabelValues(tier.Name).Inc()
	}
	logger.Warn().Int("miss_cap", missCap).Msg("stream aborted after consecutive misses")
	return frames
}

// errClientGone marks a write failure towards the viewer, which terminates
// the stream instead of counting as a miss.
var errClientGone = errors.New("client write failed")

func (s *Stream) emit(w io.Writer, frame *pipeline.Frame, tier Tier) error {
	img := frame.Image
	if width := frame.Width(); width > tier.MaxWidth {
		img = Downscale(img, tier.MaxWidth)
	}

	var buf bytes.Buffer
	if err := s.engine.encode(&buf, img, tier.Quality); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", Boundary); err != nil {
		return errClientGone
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errClientGone
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return errClientGone
	}
	return nil
}

// Downscale resizes img to the target width, preserving aspect ratio with an
// area-averaging (box) filter. Height is round(h * width / w).
func Downscale(img image.Image, width int) image.Image {
	b := img.Bounds()
	height := int(math.Round(float64(b.Dy()) * float64(width) / float64(b.Dx())))
	if height < 1 {
		height = 1
	}
	return imaging.Resize(img, width, height, imaging.Box)
}
