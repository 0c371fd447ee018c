// SPDX-License-Identifier: MIT

package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mfricke/visiond/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fastTier keeps loop naps tiny so miss-cap tests finish quickly.
var fastTier = Tier{
	Name:        "test",
	MaxWidth:    640,
	Quality:     70,
	MinInterval: 0,
	MissSleep:   time.Millisecond,
	ErrBackoff:  time.Millisecond,
}

// fakeAccessor is a stand-in for a live pipeline instance.
type fakeAccessor struct {
	frame       atomic.Pointer[pipeline.Frame]
	running     atomic.Bool
	initialized atomic.Bool
	viewers     atomic.Int32
}

func newFakeAccessor(img image.Image) *fakeAccessor {
	a := &fakeAccessor{}
	a.running.Store(true)
	a.initialized.Store(true)
	if img != nil {
		a.frame.Store(&pipeline.Frame{Image: img, Seq: 1, CapturedAt: time.Now()})
	}
	return a
}

func (a *fakeAccessor) LatestFrame() *pipeline.Frame { return a.frame.Load() }
func (a *fakeAccessor) IsRunning() bool              { return a.running.Load() }
func (a *fakeAccessor) IsInitialized() bool          { return a.initialized.Load() }
func (a *fakeAccessor) StartStreaming()              { a.viewers.Add(1) }
func (a *fakeAccessor) StopStreaming()               { a.viewers.Add(-1) }

func lookupFor(id string, a *fakeAccessor) Lookup {
	return func(got string) (Accessor, bool) {
		if got != id {
			return nil, false
		}
		return a, true
	}
}

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func TestOpenNotActive(t *testing.T) {
	engine := New(func(string) (Accessor, bool) { return nil, false }, time.Second)
	_, err := engine.Open(context.Background(), "p1", Standard)
	assert.ErrorIs(t, err, ErrNotActive)

	stopped := newFakeAccessor(testImage(8, 8))
	stopped.running.Store(false)
	engine = New(lookupFor("p1", stopped), time.Second)
	_, err = engine.Open(context.Background(), "p1", Standard)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestOpenNotInitialized(t *testing.T) {
	acc := newFakeAccessor(nil)
	acc.initialized.Store(false)
	engine := New(lookupFor("p1", acc), time.Second)
	_, err := engine.Open(context.Background(), "p1", Standard)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, acc.viewers.Load(), "no viewer may be left attached")
}

func TestOpenNotReadyClearsViewer(t *testing.T) {
	// Initialized but the frame slot stays empty: the startup budget runs out.
	acc := newFakeAccessor(nil)
	engine := New(lookupFor("p1", acc), 50*time.Millisecond)
	_, err := engine.Open(context.Background(), "p1", Standard)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, acc.viewers.Load(), "the streaming flag must be cleared on timeout")
}

func TestOpenWaitsForFirstFrame(t *testing.T) {
	acc := newFakeAccessor(nil)
	engine := New(lookupFor("p1", acc), 2*time.Second)

	go func() {
		time.Sleep(150 * time.Millisecond)
		acc.frame.Store(&pipeline.Frame{Image: testImage(8, 8), Seq: 1, CapturedAt: time.Now()})
	}()

	st, err := engine.Open(context.Background(), "p1", Standard)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int32(1), acc.viewers.Load())
	acc.StopStreaming()
}

func TestServeEmitsMultipart(t *testing.T) {
	acc := newFakeAccessor(testImage(16, 12))
	engine := New(lookupFor("p1", acc), time.Second)

	st, err := engine.Open(context.Background(), "p1", fastTier)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	done := make(chan uint64, 1)
	go func() { done <- st.Serve(ctx, &buf) }()

	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("--frame\r\n"))
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	frames := <-done

	assert.Greater(t, frames, uint64(0))
	out := buf.String()
	assert.Contains(t, out, "--frame\r\nContent-Type: image/jpeg\r\n\r\n")
	assert.Zero(t, acc.viewers.Load(), "cleanup must detach the viewer exactly once")
	// The chunk after the headers starts with the JPEG SOI marker.
	idx := bytes.Index(buf.Bytes(), []byte("\r\n\r\n"))
	require.GreaterOrEqual(t, idx, 0)
	payload := buf.Bytes()[idx+4:]
	require.GreaterOrEqual(t, len(payload), 2)
	assert.Equal(t, []byte{0xff, 0xd8}, payload[:2])
}

func TestServeStopsWhenPipelineStops(t *testing.T) {
	acc := newFakeAccessor(testImage(16, 12))
	engine := New(lookupFor("p1", acc), time.Second)

	st, err := engine.Open(context.Background(), "p1", fastTier)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		acc.running.Store(false)
	}()
	var buf bytes.Buffer
	frames := st.Serve(context.Background(), &buf)
	assert.Greater(t, frames, uint64(0))
	assert.Zero(t, acc.viewers.Load())
}

func TestServeGivesUpAfterMissCap(t *testing.T) {
	acc := newFakeAccessor(testImage(16, 12))
	engine := New(lookupFor("p1", acc), time.Second)
	engine.encode = func(io.Writer, image.Image, int) error {
		return errors.New("encoder broken")
	}

	st, err := engine.Open(context.Background(), "p1", fastTier)
	require.NoError(t, err)

	var buf bytes.Buffer
	frames := st.Serve(context.Background(), &buf)
	assert.Zero(t, frames, "a permanently failing encoder emits nothing")
	assert.Zero(t, buf.Len())
	assert.Zero(t, acc.viewers.Load())
}

func TestServeTerminatesOnClientGone(t *testing.T) {
	acc := newFakeAccessor(testImage(16, 12))
	engine := New(lookupFor("p1", acc), time.Second)

	st, err := engine.Open(context.Background(), "p1", fastTier)
	require.NoError(t, err)

	frames := st.Serve(context.Background(), failingWriter{})
	assert.Zero(t, frames)
	assert.Zero(t, acc.viewers.Load())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestDownscaleDimensions(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		target int
		wantW  int
		wantH  int
	}{
		{"full_hd_to_standard", 1920, 1080, 640, 640, 360},
		{"full_hd_to_hq", 1920, 1080, 1280, 1280, 720},
		{"rounding", 1000, 333, 640, 640, 213},
		{"portrait", 480, 1920, 320, 320, 1280},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Downscale(testImage(tt.w, tt.h), tt.target)
			assert.Equal(t, tt.wantW, got.Bounds().Dx())
			assert.Equal(t, tt.wantH, got.Bounds().Dy())
		})
	}
}

func TestServeSkipsDownscaleBelowMax(t *testing.T) {
	// A 320px frame stays untouched under the 640px standard tier.
	acc := newFakeAccessor(testImage(320, 240))
	engine := New(lookupFor("p1", acc), time.Second)

	var encodedWidth int
	engine.encode = func(_ io.Writer, img image.Image, _ int) error {
		encodedWidth = img.Bounds().Dx()
		return nil
	}

	st, err := engine.Open(context.Background(), "p1", fastTier)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	done := make(chan uint64, 1)
	go func() { done <- st.Serve(ctx, &buf) }()
	require.Eventually(t, func() bool { return buf.Len() > 0 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 320, encodedWidth)
}

func TestTierConstants(t *testing.T) {
	assert.Equal(t, 640, Standard.MaxWidth)
	assert.Equal(t, 70, Standard.Quality)
	assert.Equal(t, time.Second/30, Standard.MinInterval)
	assert.Equal(t, 1280, HighQuality.MaxWidth)
	assert.Equal(t, 85, HighQuality.Quality)
	assert.Equal(t, time.Second/60, HighQuality.MinInterval)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", ContentType)
}
