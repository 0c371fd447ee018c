// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"time"
)

// Producer drives frames into an instance's latest-frame slot. Real capture
// or inference engines implement this; the built-in synthetic producer exists
// for smoke testing a node without cameras attached.
type Producer interface {
	Produce(ctx context.Context, emit func(image.Image)) error
}

// ProducerFactory builds a Producer from a declarative frame-source document.
type ProducerFactory interface {
	New(frameSource map[string]any) (Producer, error)
}

// FactoryFunc adapts a function to the ProducerFactory interface.
type FactoryFunc func(frameSource map[string]any) (Producer, error)

// New implements ProducerFactory.
func (f FactoryFunc) New(frameSource map[string]any) (Producer, error) { return f(frameSource) }

// DefaultFactory understands the frame-source types the daemon ships with.
// External engines register through their own factory at wiring time.
func DefaultFactory() ProducerFactory {
	return FactoryFunc(func(frameSource map[string]any) (Producer, error) {
		typ, _ := frameSource["type"].(string)
		switch typ {
		case "synthetic":
			return newSyntheticProducer(frameSource), nil
		default:
			return nil, fmt.Errorf("unsupported frame source type %q", typ)
		}
	})
}

// syntheticProducer renders a moving test pattern. It exists so a node can be
// exercised end to end without any capture hardware.
type syntheticProducer struct {
	width, height int
	interval      time.Duration
}

func newSyntheticProducer(doc map[string]any) *syntheticProducer {
	p := &syntheticProducer{width: 640, height: 360, interval: time.Second / 15}
	if w, ok := docInt(doc, "width"); ok && w > 0 {
		p.width = w
	}
	if h, ok := docInt(doc, "height"); ok && h > 0 {
		p.height = h
	}
	if fps, ok := docInt(doc, "fps"); ok && fps > 0 {
		p.interval = time.Second / time.Duration(fps)
	}
	return p
}

// docInt reads an integer from a loose JSON document, where numbers arrive as
// float64.
func docInt(doc map[string]any, key string) (int, bool) {
	switch v := doc[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func (p *syntheticProducer) Produce(ctx context.Context, emit func(image.Image)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var tick uint8
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			emit(p.render(tick))
			tick++
		}
	}
}

func (p *syntheticProducer) render(tick uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x) + tick,
				G: uint8(y),
				B: uint8(x+y) - tick,
				A: 0xff,
			})
		}
	}
	return img
}
