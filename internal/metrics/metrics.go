// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation for visiond.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsActive tracks currently open preview streams per tier.
	StreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visiond_streams_active",
		Help: "Number of currently open preview streams.",
	}, []string{"tier"})

	// FramesEmitted counts frames emitted to preview stream viewers.
	FramesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_stream_frames_emitted_total",
		Help: "Frames emitted to preview stream viewers.",
	}, []string{"tier"})

	// FrameMisses counts iterations that produced no emitted frame.
	FrameMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_stream_frame_misses_total",
		Help: "Stream loop iterations that produced no frame.",
	}, []string{"tier", "reason"})

	// PublishResults counts destination publish attempts by outcome.
	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_publish_results_total",
		Help: "Destination publish attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// BundleOps counts bundle export/import operations by outcome.
	BundleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_bundle_operations_total",
		Help: "Bundle export/import operations by outcome.",
	}, []string{"op", "outcome"})
)
