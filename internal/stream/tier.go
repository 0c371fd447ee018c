// SPDX-License-Identifier: MIT

package stream

import "time"

// Tier is a named parameter set for the preview stream loop. Both tiers run
// the same state machine; only the constants differ.
type Tier struct {
	Name        string
	MaxWidth    int
	Quality     int
	MinInterval time.Duration // minimum time between emitted frames
	MissSleep   time.Duration // nap after an empty frame slot or cadence wait
	ErrBackoff  time.Duration // nap after a failed iteration
}

// Standard is the default preview tier used by pipeline cards.
var Standard = Tier{
	Name:        "standard",
	MaxWidth:    640,
	Quality:     70,
	MinInterval: time.Second / 30,
	MissSleep:   10 * time.Millisecond,
	ErrBackoff:  100 * time.Millisecond,
}

// HighQuality is the tier used by the full preview modal.
var HighQuality = Tier{
	Name:        "hq",
	MaxWidth:    1280,
	Quality:     85,
	MinInterval: time.Second / 60,
	MissSleep:   5 * time.Millisecond,
	ErrBackoff:  50 * time.Millisecond,
}
